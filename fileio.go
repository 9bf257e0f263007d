// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// TOMLToJSON converts TOML text to a JSON-shaped byte slice.
func TOMLToJSON(data []byte) ([]byte, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, WrapError(TOMLToJSONError, "parsing TOML", err)
	}
	out, err := json.Marshal(tree.ToMap())
	if err != nil {
		return nil, WrapError(TOMLToJSONError, "encoding JSON", err)
	}
	return out, nil
}

// YAMLToJSON converts YAML text to a JSON-shaped byte slice.
func YAMLToJSON(data []byte) ([]byte, error) {
	var tree interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, WrapError(YAMLToJSONError, "parsing YAML", err)
	}
	tree = yamlToJSONValue(tree)
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, WrapError(YAMLToJSONError, "encoding JSON", err)
	}
	return out, nil
}

// yamlToJSONValue rewrites YAML map keys into strings so the value can be
// encoded as JSON.
func yamlToJSONValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, member := range typed {
			typed[key] = yamlToJSONValue(member)
		}
		return typed
	case map[interface{}]interface{}:
		rsl := make(map[string]interface{}, len(typed))
		for key, member := range typed {
			rsl[fmt.Sprint(key)] = yamlToJSONValue(member)
		}
		return rsl
	case []interface{}:
		for i, member := range typed {
			typed[i] = yamlToJSONValue(member)
		}
		return typed
	}
	return value
}

// ReadManifestFile loads a manifest from disk, dispatching on the file
// extension: `.toml`, `.yaml`/`.yml`, or `.json`/`.lock`.
func ReadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(InvalidManifestFile, "reading "+path, err)
	}
	jsonData, err := toJSONByExtension(path, data)
	if err != nil {
		return nil, err
	}
	return ParseManifest(jsonData)
}

func toJSONByExtension(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOMLToJSON(data)
	case ".yaml", ".yml":
		return YAMLToJSON(data)
	case ".json", ".lock":
		return data, nil
	}
	return nil, NewError(InvalidManifestFile,
		fmt.Sprintf("unrecognized file extension on %q", path))
}

// ReadLockfileFile loads a lockfile from disk. Lockfiles are always JSON.
func ReadLockfileFile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(InvalidLockfile, "reading "+path, err)
	}
	return ParseLockfile(data)
}
