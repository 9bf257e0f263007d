// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageLayout(t *testing.T) {
	err := NewError(InvalidLockfile, "")
	assert.Equal(t, "invalid lockfile", err.Error())

	err = NewError(InvalidLockfile, "no such path: ./missing.lock")
	assert.Equal(t, "invalid lockfile: no such path: ./missing.lock", err.Error())

	err = WrapError(TOMLToJSONError, "parsing TOML", fmt.Errorf("unexpected token"))
	assert.Equal(t, "error converting TOML to JSON: parsing TOML: unexpected token", err.Error())
}

func TestErrorExitCodes(t *testing.T) {
	cases := map[ErrorKind]int{
		GenericFailure:            1,
		InvalidArg:                101,
		InvalidManifestDescriptor: 102,
		InvalidQueryArg:           103,
		InvalidRegistry:           104,
		InvalidManifestFile:       105,
		ParseDescriptor:           110,
		ResolutionFailure:         120,
		InvalidLockfile:           118,
	}
	for kind, code := range cases {
		assert.Equal(t, code, NewError(kind, "").ExitCode())
	}
}

func TestErrorJSONProjection(t *testing.T) {
	err := WrapError(YAMLToJSONError, "parsing YAML", fmt.Errorf("bad indent"))
	encoded, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	var projected map[string]interface{}
	require.NoError(t, json.Unmarshal(encoded, &projected))
	assert.Equal(t, float64(117), projected["exit_code"])
	assert.Equal(t, "error converting YAML to JSON", projected["category_message"])
	assert.Equal(t, "parsing YAML", projected["context_message"])
	assert.Equal(t, "bad indent", projected["caught_message"])

	// Absent sections are omitted entirely.
	encoded, marshalErr = json.Marshal(NewError(InvalidArg, ""))
	require.NoError(t, marshalErr)
	projected = nil
	require.NoError(t, json.Unmarshal(encoded, &projected))
	_, hasContext := projected["context_message"]
	_, hasCaught := projected["caught_message"]
	assert.False(t, hasContext)
	assert.False(t, hasCaught)
}

func TestErrorWrappingChain(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := WrapError(IndexError, "opening index", cause)

	assert.True(t, errors.Is(err, &Error{Kind: IndexError}))
	assert.False(t, errors.Is(err, &Error{Kind: InvalidArg}))
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, IsKind(fmt.Errorf("outer: %w", err), IndexError))
}
