// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"bytes"
	"encoding/json"
)

// ErrorKind discriminates the closed set of failure categories the core can
// produce. Each kind carries a process exit code and a static category
// message.
type ErrorKind uint8

const (
	// GenericFailure covers exceptions from third-party code that were not
	// wrapped into a more specific kind at the boundary.
	GenericFailure ErrorKind = iota
	InvalidArg
	InvalidManifestDescriptor
	InvalidQueryArg
	InvalidRegistry
	InvalidManifestFile
	EvalError
	PackageInit
	ParseDescriptor
	ParseSearchQueryError
	IndexError
	SchemaMismatch
	NoSuchDatabase
	TOMLToJSONError
	YAMLToJSONError
	InvalidLockfile
	InvalidHash
	ResolutionFailure
	EnvironmentMixin
	PackageCheckFailure
)

type errorInfo struct {
	exitCode int
	category string
}

var errorInfos = map[ErrorKind]errorInfo{
	GenericFailure:            {1, "general error"},
	InvalidArg:                {101, "invalid argument"},
	InvalidManifestDescriptor: {102, "invalid manifest descriptor"},
	InvalidQueryArg:           {103, "invalid package query argument"},
	InvalidRegistry:           {104, "invalid registry"},
	InvalidManifestFile:       {105, "invalid manifest file"},
	EvalError:                 {107, "evaluation error"},
	PackageInit:               {109, "error initializing package"},
	ParseDescriptor:           {110, "error parsing manifest descriptor"},
	ParseSearchQueryError:     {112, "error parsing search query"},
	IndexError:                {113, "error running package index"},
	SchemaMismatch:            {114, "package index schema mismatch"},
	NoSuchDatabase:            {115, "no such package index"},
	TOMLToJSONError:           {116, "error converting TOML to JSON"},
	YAMLToJSONError:           {117, "error converting YAML to JSON"},
	InvalidLockfile:           {118, "invalid lockfile"},
	InvalidHash:               {119, "invalid hash"},
	ResolutionFailure:         {120, "resolution failure"},
	EnvironmentMixin:          {121, "environment misuse"},
	PackageCheckFailure:       {124, "package check failure"},
}

// Error is the structured error type produced throughout the core. The full
// message is `<category>: <context>: <cause>`, with absent sections omitted.
type Error struct {
	Kind    ErrorKind
	Context string
	Cause   error
}

// NewError returns an Error of the given kind with optional context.
func NewError(kind ErrorKind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// WrapError attaches a caught cause to a new Error. Underlying errors from
// third-party libraries must pass through here ( or NewError ) before
// crossing a package boundary.
func WrapError(kind ErrorKind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// ExitCode returns the process exit code associated with the error's kind.
func (e *Error) ExitCode() int { return errorInfos[e.Kind].exitCode }

// Category returns the static category message for the error's kind.
func (e *Error) Category() string { return errorInfos[e.Kind].category }

func (e *Error) Error() string {
	var buf bytes.Buffer
	buf.WriteString(e.Category())
	if e.Context != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Context)
	}
	if e.Cause != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Cause.Error())
	}
	return buf.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so callers can test for a
// category with errors.Is(err, &Error{Kind: InvalidLockfile}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// MarshalJSON projects the error for machine consumers.
func (e *Error) MarshalJSON() ([]byte, error) {
	obj := struct {
		ExitCode int     `json:"exit_code"`
		Category string  `json:"category_message"`
		Context  *string `json:"context_message,omitempty"`
		Caught   *string `json:"caught_message,omitempty"`
	}{
		ExitCode: e.ExitCode(),
		Category: e.Category(),
	}
	if e.Context != "" {
		obj.Context = &e.Context
	}
	if e.Cause != nil {
		msg := e.Cause.Error()
		obj.Caught = &msg
	}
	return json.Marshal(obj)
}

// IsKind reports whether err is, or wraps, a core Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if coreErr, ok := err.(*Error); ok && coreErr.Kind == kind {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
