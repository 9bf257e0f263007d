// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package attrpath splits and joins dotted attribute paths.
package attrpath

import "strings"

// dequote strips one layer of matched outer quotes from part and removes
// `\` escape characters, turning `\x` into `x`.
func dequote(part string) string {
	if len(part) >= 2 {
		if (part[0] == '\'' && part[len(part)-1] == '\'') ||
			(part[0] == '"' && part[len(part)-1] == '"') {
			part = part[1 : len(part)-1]
		}
	}
	var sb strings.Builder
	sb.Grow(len(part))
	escaped := false
	for i := 0; i < len(part); i++ {
		if !escaped && part[i] == '\\' {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteByte(part[i])
	}
	return sb.String()
}

// Split splits a dotted attribute path into its components, respecting
// paired single or double quotes and `\` escaping of any single character.
// Outer paired quotes are stripped from each resulting segment.
//
//	a.'b.c'.d -> ["a", "b.c", "d"]
func Split(path string) []string {
	var parts []string

	inSingle := false
	inDouble := false
	escaped := false
	start := 0

	for i := 0; i < len(path); i++ {
		switch {
		case escaped:
			escaped = false
		case path[i] == '\\':
			escaped = true
		case path[i] == '\'' && !inDouble:
			inSingle = !inSingle
		case path[i] == '"' && !inSingle:
			inDouble = !inDouble
		case path[i] == '.' && !inSingle && !inDouble:
			parts = append(parts, dequote(path[start:i]))
			start = i + 1
		}
	}
	if start != len(path) {
		parts = append(parts, dequote(path[start:]))
	}
	return parts
}

// Join renders a list of path components as a dotted attribute path,
// quoting any component which itself contains a `.`.
func Join(parts []string) string {
	var sb strings.Builder
	for i, part := range parts {
		if i > 0 {
			sb.WriteByte('.')
		}
		if strings.Contains(part, ".") {
			sb.WriteByte('"')
			sb.WriteString(part)
			sb.WriteByte('"')
		} else {
			sb.WriteString(part)
		}
	}
	return sb.String()
}
