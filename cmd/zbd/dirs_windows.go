// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

//go:build windows

package main

import "os"

// defaultVarDir returns the directory zbd keeps its store, socket, and
// incidental state under when no configuration overrides it.
func defaultVarDir() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir + `\nichts`
	}
	return `C:\nichts`
}
