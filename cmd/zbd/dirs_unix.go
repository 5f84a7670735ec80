// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import "go4.org/xdgdir"

// defaultVarDir returns the directory zbd keeps its store, socket, and
// incidental state under when no configuration overrides it.
func defaultVarDir() string {
	if dir := xdgdir.Data.Path(); dir != "" {
		return dir + "/nichts"
	}
	return "/var/lib/nichts"
}
