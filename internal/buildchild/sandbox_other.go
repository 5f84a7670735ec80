// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package buildchild

import "os/exec"

// applySandbox runs the builder directly in policy.BuildDir without
// filesystem isolation. Only Linux gets bind-mount/chroot sandboxing
// (sandbox_linux.go); other platforms are for local development only.
// Output temp paths are already real, absolute host paths, so no
// sandbox-specific rewriting is needed here.
func applySandbox(cmd *exec.Cmd, policy *Policy, outputTemp map[string]string) error {
	cmd.Dir = policy.BuildDir
	return nil
}

// teardownSandbox is a no-op: the fallback path performs no mounts.
func teardownSandbox(policy *Policy) error {
	return nil
}
