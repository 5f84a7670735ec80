// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

//go:build linux

package buildchild

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"nichts.build/store/internal/osutil"
)

// applySandbox configures cmd to run inside a chroot containing exactly
// the store objects policy.Whitelist names, bind-mounted read-only at
// the same absolute path they occupy outside the chroot, plus each
// output's temp path bind-mounted read-write at that same absolute
// path. Mirroring host paths rather than relocating them under a
// synthetic prefix means nothing in the builder's environment needs
// rewriting for the sandbox to resolve (the reference implementation's
// Linux sandbox does the same: see realize_linux.go's storeDir mounted
// at its own absolute path).
func applySandbox(cmd *exec.Cmd, policy *Policy, outputTemp map[string]string) error {
	root := filepath.Join(policy.BuildDir, "root")
	if err := setUpChroot(root, policy, outputTemp); err != nil {
		return err
	}
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot: root,
	}
	return nil
}

// setUpChroot bind-mounts every whitelisted store object (read-only)
// and every declared output's temp path (read-write) into a fresh root
// beneath policy.BuildDir, each at the same absolute path it has
// outside the chroot.
func setUpChroot(root string, policy *Policy, outputTemp map[string]string) error {
	if err := osutil.MkdirPerm(root, 0o755); err != nil {
		return fmt.Errorf("set up sandbox: %w", err)
	}

	for _, name := range policy.Whitelist {
		src := policy.Store.Path(name)
		dst := filepath.Join(root, src)
		if err := bindMountOne(src, dst, true); err != nil {
			return fmt.Errorf("set up sandbox: bind input %s: %w", name, err)
		}
	}
	for id, tempPath := range outputTemp {
		dst := filepath.Join(root, tempPath)
		if err := bindMountOne(tempPath, dst, false); err != nil {
			return fmt.Errorf("set up sandbox: bind output %s: %w", id, err)
		}
	}

	tmpDir := filepath.Join(root, "tmp")
	if err := osutil.MkdirPerm(tmpDir, 0o1777); err != nil {
		return fmt.Errorf("set up sandbox: %w", err)
	}
	if err := unix.Mount("tmpfs", tmpDir, "tmpfs", 0, "mode=1777"); err != nil {
		return fmt.Errorf("set up sandbox: mount tmp: %w", err)
	}

	return nil
}

// bindMountOne bind-mounts src at dst, following symlinks to decide
// whether the mountpoint should be a file or a directory (the kernel
// itself follows src through any symlink when mounting, so the
// mountpoint's type must match the resolved target, not src's own
// Lstat mode). readOnly remounts the bind read-only after mounting,
// which the initial MS_BIND pass cannot do atomically.
func bindMountOne(src, dst string, readOnly bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := osutil.MkdirPerm(dst, 0o755); err != nil {
			return err
		}
	} else {
		if err := osutil.MkdirPerm(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := osutil.WriteFilePerm(dst, nil, 0o644); err != nil {
			return err
		}
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	if readOnly {
		if err := unix.Mount("", dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("remount %s read-only: %w", dst, err)
		}
	}
	return nil
}

// teardownSandbox unmounts everything bindMountOne and setUpChroot mounted
// beneath policy.BuildDir/root. Called after the builder exits, regardless
// of outcome. The underlying output temp files are bind mounts, not
// copies, so writes the builder made remain visible at their host path
// after this unmounts the chroot.
func teardownSandbox(policy *Policy) error {
	return osutil.UnmountAndRemoveAll(filepath.Join(policy.BuildDir, "root"))
}
