// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package buildchild

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"nichts.build/store/drv"
	"nichts.build/store/internal/envresolve"
	"nichts.build/store/internal/ingest"
	"nichts.build/store/internal/localstore"
	"nichts.build/store/internal/system"
	"nichts.build/store/storeerr"
	"nichts.build/store/storepath"
)

type fakeDeref map[string]string

func (f fakeDeref) Dereference(name string) string { return f[name] }

type fakeLoader map[string]*drv.Derivation

func (f fakeLoader) LoadDerivation(name string) (*drv.Derivation, error) {
	return f[name], nil
}

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := localstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestCheckPlatformAcceptsCurrent(t *testing.T) {
	if err := checkPlatform(system.Current().String()); err != nil {
		t.Errorf("checkPlatform(current) = %v; want nil", err)
	}
}

func TestCheckPlatformRejectsMismatch(t *testing.T) {
	other := "x86_64-linux"
	if system.Current().OS == "linux" {
		other = "aarch64-macos"
	}
	if err := checkPlatform(other); err == nil {
		t.Errorf("checkPlatform(%q) = nil; want error", other)
	}
}

func TestCheckPlatformRejectsEmpty(t *testing.T) {
	if err := checkPlatform(""); err == nil {
		t.Error("checkPlatform(\"\") = nil; want error")
	}
}

func TestBuildEnvironIncludesResolvedAndOutputPaths(t *testing.T) {
	d := &drv.Derivation{
		Outputs: []drv.Output{{ID: "out", Path: "abc-out"}},
		Env: []drv.EnvVar{
			{Key: "PATH", Value: "/custom/bin"},
		},
	}
	m, err := envresolve.Resolve(d, fakeLoader{}, fakeDeref{})
	if err != nil {
		t.Fatal(err)
	}
	policy := &Policy{Derivation: d, Env: m}
	env := buildEnviron(policy, map[string]string{"out": "/store/ingest-temp"})

	want := map[string]string{"PATH": "/custom/bin", "out": "/store/ingest-temp"}
	got := make(map[string]string)
	for _, kv := range env {
		i := 0
		for ; i < len(kv) && kv[i] != '='; i++ {
		}
		got[kv[:i]] = kv[i+1:]
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("env[%q] = %q; want %q", k, got[k], v)
		}
	}
}

func TestBuildEnvironDefaultsPATH(t *testing.T) {
	d := &drv.Derivation{}
	m, err := envresolve.Resolve(d, fakeLoader{}, fakeDeref{})
	if err != nil {
		t.Fatal(err)
	}
	env := buildEnviron(&Policy{Derivation: d, Env: m}, nil)
	found := false
	for _, kv := range env {
		if kv == "PATH=/bin:/usr/bin" {
			found = true
		}
	}
	if !found {
		t.Errorf("buildEnviron did not set a default PATH: %v", env)
	}
}

func TestVerifyFixedOutputMatches(t *testing.T) {
	store := newTestStore(t)
	data := []byte("reproducible bytes")
	h, err := storepath.New(storepath.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	h.Write(data)
	hashHex := hexEncode(h.Sum(nil))

	if err := os.WriteFile(filepath.Join(store.Dir(), "xyz-fixed"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	out := drv.Output{ID: "out", Path: "xyz-fixed", HashAlgo: string(storepath.SHA256), HashHex: hashHex}
	if err := verifyFixedOutput(store, "xyz-fixed", out); err != nil {
		t.Errorf("verifyFixedOutput: %v", err)
	}
}

func TestVerifyFixedOutputMismatch(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(filepath.Join(store.Dir(), "xyz-fixed"), []byte("actual"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := drv.Output{ID: "out", Path: "xyz-fixed", HashAlgo: string(storepath.SHA256), HashHex: "00"}
	err := verifyFixedOutput(store, "xyz-fixed", out)
	if !storeerr.Is(err, storeerr.BuildFailed) {
		t.Errorf("verifyFixedOutput error kind = %v; want BuildFailed", err)
	}
}

func TestLinkOutputCreatesSymlink(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(filepath.Join(store.Dir(), "abc-final"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := linkOutput(store, "in-out", "abc-final"); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(store.Dir(), "in-out"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "abc-final" {
		t.Errorf("link target = %q; want abc-final", target)
	}
}

func TestLinkOutputIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := linkOutput(store, "in-out", "abc-final"); err != nil {
		t.Fatal(err)
	}
	if err := linkOutput(store, "in-out", "abc-final"); err != nil {
		t.Errorf("second linkOutput call failed: %v", err)
	}
}

func TestLinkOutputSameNameIsNoOp(t *testing.T) {
	store := newTestStore(t)
	if err := linkOutput(store, "abc-final", "abc-final"); err != nil {
		t.Errorf("linkOutput with equal names should be a no-op: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(store.Dir(), "abc-final")); err == nil {
		t.Error("linkOutput created a symlink when input and final names matched")
	}
}

// TestRunFinalizesOutputWrittenByBuilder drives Run through a real
// builder process (a shell script) to a finalized output, the scenario
// the earlier Expect-only wiring could never pass: without a
// CreateFileRoot call backing $out, Finalize always failed with
// storeerr.InvalidHandle regardless of what the builder wrote.
func TestRunFinalizesOutputWrittenByBuilder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("builder script assumes a POSIX shell")
	}
	store := newTestStore(t)

	builderPath := filepath.Join(store.Dir(), "abc-builder")
	script := "#!/bin/sh\nprintf '%s' \"hello from builder\" > \"$out\"\n"
	if err := os.WriteFile(builderPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	d := &drv.Derivation{
		Outputs:  []drv.Output{{ID: "out", Path: "abc-out"}},
		Platform: system.Current().String(),
		Builder:  "abc-builder",
	}
	env, err := envresolve.Resolve(d, fakeLoader{}, fakeDeref{})
	if err != nil {
		t.Fatal(err)
	}

	buildDir := t.TempDir()
	policy := &Policy{
		DrvName:    "x.drv",
		Derivation: d,
		Env:        env,
		Store:      store,
		Ingest:     ingest.NewSession(store, storepath.BLAKE2s),
		BuildDir:   buildDir,
		LogWriter:  io.Discard,
	}

	result, err := Run(context.Background(), policy)
	if runtime.GOOS == "linux" && os.Geteuid() != 0 && err != nil {
		t.Skipf("sandbox requires CAP_SYS_ADMIN to mount: %v", err)
	}
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	final, ok := result.Outputs["out"]
	if !ok {
		t.Fatal("Run did not report output \"out\"")
	}
	got, err := os.ReadFile(store.Path(final))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello from builder" {
		t.Errorf("output content = %q; want %q", got, "hello from builder")
	}
	if target, err := os.Readlink(store.Path("abc-out")); err != nil || target != final {
		t.Errorf("abc-out link = (%q, %v); want %q, nil", target, err, final)
	}
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}
