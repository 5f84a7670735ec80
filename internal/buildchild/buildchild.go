// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package buildchild spawns and supervises the sandboxed process that
// runs a derivation's builder, enforcing the purity policy: the builder
// may see exactly its declared inputs (via the filter session) and write
// exactly its declared outputs (via the ingest session), and nothing
// else.
package buildchild

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"zombiezen.com/go/log"

	"nichts.build/store/drv"
	"nichts.build/store/internal/envresolve"
	"nichts.build/store/internal/ingest"
	"nichts.build/store/internal/localstore"
	"nichts.build/store/internal/system"
	"nichts.build/store/storeerr"
	"nichts.build/store/storepath"
)

// ImpureServicesEnv names the environment variable a fixed-output
// derivation uses for a comma-separated list of extra service names.
// [Run] does not read it: no service access is granted or withheld on
// its account, and the variable reaches the builder like any other
// environment entry.
const ImpureServicesEnv = "__impureServices"

// Policy carries everything [Run] needs to construct one sandboxed build:
// the parsed derivation, its resolved environment, the store it builds
// into, and a scratch directory for the builder's working directory.
type Policy struct {
	DrvName    string
	Derivation *drv.Derivation
	Env        *envresolve.Map
	Store      *localstore.Store
	Ingest     *ingest.Session
	Whitelist  []string // store object names visible through the filter session
	BuildDir   string   // scratch working directory, removed by caller after Run returns
	LogWriter  io.Writer
}

// Result reports the outcome of a single build attempt.
type Result struct {
	Outputs map[string]string // output id -> final content-addressed name
}

// Run spawns the builder named by policy.Derivation.Builder, waits for it
// to exit, and finalizes its declared outputs. It returns
// [storeerr.BuildFailed] if the process exits non-zero, if any declared
// output failed to finalize, or if a fixed-output derivation's result does
// not match its declared hash.
func Run(ctx context.Context, policy *Policy) (*Result, error) {
	if err := checkPlatform(policy.Derivation.Platform); err != nil {
		return nil, storeerr.New(storeerr.InvalidDerivation, err)
	}

	// Pre-declare every output, then actually create its hash root so
	// there is a backend temp path for the builder to write to. Expect
	// alone only fences which names CreateFileRoot will accept; without
	// the CreateFileRoot call there is nothing for Finalize to flush.
	outputTemp := make(map[string]string, len(policy.Derivation.Outputs))
	for _, out := range policy.Derivation.Outputs {
		policy.Ingest.Expect(out.ID)
	}
	for _, out := range policy.Derivation.Outputs {
		tempPath, err := policy.Ingest.CreateFileRoot(out.ID)
		if err != nil {
			return nil, storeerr.New(storeerr.BuildFailed, fmt.Errorf("create output %q: %w", out.ID, err))
		}
		outputTemp[out.ID] = tempPath
	}

	builderHostPath := policy.Store.Path(policy.Derivation.Builder)
	if _, err := os.Stat(builderHostPath); err != nil {
		return nil, storeerr.New(storeerr.MissingDependency, fmt.Errorf("builder %q: %w", policy.Derivation.Builder, err))
	}

	configName, err := writeConfigROM(ctx, policy)
	if err != nil {
		return nil, err
	}
	defer os.Remove(configName)

	env := buildEnviron(policy, outputTemp)

	cmd := exec.CommandContext(ctx, builderHostPath)
	cmd.Dir = policy.BuildDir
	cmd.Env = env
	cmd.Stdout = policy.LogWriter
	cmd.Stderr = policy.LogWriter
	if err := applySandbox(cmd, policy, outputTemp); err != nil {
		return nil, storeerr.New(storeerr.BuildFailed, fmt.Errorf("set up sandbox for %s: %w", policy.DrvName, err))
	}

	log.Infof(ctx, "spawning builder %s for %s", policy.Derivation.Builder, policy.DrvName)
	runErr := cmd.Run()
	if err := teardownSandbox(policy); err != nil {
		log.Warnf(ctx, "tearing down sandbox for %s: %v", policy.DrvName, err)
	}

	result := &Result{Outputs: make(map[string]string)}
	var finalizeErrs []error
	for _, out := range policy.Derivation.Outputs {
		final, err := policy.Ingest.Finalize(ctx, out.ID)
		if err != nil {
			finalizeErrs = append(finalizeErrs, fmt.Errorf("output %q: %w", out.ID, err))
			continue
		}
		if out.Fixed() {
			if err := verifyFixedOutput(policy.Store, final, out); err != nil {
				finalizeErrs = append(finalizeErrs, err)
				continue
			}
		}
		result.Outputs[out.ID] = final
	}

	if runErr != nil {
		return nil, storeerr.New(storeerr.BuildFailed, fmt.Errorf("builder exited: %w", runErr))
	}
	if len(finalizeErrs) > 0 {
		return nil, storeerr.New(storeerr.BuildFailed, fmt.Errorf("%d output(s) failed: %v", len(finalizeErrs), finalizeErrs))
	}
	if len(result.Outputs) != len(policy.Derivation.Outputs) {
		return nil, storeerr.New(storeerr.BuildFailed, fmt.Errorf("not every declared output finalized"))
	}

	for id, final := range result.Outputs {
		out, _ := policy.Derivation.Output(id)
		if err := linkOutput(policy.Store, out.Path, final); err != nil {
			return nil, storeerr.New(storeerr.BuildFailed, err)
		}
	}

	return result, nil
}

func checkPlatform(platform string) error {
	if platform == "" {
		return fmt.Errorf("derivation declares no platform")
	}
	want, err := system.Parse(platform)
	if err != nil {
		return fmt.Errorf("unknown platform %q: %w", platform, err)
	}
	have := system.Current()
	if want.String() != have.String() {
		return fmt.Errorf("derivation requires platform %s, running on %s", want, have)
	}
	return nil
}

// writeConfigROM ingests the derivation's own serialized ATerm bytes as a
// scratch store object, standing in for the synthetic "config" ROM
// dataspace the reference implementation hands the builder directly from
// memory.
func writeConfigROM(ctx context.Context, policy *Policy) (string, error) {
	return policy.Ingest.WriteText(ctx, "config-"+policy.DrvName, policy.Derivation.Marshal())
}

// buildEnviron computes the builder's process environment: the resolved
// derivation environment (§4.6), each output's own temporary backend
// path bound to its id (so e.g. $out names the exact file the builder
// should write, resolvable both outside and inside its sandbox, see
// [applySandbox]), and a minimal PATH if the derivation did not set one.
func buildEnviron(policy *Policy, outputTemp map[string]string) []string {
	env := make([]string, 0, len(policy.Env.Keys())+len(policy.Derivation.Outputs)+1)
	seen := make(map[string]bool)
	for _, k := range policy.Env.Keys() {
		v, _ := policy.Env.Lookup(k)
		env = append(env, k+"="+v)
		seen[k] = true
	}
	for _, out := range policy.Derivation.Outputs {
		if !seen[out.ID] {
			env = append(env, out.ID+"="+outputTemp[out.ID])
			seen[out.ID] = true
		}
	}
	if !seen["PATH"] {
		env = append(env, "PATH=/bin:/usr/bin")
	}
	sort.Strings(env)
	return env
}

func verifyFixedOutput(store *localstore.Store, final string, out drv.Output) error {
	alg, err := storepath.ParseAlgorithm(out.HashAlgo)
	if err != nil {
		return storeerr.New(storeerr.BuildFailed, fmt.Errorf("output %q declares unverifiable algorithm %q: %w", out.ID, out.HashAlgo, err))
	}
	f, err := os.Open(store.Path(final))
	if err != nil {
		return storeerr.New(storeerr.BuildFailed, fmt.Errorf("verify output %q: %w", out.ID, err))
	}
	defer f.Close()
	h, err := storepath.New(alg)
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, f); err != nil {
		return storeerr.New(storeerr.BuildFailed, fmt.Errorf("verify output %q: %w", out.ID, err))
	}
	got := fmt.Sprintf("%x", h.Sum(nil))
	if got != out.HashHex {
		return storeerr.New(storeerr.BuildFailed, fmt.Errorf("output %q hash mismatch: got %s, want %s", out.ID, got, out.HashHex))
	}
	return nil
}

// linkOutput creates the input-addressed -> content-addressed symlink
// recorded for a successful output, unless one identical already exists.
func linkOutput(store *localstore.Store, inputPath, finalName string) error {
	if inputPath == finalName {
		return nil
	}
	linkPath := store.Path(inputPath)
	if existing, err := os.Readlink(linkPath); err == nil {
		if existing == finalName {
			return nil
		}
		return fmt.Errorf("output path %q already links to %q, not %q", inputPath, existing, finalName)
	}
	if err := os.Symlink(finalName, linkPath); err != nil {
		return fmt.Errorf("link output %q -> %q: %w", inputPath, finalName, err)
	}
	return nil
}

