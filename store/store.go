// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package store implements the store-session server: the boundary that a
// client talks to in order to check whether a store object is valid,
// dereference an input-addressed name to its content-addressed target,
// and realize a derivation. It ties together the store backend
// ([nichts.build/store/internal/localstore]), the ingest and filter
// sessions handed to each build, the environment resolver, and the build
// scheduler.
package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"nichts.build/store/drv"
	"nichts.build/store/internal/buildchild"
	"nichts.build/store/internal/envresolve"
	"nichts.build/store/internal/filterfs"
	"nichts.build/store/internal/ingest"
	"nichts.build/store/internal/localstore"
	"nichts.build/store/internal/schedule"
	"nichts.build/store/storeerr"
	"nichts.build/store/storepath"
)

// Server is a realized content-addressed build store: a backing directory
// plus a scheduler that serializes builds of derivations found in it. It
// implements the store-session surface SPEC_FULL.md calls store.Server:
// Valid, Dereference, Realize, and (see export.go) Export/Import.
type Server struct {
	backend *localstore.Store
	alg     storepath.Algorithm
	sched   *schedule.Scheduler

	mu       sync.Mutex
	drvCache map[string]*drv.Derivation
}

// Open opens the store rooted at dir and creates its scheduler, bounding
// concurrent build memory to totalRAM bytes (see
// [nichts.build/store/internal/schedule.QuotaStep]). Open does not start
// the scheduler: builds run only while [Server.Run] is running, typically
// in its own goroutine, until the ctx passed to Run is canceled.
func Open(ctx context.Context, dir string, alg storepath.Algorithm, totalRAM int64) (*Server, error) {
	backend, err := localstore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Server{
		backend:  backend,
		alg:      alg,
		drvCache: make(map[string]*drv.Derivation),
	}
	s.sched = schedule.New(builderFunc(s.runBuild), totalRAM)

	if err := s.checkIngestConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("open store: ingest connectivity check failed: %w", err)
	}

	return s, nil
}

// Run drives the store's build scheduler until ctx is canceled. It should
// be called exactly once, typically from its own goroutine.
func (s *Server) Run(ctx context.Context) error {
	return s.sched.Run(ctx)
}

// builderFunc adapts a plain function to [schedule.Builder].
type builderFunc func(ctx context.Context, drvName string) error

func (f builderFunc) Build(ctx context.Context, drvName string) error { return f(ctx, drvName) }

// checkIngestConnectivity performs the startup pre-flight check: it
// creates and deletes a placeholder file through a throwaway ingest
// session, confirming the backend directory is writable before the store
// accepts any client connection. A failure here is meant to terminate the
// daemon at startup rather than be retried per request.
func (s *Server) checkIngestConnectivity(ctx context.Context) error {
	sess := ingest.NewSession(s.backend, s.alg)
	final, err := sess.WriteText(ctx, "connectivity-check", nil)
	if err != nil {
		return err
	}
	if err := os.Remove(s.backend.Path(final)); err != nil {
		return fmt.Errorf("remove connectivity check placeholder: %w", err)
	}
	return nil
}

// Valid reports whether name refers to a store object that exists (after
// following any symlink chain).
func (s *Server) Valid(name string) bool {
	return s.backend.Valid(name)
}

// QueueDepth returns the number of builds currently queued (not counting
// the one running, if any), for use by an admin/diagnostic endpoint.
func (s *Server) QueueDepth() int {
	return s.sched.Len()
}

// Dereference resolves name to its final content-addressed target, or
// returns the empty string if name does not refer to a valid store
// object.
func (s *Server) Dereference(name string) string {
	return s.backend.Dereference(name)
}

// LoadDerivation reads and parses the derivation named name from the
// store, caching the result. It implements
// [nichts.build/store/internal/envresolve.DerivationLoader] and
// [nichts.build/store/internal/filterfs]'s loader parameter.
func (s *Server) LoadDerivation(name string) (*drv.Derivation, error) {
	s.mu.Lock()
	if d, ok := s.drvCache[name]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(s.backend.Path(name))
	if err != nil {
		return nil, storeerr.New(storeerr.MissingDependency, fmt.Errorf("load derivation %q: %w", name, err))
	}
	d, err := drv.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load derivation %q: %w", name, err)
	}

	s.mu.Lock()
	s.drvCache[name] = d
	s.mu.Unlock()
	return d, nil
}

// Realize schedules drvName to be built and returns a channel that
// receives exactly one value when the build completes: nil on success,
// or the build's error. This is the Go equivalent of the reference
// implementation's realize(drv_name, completion_handle) call, with the
// channel standing in for the completion notification (see
// [nichts.build/store/internal/schedule] for the same REDESIGN choice at
// the scheduler layer).
//
// Realize rejects names containing a '/' and fails fast with
// [storeerr.MissingDependency] if any of the derivation's declared input
// outputs are not presently valid store objects, without ever touching
// the scheduler.
func (s *Server) Realize(ctx context.Context, drvName string) (<-chan error, error) {
	if strings.Contains(drvName, "/") {
		return nil, storeerr.New(storeerr.InvalidDerivation, fmt.Errorf("realize: invalid derivation name %q", drvName))
	}

	d, err := s.LoadDerivation(drvName)
	if err != nil {
		return nil, err
	}
	if err := s.checkInputsValid(ctx, d); err != nil {
		return nil, err
	}

	log.Infof(ctx, "realize %s", drvName)
	return s.sched.Enqueue(drvName), nil
}

// checkInputsValid verifies that every output every input derivation of d
// declares is presently a valid store object, fanning the checks for
// distinct input derivations out across goroutines since each is an
// independent filesystem stat plus (on a cache miss) a parse.
func (s *Server) checkInputsValid(ctx context.Context, d *drv.Derivation) error {
	grp, _ := errgroup.WithContext(ctx)
	for _, in := range d.InputDerivations {
		in := in
		grp.Go(func() error {
			inputDrv, err := s.LoadDerivation(in.DrvName)
			if err != nil {
				return err
			}
			for _, outputID := range in.Outputs {
				out, ok := inputDrv.Output(outputID)
				if !ok {
					return storeerr.New(storeerr.MissingDependency,
						fmt.Errorf("derivation %q has no output %q", in.DrvName, outputID))
				}
				if !s.Valid(out.Path) {
					return storeerr.New(storeerr.MissingDependency,
						fmt.Errorf("input %q (output %q of %q) is not a valid store object", out.Path, outputID, in.DrvName))
				}
			}
			return nil
		})
	}
	return grp.Wait()
}

// runBuild is the [schedule.Builder] entry point the scheduler calls once
// a build reaches the front of the queue: it resolves the derivation's
// environment, computes its filter whitelist, gives it a private ingest
// session and scratch build directory, and runs it under
// [buildchild.Run].
func (s *Server) runBuild(ctx context.Context, drvName string) error {
	d, err := s.LoadDerivation(drvName)
	if err != nil {
		return err
	}

	env, err := envresolve.Resolve(d, s, s.backend)
	if err != nil {
		return err
	}
	ffs, err := filterfs.New(s.backend.Dir(), d, s, s.backend)
	if err != nil {
		return err
	}

	buildDir, err := os.MkdirTemp("", "nichts-build-*")
	if err != nil {
		return fmt.Errorf("realize %s: %w", drvName, err)
	}
	defer os.RemoveAll(buildDir)

	policy := &buildchild.Policy{
		DrvName:    drvName,
		Derivation: d,
		Env:        env,
		Store:      s.backend,
		Ingest:     ingest.NewSession(s.backend, s.alg),
		Whitelist:  ffs.Whitelist(),
		BuildDir:   buildDir,
		LogWriter:  logWriter{ctx},
	}

	_, err = buildchild.Run(ctx, policy)
	return err
}

// logWriter adapts [zombiezen.com/go/log] to [io.Writer] for a builder's
// combined stdout/stderr.
type logWriter struct {
	ctx context.Context
}

func (w logWriter) Write(p []byte) (int, error) {
	log.Debugf(w.ctx, "%s", p)
	return len(p), nil
}
