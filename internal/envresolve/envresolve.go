// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package envresolve rewrites a derivation's declared inputs and
// environment variables from their input-addressed store paths to the
// content-addressed paths those inputs actually resolved to.
package envresolve

import (
	"fmt"
	"sort"
	"strings"

	"nichts.build/store/drv"
	"nichts.build/store/storeerr"
)

// Dereferencer resolves a store object name to its final, dereferenced
// name, mirroring [nichts.build/store/internal/localstore.Store.Dereference].
// An empty return means the name does not resolve to a valid store object.
type Dereferencer interface {
	Dereference(name string) string
}

// DerivationLoader loads a named derivation's parsed contents, used to
// look up the outputs of an input derivation.
type DerivationLoader interface {
	LoadDerivation(name string) (*drv.Derivation, error)
}

// Map is the environment resolver's result: an ordered mapping from
// environment key to rewritten value.
type Map struct {
	keys   []string
	values map[string]string
	// inputs holds every input-addressed path resolved in pass 1,
	// mapped to its final content-addressed target, sorted longest
	// prefix first so Resolve's prefix scan finds the most specific
	// match.
	inputs     []string
	inputsDest map[string]string
}

// Lookup returns the rewritten value of the environment variable named
// key, or false if it was not set.
func (m *Map) Lookup(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the environment variable names in the order they appeared
// in the derivation.
func (m *Map) Keys() []string {
	return m.keys
}

// Resolve computes the environment a builder should see for d: every
// input derivation's matching outputs are dereferenced to their final
// content-addressed store names (pass 1), then every environment value
// that names or is prefixed by one of those input paths is rewritten to
// use the resolved name (pass 2).
//
// Resolve fails with [storeerr.MissingDependency] if any declared input
// output cannot be dereferenced to a valid store object.
func Resolve(d *drv.Derivation, loader DerivationLoader, deref Dereferencer) (*Map, error) {
	m := &Map{
		values:     make(map[string]string),
		inputsDest: make(map[string]string),
	}

	for _, in := range d.InputDerivations {
		inputDrv, err := loader.LoadDerivation(in.DrvName)
		if err != nil {
			return nil, storeerr.New(storeerr.MissingDependency, fmt.Errorf("load input derivation %q: %w", in.DrvName, err))
		}
		for _, outputID := range in.Outputs {
			out, ok := inputDrv.Output(outputID)
			if !ok {
				return nil, storeerr.New(storeerr.MissingDependency,
					fmt.Errorf("derivation %q has no output %q", in.DrvName, outputID))
			}
			final := deref.Dereference(out.Path)
			if final == "" {
				return nil, storeerr.New(storeerr.MissingDependency,
					fmt.Errorf("input %q (output %q of %q) is not a valid store object", out.Path, outputID, in.DrvName))
			}
			m.inputsDest[out.Path] = final
		}
	}
	for _, src := range d.Sources {
		m.inputsDest[src] = src
	}

	m.inputs = make([]string, 0, len(m.inputsDest))
	for p := range m.inputsDest {
		m.inputs = append(m.inputs, p)
	}
	sort.Slice(m.inputs, func(i, j int) bool { return len(m.inputs[i]) > len(m.inputs[j]) })

	for _, ev := range d.Env {
		m.keys = append(m.keys, ev.Key)
		m.values[ev.Key] = m.rewrite(ev.Value, deref)
	}
	return m, nil
}

// rewrite applies pass 2 of the resolver to a single environment value.
func (m *Map) rewrite(value string, deref Dereferencer) string {
	if final, ok := m.inputsDest[value]; ok {
		return final
	}
	for _, p := range m.inputs {
		if strings.HasPrefix(value, p+"/") {
			return m.inputsDest[p] + value[len(p):]
		}
	}
	if looksLikeStorePath(value) {
		if final := deref.Dereference(value); final != "" {
			return final
		}
	}
	return value
}

// looksLikeStorePath reports whether s has the shape of a store object
// name, "<32-char-base32>-<name>", without validating that it actually
// exists.
func looksLikeStorePath(s string) bool {
	i := strings.IndexByte(s, '-')
	return i == 32
}
