// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package drv parses and represents derivations: the ATerm-encoded build
// recipes that describe a store object's outputs, inputs, and builder
// invocation.
package drv

import (
	"fmt"

	"nichts.build/store/internal/aterm"
	"nichts.build/store/storeerr"
)

// Output is one entry of a derivation's output list: an identifier (almost
// always "out"), the store path the builder is expected to populate, and,
// for a fixed-output derivation, the hash the finished output must match.
type Output struct {
	ID       string
	Path     string
	HashAlgo string
	HashHex  string
}

// Fixed reports whether every field of the output was declared, meaning
// the build's result is verified by content hash rather than trusted by
// construction.
func (o Output) Fixed() bool {
	return o.ID != "" && o.Path != "" && o.HashAlgo != "" && o.HashHex != ""
}

// InputDerivation is one entry of a derivation's input-derivation list: the
// name of another derivation and the subset of its outputs this derivation
// depends on.
type InputDerivation struct {
	DrvName string
	Outputs []string
}

// EnvVar is one entry of a derivation's environment list.
type EnvVar struct {
	Key   string
	Value string
}

// Derivation is the parsed form of a "Derive(...)" ATerm document: a
// builder invocation plus the sets of outputs, inputs, and environment
// variables needed to run it.
//
// Outputs, InputDerivations, Sources, and Env are decoded eagerly rather
// than held as lazy sublist pointers (as the original C++ implementation
// does to avoid a second allocating pass): a derivation is small enough,
// and its fields are read far more often than parsed, that eager decoding
// is both simpler and no slower in practice.
type Derivation struct {
	Outputs          []Output
	InputDerivations []InputDerivation
	Sources          []string
	Platform         string
	Builder          string
	Env              []EnvVar
}

// MaxBuilderPathLen bounds the length of the builder path field, matching
// the original implementation's File_system::MAX_PATH_LEN-sized inline
// buffer.
const MaxBuilderPathLen = 512

// MaxPlatformLen bounds the length of the platform field.
const MaxPlatformLen = 32

// Parse decodes a "Derive(...)" document. It rejects a non-empty args list
// with [storeerr.InvalidDerivation], matching the reference implementation's
// refusal to run a derivation that passes command-line arguments to its
// builder (every builder invocation is name, environment, and stdin only).
func Parse(data []byte) (*Derivation, error) {
	p := aterm.NewParser(data)
	d := new(Derivation)
	err := p.Constructor("Derive", func(p *aterm.Parser) error {
		if _, err := p.List(func(p *aterm.Parser) error {
			return p.Tuple(func(p *aterm.Parser) error {
				var out Output
				var err error
				if out.ID, err = p.String(); err != nil {
					return err
				}
				if err := p.Comma(); err != nil {
					return err
				}
				if out.Path, err = p.String(); err != nil {
					return err
				}
				if err := p.Comma(); err != nil {
					return err
				}
				if out.HashAlgo, err = p.String(); err != nil {
					return err
				}
				if err := p.Comma(); err != nil {
					return err
				}
				if out.HashHex, err = p.String(); err != nil {
					return err
				}
				d.Outputs = append(d.Outputs, out)
				return nil
			})
		}); err != nil {
			return err
		}
		if err := p.Comma(); err != nil {
			return err
		}

		if _, err := p.List(func(p *aterm.Parser) error {
			return p.Tuple(func(p *aterm.Parser) error {
				var in InputDerivation
				var err error
				if in.DrvName, err = p.String(); err != nil {
					return err
				}
				if err := p.Comma(); err != nil {
					return err
				}
				if _, err := p.List(func(p *aterm.Parser) error {
					id, err := p.String()
					if err != nil {
						return err
					}
					in.Outputs = append(in.Outputs, id)
					return nil
				}); err != nil {
					return err
				}
				d.InputDerivations = append(d.InputDerivations, in)
				return nil
			})
		}); err != nil {
			return err
		}
		if err := p.Comma(); err != nil {
			return err
		}

		if _, err := p.List(func(p *aterm.Parser) error {
			s, err := p.String()
			if err != nil {
				return err
			}
			d.Sources = append(d.Sources, s)
			return nil
		}); err != nil {
			return err
		}
		if err := p.Comma(); err != nil {
			return err
		}

		var err error
		if d.Platform, err = p.String(); err != nil {
			return err
		}
		if len(d.Platform) > MaxPlatformLen {
			return fmt.Errorf("platform exceeds %d bytes", MaxPlatformLen)
		}
		if err := p.Comma(); err != nil {
			return err
		}

		if d.Builder, err = p.String(); err != nil {
			return err
		}
		if len(d.Builder) > MaxBuilderPathLen {
			return fmt.Errorf("builder path exceeds %d bytes", MaxBuilderPathLen)
		}
		if err := p.Comma(); err != nil {
			return err
		}

		var argc int
		if _, err := p.List(func(p *aterm.Parser) error {
			argc++
			_, err := p.String()
			return err
		}); err != nil {
			return err
		}
		if argc > 0 {
			return fmt.Errorf("derivation contains %d command line argument(s)", argc)
		}
		if err := p.Comma(); err != nil {
			return err
		}

		_, err = p.List(func(p *aterm.Parser) error {
			return p.Tuple(func(p *aterm.Parser) error {
				var ev EnvVar
				var err error
				if ev.Key, err = p.String(); err != nil {
					return err
				}
				if err := p.Comma(); err != nil {
					return err
				}
				if ev.Value, err = p.String(); err != nil {
					return err
				}
				d.Env = append(d.Env, ev)
				return nil
			})
		})
		return err
	})
	if err != nil {
		return nil, storeerr.New(storeerr.InvalidDerivation, fmt.Errorf("parse derivation: %w", err))
	}
	return d, nil
}

// HasFixedOutput reports whether every output of the derivation declares a
// complete (id, path, algo, hash) tuple, meaning the build is verified by
// content hash rather than trusted by construction.
func (d *Derivation) HasFixedOutput() bool {
	if len(d.Outputs) == 0 {
		return false
	}
	for _, o := range d.Outputs {
		if !o.Fixed() {
			return false
		}
	}
	return true
}

// Output returns the output with the given id, or false if none matches.
func (d *Derivation) Output(id string) (Output, bool) {
	for _, o := range d.Outputs {
		if o.ID == id {
			return o, true
		}
	}
	return Output{}, false
}

// Lookup returns the value of the environment variable with the given key, or
// false if none is set.
func (d *Derivation) Lookup(key string) (string, bool) {
	for _, ev := range d.Env {
		if ev.Key == key {
			return ev.Value, true
		}
	}
	return "", false
}

// Marshal serializes d back into the "Derive(...)" ATerm wire format
// described by the derivation's external interface.
func (d *Derivation) Marshal() []byte {
	var buf []byte
	buf = append(buf, "Derive("...)

	buf = append(buf, '[')
	for i, o := range d.Outputs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, o.ID)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, o.Path)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, o.HashAlgo)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, o.HashHex)
		buf = append(buf, ')')
	}
	buf = append(buf, "],"...)

	buf = append(buf, '[')
	for i, in := range d.InputDerivations {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, in.DrvName)
		buf = append(buf, ',')
		buf = append(buf, '[')
		for j, id := range in.Outputs {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, id)
		}
		buf = append(buf, ']', ')')
	}
	buf = append(buf, "],"...)

	buf = append(buf, '[')
	for i, s := range d.Sources {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, s)
	}
	buf = append(buf, "],"...)

	buf = aterm.AppendString(buf, d.Platform)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, d.Builder)
	buf = append(buf, ",[],"...)

	buf = append(buf, '[')
	for i, ev := range d.Env {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, ev.Key)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, ev.Value)
		buf = append(buf, ')')
	}
	buf = append(buf, ']')

	buf = append(buf, ')')
	return buf
}
