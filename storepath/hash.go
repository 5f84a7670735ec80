// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package storepath computes and encodes the content-addressed names of
// store objects.
//
// A store object's name has the form "<32-char-base32>-<human-name>", where
// the base32 prefix is derived from a truncated cryptographic digest over
// the object's content plus structure plus its human name. This package
// provides the two hash algorithms used to produce that digest ([New]) and
// the encoder that turns a digest into the base32 prefix ([Name]).
package storepath

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// Algorithm identifies a hash algorithm usable for store object digests.
type Algorithm string

// Supported hash algorithms.
const (
	// BLAKE2s is the canonical hash used to derive every store object's
	// name (see [Name]) and to verify a fixed-output derivation that
	// declares this algorithm.
	BLAKE2s Algorithm = "blake2s"
	// SHA256 may only be used to verify a fixed-output derivation that
	// declares this algorithm; it is never used to derive a store name.
	SHA256 Algorithm = "sha256"
)

// Size returns the digest size of the algorithm in bytes, or 0 if alg is
// unrecognized.
func (alg Algorithm) Size() int {
	switch alg {
	case BLAKE2s, SHA256:
		return 32
	default:
		return 0
	}
}

// ParseAlgorithm parses the name of a hash algorithm as it appears in a
// derivation's fixed-output declaration.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case BLAKE2s:
		return BLAKE2s, nil
	case SHA256:
		return SHA256, nil
	default:
		return "", fmt.Errorf("storepath: unknown hash algorithm %q", s)
	}
}

// New returns a new streaming [hash.Hash] for the given algorithm.
// The returned hash supports the update/digest/reset cycle required by the
// hash tree (C5): [hash.Hash.Sum] does not mutate state, so digest may be
// called repeatedly, and [hash.Hash.Reset] returns the hash to its initial
// state so it can be reused for a new input.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case BLAKE2s:
		h, err := blake2s.New256(nil)
		if err != nil {
			// blake2s.New256 only errors when given a key longer than 32
			// bytes; we never pass one.
			panic(err)
		}
		return h, nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("storepath: unknown hash algorithm %q", alg)
	}
}
