// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"errors"
	"fmt"
	"io"
)

// DigestPrefixSize is the number of bytes of a digest consumed to produce a
// store object's base32 name prefix.
const DigestPrefixSize = 20

// PrefixLen is the length in characters of the base32-encoded prefix of a
// store object's name.
const PrefixLen = 32

// alphabet is the restricted base32 alphabet used for store object names.
// It omits the visually ambiguous letters e, o, t, and u.
const alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// Name computes a store object's name from a digest and a human-readable
// name: the first [DigestPrefixSize] bytes of digest are encoded as
// [PrefixLen] base32 characters, followed by a '-' and name.
//
// The bit layout matches the original C implementation exactly (see
// encode_test.go for the cross-checked golden vectors); any deviation would
// change the name of every store object computed by this package.
func Name(digest []byte, name string) (string, error) {
	if len(digest) < DigestPrefixSize {
		return "", fmt.Errorf("storepath: digest too short (%d bytes, need %d)", len(digest), DigestPrefixSize)
	}
	if name == "" {
		return "", fmt.Errorf("storepath: empty name")
	}
	prefix := EncodePrefix(digest[:DigestPrefixSize])
	return string(prefix[:]) + "-" + name, nil
}

// EncodePrefix encodes the first [DigestPrefixSize] bytes of digest as the
// 32-character base32 prefix of a store object name. EncodePrefix panics if
// len(digest) != [DigestPrefixSize].
func EncodePrefix(digest []byte) [PrefixLen]byte {
	if len(digest) != DigestPrefixSize {
		panic("storepath: EncodePrefix requires exactly 20 bytes")
	}
	var out [PrefixLen]byte
	i := DigestPrefixSize
	j := PrefixLen
	for i > 0 {
		// Each iteration of this loop consumes 5 bytes of the digest and
		// produces 8 base32 characters, packing 5 bits into each
		// character. The exact shift pattern below is the original
		// implementation's bit-pick, ported byte for byte.
		i--
		b7 := digest[i] & 0x1f
		b6 := digest[i] >> 5
		i--
		b6 |= (digest[i] << 3) & 0x1f
		b5 := (digest[i] >> 2) & 0x1f
		b4 := digest[i] >> 7
		i--
		b4 |= (digest[i] << 1) & 0x1f
		b3 := (digest[i] >> 4) & 0x1f
		i--
		b3 |= (digest[i] << 4) & 0x1f
		b2 := (digest[i] >> 1) & 0x1f
		b1 := digest[i] >> 6
		i--
		b1 |= (digest[i] << 2) & 0x1f
		b0 := digest[i] >> 3

		j--
		out[j] = alphabet[b7]
		j--
		out[j] = alphabet[b6]
		j--
		out[j] = alphabet[b5]
		j--
		out[j] = alphabet[b4]
		j--
		out[j] = alphabet[b3]
		j--
		out[j] = alphabet[b2]
		j--
		out[j] = alphabet[b1]
		j--
		out[j] = alphabet[b0]
	}
	return out
}

// HashAndEncode reads all of r, hashes it with alg followed by the file
// framing and name (as the hash tree does for a file node), and returns the
// store name that would result from ingesting it as a single file named name.
// This mirrors the original rom_hash utility, which computed a store name
// for an arbitrary blob without going through a full ingest session.
func HashAndEncode(alg Algorithm, r io.Reader, name string) (string, error) {
	h, err := New(alg)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	h.Write([]byte("\x00f\x00" + name))
	return Name(h.Sum(nil), name)
}
