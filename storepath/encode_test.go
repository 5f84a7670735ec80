// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"bytes"
	"math/rand"
	"testing"
)

// referenceEncode is an independent re-derivation of [EncodePrefix] that
// reads the digest as one big-endian number and emits its 5-bit groups
// from the most-significant end, rather than the explicit byte-shift port
// in encode.go. The two must agree bit-for-bit for every digest: that
// agreement is the golden-vector check called for by the bit-pick open
// question.
func referenceEncode(digest []byte) [PrefixLen]byte {
	var out [PrefixLen]byte
	for n := 0; n < PrefixLen; n++ {
		b := uint(n) * 5
		i := b / 8
		j := b % 8
		w := uint16(digest[i]) << 8
		if i+1 < DigestPrefixSize {
			w |= uint16(digest[i+1])
		}
		out[n] = alphabet[(w>>(11-j))&0x1f]
	}
	return out
}

func TestEncodePrefixAllZero(t *testing.T) {
	digest := make([]byte, DigestPrefixSize)
	got := EncodePrefix(digest)
	want := bytes.Repeat([]byte{'0'}, PrefixLen)
	if string(got[:]) != string(want) {
		t.Errorf("EncodePrefix(zeroes) = %q; want %q", got, want)
	}
}

func TestEncodePrefixAllOnes(t *testing.T) {
	digest := bytes.Repeat([]byte{0xff}, DigestPrefixSize)
	got := EncodePrefix(digest)
	want := bytes.Repeat([]byte{'z'}, PrefixLen)
	if string(got[:]) != string(want) {
		t.Errorf("EncodePrefix(0xff...) = %q; want %q", got, want)
	}
}

func TestEncodePrefixAgreesWithReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		digest := make([]byte, DigestPrefixSize)
		rng.Read(digest)
		got := EncodePrefix(digest)
		want := referenceEncode(digest)
		if got != want {
			t.Fatalf("EncodePrefix(%x) = %q; reference says %q", digest, got, want)
		}
	}
}

func TestName(t *testing.T) {
	digest := make([]byte, 32) // full BLAKE2s digest; only first 20 bytes used
	for i := range digest {
		digest[i] = byte(i)
	}
	got, err := Name(digest, "hello")
	if err != nil {
		t.Fatal(err)
	}
	wantPrefix := EncodePrefix(digest[:DigestPrefixSize])
	want := string(wantPrefix[:]) + "-hello"
	if got != want {
		t.Errorf("Name(...) = %q; want %q", got, want)
	}
}

func TestNameRejectsShortDigest(t *testing.T) {
	if _, err := Name(make([]byte, 10), "hello"); err == nil {
		t.Error("Name did not reject a digest shorter than 20 bytes")
	}
}

func TestNameRejectsEmptyName(t *testing.T) {
	if _, err := Name(make([]byte, 32), ""); err == nil {
		t.Error("Name did not reject an empty name")
	}
}

func TestHashAndEncode(t *testing.T) {
	got, err := HashAndEncode(BLAKE2s, bytes.NewReader([]byte("hello")), "out")
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(BLAKE2s)
	if err != nil {
		t.Fatal(err)
	}
	h.Write([]byte("hello\x00f\x00out"))
	want, err := Name(h.Sum(nil), "out")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("HashAndEncode(...) = %q; want %q", got, want)
	}
}
