// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package drv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"nichts.build/store/storeerr"
)

func exampleDerivation() *Derivation {
	return &Derivation{
		Outputs: []Output{
			{ID: "out", Path: "abc-foo"},
		},
		InputDerivations: []InputDerivation{
			{DrvName: "xyz-bar.drv", Outputs: []string{"out"}},
		},
		Sources: []string{"src-baz"},
		Platform: "x86_64-linux",
		Builder:  "builder-drv/bin/build",
		Env: []EnvVar{
			{Key: "out", Value: "abc-foo"},
			{Key: "PATH", Value: "/bin"},
		},
	}
}

func TestParseMarshalRoundTrip(t *testing.T) {
	want := exampleDerivation()
	data := want.Marshal()
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal(d)): %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestParseRejectsArgs(t *testing.T) {
	data := []byte(`Derive([],[],[],"x86_64-linux","builder",["foo"],[])`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("Parse did not reject a derivation with non-empty args")
	}
	if !storeerr.Is(err, storeerr.InvalidDerivation) {
		t.Errorf("error kind = %v; want InvalidDerivation", err)
	}
}

func TestHasFixedOutput(t *testing.T) {
	tests := []struct {
		name string
		outs []Output
		want bool
	}{
		{"empty", nil, false},
		{"unfixed", []Output{{ID: "out", Path: "p"}}, false},
		{
			"fixed",
			[]Output{{ID: "out", Path: "p", HashAlgo: "sha256", HashHex: "ab"}},
			true,
		},
		{
			"mixed",
			[]Output{
				{ID: "out", Path: "p", HashAlgo: "sha256", HashHex: "ab"},
				{ID: "doc", Path: "q"},
			},
			false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := &Derivation{Outputs: test.outs}
			if got := d.HasFixedOutput(); got != test.want {
				t.Errorf("HasFixedOutput() = %t; want %t", got, test.want)
			}
		})
	}
}

func TestDerivationLookup(t *testing.T) {
	d := exampleDerivation()
	if v, ok := d.Lookup("PATH"); !ok || v != "/bin" {
		t.Errorf("Lookup(PATH) = %q, %t; want \"/bin\", true", v, ok)
	}
	if _, ok := d.Lookup("nonexistent"); ok {
		t.Error("Lookup(nonexistent) returned ok = true")
	}
}

func TestDerivationOutput(t *testing.T) {
	d := exampleDerivation()
	if o, ok := d.Output("out"); !ok || o.Path != "abc-foo" {
		t.Errorf("Output(out) = %+v, %t; want Path=abc-foo, true", o, ok)
	}
	if _, ok := d.Output("missing"); ok {
		t.Error("Output(missing) returned ok = true")
	}
}

func TestParseEmptyInputsAndSources(t *testing.T) {
	d := &Derivation{
		Outputs:  []Output{{ID: "out", Path: "abc-foo"}},
		Platform: "x86_64-linux",
		Builder:  "builder-drv/bin/build",
	}
	got, err := Parse(d.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.InputDerivations) != 0 || len(got.Sources) != 0 || len(got.Env) != 0 {
		t.Errorf("got %+v; want all empty slices", got)
	}
}
