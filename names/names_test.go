// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package names

import (
	"testing"

	"github.com/pkg/errors"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		scope   string
		pkg     string
		wantErr bool
	}{
		{name: "simple", in: "acme/rocket", scope: "acme", pkg: "rocket"},
		{name: "hyphens and digits", in: "team-7/lib-2", scope: "team-7", pkg: "lib-2"},
		{name: "missing separator", in: "acme", wantErr: true},
		{name: "empty scope", in: "/rocket", wantErr: true},
		{name: "empty name", in: "acme/", wantErr: true},
		{name: "uppercase", in: "Acme/rocket", wantErr: true},
		{name: "underscore", in: "acme/ro_cket", wantErr: true},
		{name: "too long", in: "acme/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", wantErr: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Parse(c.in)
			if c.wantErr {
				if err == nil {
					t.Fatalf("parsing %q should have errored, got %v", c.in, got)
				}
				if errors.Cause(err) != ErrInvalidName {
					t.Errorf("error cause is not ErrInvalidName: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsing %q: %s", c.in, err)
			}
			if got.Scope() != c.scope || got.Name() != c.pkg {
				t.Errorf("parsed segments are not as expected:\n\t(GOT) %s %s\n\t(WNT) %s %s", got.Scope(), got.Name(), c.scope, c.pkg)
			}
		})
	}
}

func TestRenderings(t *testing.T) {
	n, err := Parse("acme/rocket")
	if err != nil {
		t.Fatal(err)
	}
	if n.String() != "acme/rocket" {
		t.Errorf("canonical rendering is not as expected:\n\t(GOT) %s\n\t(WNT) acme/rocket", n)
	}
	if n.Escaped() != "acme+rocket" {
		t.Errorf("escaped rendering is not as expected:\n\t(GOT) %s\n\t(WNT) acme+rocket", n.Escaped())
	}
}

func TestTextRoundTrip(t *testing.T) {
	n, _ := Parse("acme/rocket")
	b, err := n.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var back PackageName
	if err := back.UnmarshalText(b); err != nil {
		t.Fatal(err)
	}
	if back != n {
		t.Errorf("text round trip changed the name:\n\t(GOT) %v\n\t(WNT) %v", back, n)
	}
}

func TestSorted(t *testing.T) {
	a, _ := Parse("a/a")
	b, _ := Parse("a/b")
	c, _ := Parse("b/a")
	in := []PackageName{c, a, b}
	got := Sorted(in)
	want := []PackageName{a, b, c}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted order is not as expected at %d:\n\t(GOT) %v\n\t(WNT) %v", i, got, want)
		}
	}
	if in[0] != c {
		t.Error("Sorted modified its input")
	}
}
