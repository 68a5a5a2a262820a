package source

import (
	"testing"

	"github.com/Masterminds/semver"

	"github.com/Paficent/pesde/target"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestVersionIDRoundTrip(t *testing.T) {
	cases := []string{
		"1.0.0 luau",
		"1.1.2 lune",
		"0.1.0-rc.1 roblox",
		"2.0.0 roblox_server",
	}
	for _, c := range cases {
		id, err := ParseVersionID(c)
		if err != nil {
			t.Fatalf("parsing %q: %s", c, err)
		}
		if id.String() != c {
			t.Errorf("round trip changed the id:\n\t(GOT) %s\n\t(WNT) %s", id, c)
		}
	}
}

func TestVersionIDParseErrors(t *testing.T) {
	cases := []string{"1.0.0", "abc luau", "1.0.0 python", ""}
	for _, c := range cases {
		if _, err := ParseVersionID(c); err == nil {
			t.Errorf("parsing %q should have errored", c)
		}
	}
}

func TestVersionIDDistinctTargets(t *testing.T) {
	a := NewVersionID(mustVersion(t, "1.0.0"), target.Luau)
	b := NewVersionID(mustVersion(t, "1.0.0"), target.Lune)
	if a == b {
		t.Error("same semver with different targets must be distinct ids")
	}
}

func TestVersionIDLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1.0.0 luau", "1.1.0 luau", true},
		{"1.1.0 luau", "1.0.0 luau", false},
		{"1.0.0-rc.1 luau", "1.0.0 luau", true},
		// Semver ties fall to the lexicographic order of the full
		// rendering.
		{"1.0.0 luau", "1.0.0 roblox", true},
		{"1.0.0 roblox", "1.0.0 luau", false},
	}
	for _, c := range cases {
		a, err := ParseVersionID(c.a)
		if err != nil {
			t.Fatal(err)
		}
		b, err := ParseVersionID(c.b)
		if err != nil {
			t.Fatal(err)
		}
		if got := a.Less(b); got != c.want {
			t.Errorf("Less(%s, %s) is not as expected:\n\t(GOT) %v\n\t(WNT) %v", c.a, c.b, got, c.want)
		}
	}
}
