package source

import (
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/target"
)

// A VersionID identifies a concrete package version: a semantic version
// paired with the target kind it was built for. Two entries with the same
// semver but different targets are distinct.
type VersionID struct {
	version string
	target  target.Kind
}

// NewVersionID pairs a parsed semantic version with a target kind.
func NewVersionID(v *semver.Version, t target.Kind) VersionID {
	return VersionID{version: v.String(), target: t}
}

// ParseVersionID parses the canonical "<semver> <target>" rendering used by
// index files and lockfiles.
func ParseVersionID(s string) (VersionID, error) {
	ver, tgt, ok := strings.Cut(s, " ")
	if !ok {
		return VersionID{}, errors.Errorf("version id %q is missing a target", s)
	}
	sv, err := semver.NewVersion(ver)
	if err != nil {
		return VersionID{}, errors.Wrapf(err, "invalid version in id %q", s)
	}
	tk, err := target.ParseKind(tgt)
	if err != nil {
		return VersionID{}, errors.Wrapf(err, "invalid target in id %q", s)
	}
	return VersionID{version: sv.String(), target: tk}, nil
}

// Version returns the semantic version component.
func (v VersionID) Version() *semver.Version {
	sv, err := semver.NewVersion(v.version)
	if err != nil {
		// The only constructors parse before storing.
		panic(err)
	}
	return sv
}

// VersionString returns the semver rendering without the target suffix.
func (v VersionID) VersionString() string { return v.version }

// Target returns the target kind component.
func (v VersionID) Target() target.Kind { return v.target }

// IsZero reports whether v is the zero VersionID.
func (v VersionID) IsZero() bool { return v.version == "" }

func (v VersionID) String() string {
	return v.version + " " + v.target.String()
}

// Less orders ids by semver precedence, breaking ties by the lexicographic
// order of the full rendering so that serialization is stable.
func (v VersionID) Less(other VersionID) bool {
	a, b := v.Version(), other.Version()
	if a.LessThan(b) {
		return true
	}
	if b.LessThan(a) {
		return false
	}
	return v.String() < other.String()
}

// MarshalText implements encoding.TextMarshaler.
func (v VersionID) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *VersionID) UnmarshalText(b []byte) error {
	id, err := ParseVersionID(string(b))
	if err != nil {
		return err
	}
	*v = id
	return nil
}
