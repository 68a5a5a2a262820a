package source

import (
	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/target"
)

// A PesdePackageRef pins a package resolved from a first-party index: its
// identity plus enough metadata to download it without consulting the index
// again.
type PesdePackageRef struct {
	Name         names.PackageName          `toml:"name"`
	Version      VersionID                  `toml:"version"`
	Index        string                     `toml:"index_url"`
	Dependencies map[string]DependencyEntry `toml:"dependencies,omitempty"`
	Target       target.Target              `toml:"target"`
}

// A WallyPackageRef pins a package resolved from a wally-compat index.
// Wally packages predate the container layout, so the linker falls back to
// the old relative structure for them.
type WallyPackageRef struct {
	Name         names.PackageName          `toml:"wally"`
	Version      VersionID                  `toml:"version"`
	Index        string                     `toml:"index_url"`
	Dependencies map[string]DependencyEntry `toml:"dependencies,omitempty"`
}

// PackageRefs is the tagged union over package reference kinds. Exactly one
// field is non-nil.
type PackageRefs struct {
	Pesde *PesdePackageRef `toml:"pesde,omitempty"`
	Wally *WallyPackageRef `toml:"wally,omitempty"`
}

// Source returns the package source the ref downloads from.
func (r PackageRefs) Source() PackageSource {
	switch {
	case r.Pesde != nil:
		return PackageSource{Kind: KindPesde, Repo: r.Pesde.Index}
	case r.Wally != nil:
		return PackageSource{Kind: KindWally, Repo: r.Wally.Index}
	}
	return PackageSource{}
}

// Dependencies returns the transitive dependency declarations carried by
// the ref, keyed by the alias the package declared them under.
func (r PackageRefs) Dependencies() map[string]DependencyEntry {
	switch {
	case r.Pesde != nil:
		return r.Pesde.Dependencies
	case r.Wally != nil:
		return r.Wally.Dependencies
	}
	return nil
}

// TargetKind returns the target kind of the pinned version.
func (r PackageRefs) TargetKind() target.Kind {
	switch {
	case r.Pesde != nil:
		return r.Pesde.Version.Target()
	case r.Wally != nil:
		return r.Wally.Version.Target()
	}
	return target.Luau
}

// UseNewStructure reports whether the linker should compute paths through
// the packages folder rather than the legacy ".." fallback.
func (r PackageRefs) UseNewStructure() bool {
	return r.Wally == nil
}

// LikeWally reports whether the ref came from a wally-compat source.
func (r PackageRefs) LikeWally() bool {
	return r.Wally != nil
}
