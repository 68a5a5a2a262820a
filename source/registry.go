// Package source implements the package sources the resolver and downloader
// draw from: the first-party git-backed index and a wally-compat source.
// The set of kinds is closed; operations dispatch over the tag once and
// fail with ErrMismatch when a specifier or ref is paired with the wrong
// source kind.
package source

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/target"
)

// SourceKind tags a package source variant.
type SourceKind uint8

const (
	// KindPesde is the first-party git-backed index.
	KindPesde SourceKind = iota
	// KindWally is the wally-compat index.
	KindWally
)

func (k SourceKind) String() string {
	switch k {
	case KindPesde:
		return "pesde"
	case KindWally:
		return "wally"
	}
	return "unknown"
}

// A PackageSource identifies one source: its kind plus the index repository
// URL. The struct is comparable so callers can deduplicate refresh work in
// a plain set.
type PackageSource struct {
	Kind SourceKind
	Repo string
}

// ErrMismatch is returned when a specifier or package ref is dispatched
// against a source of a different kind.
var ErrMismatch = errors.New("mismatched specifier or package ref for source")

// ResolveResult is a source's answer for one specifier: the resolved name
// and every candidate version the source offers for it.
type ResolveResult struct {
	Name     names.PackageName
	Versions map[VersionID]PackageRefs
}

// Refresh brings the local state of the source fully up to date. It is
// idempotent and safe to call multiple times per run; callers deduplicate
// with a per-run set of already-refreshed sources.
func (s PackageSource) Refresh(ctx context.Context, env *Env) error {
	switch s.Kind {
	case KindPesde:
		return pesdeSource{s.Repo}.refresh(ctx, env)
	case KindWally:
		return wallySource{s.Repo}.refresh(ctx, env)
	}
	return errors.Errorf("unknown source kind %d", s.Kind)
}

// Resolve maps a specifier to the set of candidate versions the source
// offers, filtered to targets compatible with projectTarget.
func (s PackageSource) Resolve(ctx context.Context, spec DependencySpecifiers, projectTarget target.Kind, env *Env) (ResolveResult, error) {
	switch {
	case s.Kind == KindPesde && spec.Pesde != nil:
		return pesdeSource{s.Repo}.resolve(ctx, *spec.Pesde, projectTarget, env)
	case s.Kind == KindWally && spec.Wally != nil:
		return wallySource{s.Repo}.resolve(ctx, *spec.Wally, projectTarget, env)
	}
	return ResolveResult{}, errors.Wrapf(ErrMismatch, "%s specifier against %s source", spec.Kind(), s.Kind)
}

// Download fetches the artifact a ref pins, stores its contents through the
// content-addressed store, and returns the resulting virtual tree together
// with the package's target descriptor.
func (s PackageSource) Download(ctx context.Context, ref PackageRefs, env *Env) (*PackageFS, target.Target, error) {
	switch {
	case s.Kind == KindPesde && ref.Pesde != nil:
		return pesdeSource{s.Repo}.download(ctx, *ref.Pesde, env)
	case s.Kind == KindWally && ref.Wally != nil:
		return wallySource{s.Repo}.download(ctx, *ref.Wally, env)
	}
	return nil, target.Target{}, errors.Wrapf(ErrMismatch, "ref against %s source", s.Kind)
}
