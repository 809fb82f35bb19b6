package manifest

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// Variant names which package of a manifest was selected for download.
type Variant string

const (
	VariantFull        Variant = "full"
	VariantIncremental Variant = "incremental"
)

// Decision is the outcome of a version check.
type Decision struct {
	UpToDate bool
	Manifest *Manifest
	Variant  Variant
	Package  *Package
}

// Fetcher abstracts the manifest transport for testing.
type Fetcher interface {
	Fetch(ctx context.Context) (*Manifest, error)
}

// Resolver decides whether an update is needed and which variant to pull.
type Resolver struct {
	fetcher Fetcher

	// HasBaseline reports whether a prior full deployment exists locally.
	// Without a baseline an incremental delta is content-identical to full,
	// so the resolver always selects full on a clean install.
	HasBaseline func() bool
}

func NewResolver(fetcher Fetcher, hasBaseline func() bool) *Resolver {
	return &Resolver{fetcher: fetcher, HasBaseline: hasBaseline}
}

// Resolve fetches the manifest and compares its version to the persisted
// deployed version. currentVersion may be empty on a fresh install.
func (r *Resolver) Resolve(ctx context.Context, currentVersion string) (*Decision, error) {
	m, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	remote, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: bad version %q: %v", ErrManifestInvalid, m.Version, err)
	}

	if currentVersion != "" {
		current, err := semver.NewVersion(currentVersion)
		if err == nil && remote.Equal(current) {
			log.Debug().Str("current", currentVersion).Str("remote", m.Version).
				Msg("deployment up to date")
			return &Decision{UpToDate: true, Manifest: m}, nil
		}
		// Any inequality is an update, lower versions included: a manifest
		// published below the fleet's current version is a rollback order.
		// An unparsable local version means the store predates semver
		// tracking; treat any manifest as an update.
	}

	variant, pkg := r.selectVariant(m, currentVersion)
	if pkg == nil {
		return nil, fmt.Errorf("%w: no downloadable package offered", ErrManifestInvalid)
	}
	log.Info().Str("current", currentVersion).Str("remote", m.Version).
		Str("variant", string(variant)).Msg("update available")
	return &Decision{Manifest: m, Variant: variant, Package: pkg}, nil
}

func (r *Resolver) selectVariant(m *Manifest, currentVersion string) (Variant, *Package) {
	baseline := currentVersion != "" && r.HasBaseline != nil && r.HasBaseline()
	if baseline && m.Packages.Incremental != nil {
		return VariantIncremental, m.Packages.Incremental
	}
	if m.Packages.Full != nil {
		return VariantFull, m.Packages.Full
	}
	return VariantFull, nil
}
