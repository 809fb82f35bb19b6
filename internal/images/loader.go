// Package images loads offline container image bundles for the host's CPU
// architecture and rewrites architecture-suffixed tags to the canonical tags
// the compose descriptor references.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNoMatchingImages means the images directory holds no bundle for the
// detected host architecture.
var ErrNoMatchingImages = errors.New("images: no bundles match host architecture")

// Runtime is the slice of the container runtime the loader needs.
type Runtime interface {
	LoadArchive(ctx context.Context, r io.Reader) ([]string, error)
	TagImage(ctx context.Context, source, target string) error
	ListImageRefs(ctx context.Context) ([]string, error)
}

// LoadedImage records the outcome for one bundle file.
type LoadedImage struct {
	Bundle    string // bundle file name
	Ref       string // reference as shipped, e.g. web:1.2.0-amd64
	Canonical string // reference after rewrite, e.g. web:1.2.0
	Skipped   bool   // already loaded and tagged
}

// Load scans dir for bundles named *-<arch>.tar or *-<arch>.tar.gz, loads
// each into the runtime and retags arch-suffixed references to their
// canonical form. Re-running against an already-loaded set is a no-op per
// image.
func Load(ctx context.Context, rt Runtime, dir string, arch Arch) ([]LoadedImage, error) {
	bundles, err := matchingBundles(dir, arch)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w: arch %s in %s", ErrNoMatchingImages, arch, dir)
	}

	existing, err := rt.ListImageRefs(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(existing))
	for _, r := range existing {
		present[r] = true
	}

	var out []LoadedImage
	for _, bundle := range bundles {
		loaded, err := loadBundle(ctx, rt, bundle, arch, present)
		if err != nil {
			return nil, fmt.Errorf("images: %s: %w", filepath.Base(bundle), err)
		}
		out = append(out, loaded...)
	}
	return out, nil
}

func loadBundle(ctx context.Context, rt Runtime, path string, arch Arch, present map[string]bool) ([]LoadedImage, error) {
	name := filepath.Base(path)

	shipped, err := bundleRepoTags(path)
	if err != nil {
		return nil, err
	}
	if len(shipped) > 0 && allPresent(shipped, arch, present) {
		log.Debug().Str("bundle", name).Msg("image bundle already loaded")
		out := make([]LoadedImage, 0, len(shipped))
		for _, ref := range shipped {
			canonical, _ := rewriteRef(ref, arch)
			out = append(out, LoadedImage{Bundle: name, Ref: ref, Canonical: canonical, Skipped: true})
		}
		return out, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	log.Info().Str("bundle", name).Msg("loading image bundle")
	refs, err := rt.LoadArchive(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]LoadedImage, 0, len(refs))
	for _, ref := range refs {
		canonical, suffixed := rewriteRef(ref, arch)
		if suffixed {
			if err := rt.TagImage(ctx, ref, canonical); err != nil {
				return nil, err
			}
			log.Info().Str("ref", ref).Str("canonical", canonical).Msg("retagged image")
		}
		present[ref] = true
		present[canonical] = true
		out = append(out, LoadedImage{Bundle: name, Ref: ref, Canonical: canonical})
	}
	return out, nil
}

func allPresent(refs []string, arch Arch, present map[string]bool) bool {
	for _, ref := range refs {
		canonical, _ := rewriteRef(ref, arch)
		if !present[ref] || !present[canonical] {
			return false
		}
	}
	return true
}

// matchingBundles returns dir entries named *-<arch>.tar or *-<arch>.tar.gz,
// sorted for deterministic load order.
func matchingBundles(dir string, arch Arch) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: images directory %s missing", ErrNoMatchingImages, dir)
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matchesArch(e.Name(), arch) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func matchesArch(name string, arch Arch) bool {
	suffix := "-" + string(arch)
	return strings.HasSuffix(name, suffix+".tar") || strings.HasSuffix(name, suffix+".tar.gz")
}

// rewriteRef strips the architecture suffix from a reference's tag. Returns
// the canonical reference and whether the input carried the suffix.
func rewriteRef(ref string, arch Arch) (string, bool) {
	idx := strings.LastIndex(ref, ":")
	// A colon inside the last path segment separates the tag; one earlier
	// belongs to a registry host:port.
	if idx < 0 || strings.Contains(ref[idx:], "/") {
		return ref, false
	}
	repo, tag := ref[:idx], ref[idx+1:]
	suffix := "-" + string(arch)
	if !strings.HasSuffix(tag, suffix) {
		return ref, false
	}
	return repo + ":" + strings.TrimSuffix(tag, suffix), true
}
