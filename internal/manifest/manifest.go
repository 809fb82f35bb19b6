package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrManifestUnreachable wraps transport failures. Recoverable; the
	// caller may retry the whole check.
	ErrManifestUnreachable = errors.New("update manifest unreachable")

	// ErrManifestInvalid marks a schema or parse failure. Not retryable;
	// surfaced to the operator.
	ErrManifestInvalid = errors.New("update manifest invalid")
)

// DownloadMethod tells the download manager whether the artifact URL is
// served by the update service ("api", session headers required) or by
// external object storage ("direct", session headers must not be attached).
type DownloadMethod string

const (
	MethodAPI    DownloadMethod = "api"
	MethodDirect DownloadMethod = "direct"
)

// Package describes one downloadable artifact variant.
type Package struct {
	URL            string         `json:"url"`
	Hash           string         `json:"hash"`
	Size           int64          `json:"size"`
	DownloadMethod DownloadMethod `json:"download_method"`
}

// Packages groups the variants a release offers. Incremental may be absent.
type Packages struct {
	Full        *Package `json:"full"`
	Incremental *Package `json:"incremental"`
}

// Manifest is the remote release descriptor. Immutable once fetched and not
// persisted beyond the current check.
type Manifest struct {
	Version  string    `json:"version"`
	Notes    string    `json:"notes"`
	PubDate  time.Time `json:"pub_date"`
	Packages Packages  `json:"packages"`
}

// Parse decodes and validates raw manifest JSON.
func Parse(raw []byte) (*Manifest, error) {
	if err := validateRaw(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return &m, nil
}
