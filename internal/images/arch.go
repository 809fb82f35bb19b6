package images

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupportedArch means the host CPU has no published image bundles.
var ErrUnsupportedArch = errors.New("images: unsupported host architecture")

// Arch is the closed set of CPU architectures image bundles are published
// for. There is no safe substitution between them, so anything else is a
// hard error rather than a guess.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// HostArch maps the Go runtime's architecture label to the bundle label.
func HostArch() (Arch, error) {
	return archFromGOARCH(runtime.GOARCH)
}

func archFromGOARCH(goarch string) (Arch, error) {
	switch goarch {
	case "amd64":
		return ArchAMD64, nil
	case "arm64":
		return ArchARM64, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedArch, goarch)
}
