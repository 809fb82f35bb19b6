package download

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifySHA256 checks that the file's sha256 matches expected (hex,
// case-insensitive).
func VerifySHA256(path, expected string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	exp := strings.ToLower(strings.TrimSpace(expected))
	if got != exp {
		return fmt.Errorf("sha256 mismatch: got %s want %s", got, exp)
	}
	return nil
}

// HashFile returns the hex sha256 of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
