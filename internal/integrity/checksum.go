// Package integrity verifies downloaded invoice artifacts before they are
// allowed to propagate to the upload flow.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// Checksum streams the file at path and returns its SHA-256 hex digest.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", eris.Errorf("integrity: file not found: %s", path)
		}
		return "", eris.Wrapf(err, "integrity: open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "integrity: read %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the digest of path and compares it with expected. A
// mismatch means the download is truncated or corrupted and must not be
// uploaded.
func Verify(path, expected string) (bool, error) {
	actual, err := Checksum(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
