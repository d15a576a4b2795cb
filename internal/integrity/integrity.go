// Package integrity checks received files against their .sha256 companion.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
)

// Suffix names the companion file holding a lowercase hex SHA-256 digest.
const Suffix = ".sha256"

// Result of a verification. A missing companion or a digest mismatch is a
// normal result with Valid false, not an error.
type Result struct {
	Path     string `json:"path"`
	Valid    bool   `json:"valid"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type Verifier struct {
	fs afero.Fs
}

func New() *Verifier { return &Verifier{fs: afero.NewOsFs()} }

func NewWithFs(fs afero.Fs) *Verifier { return &Verifier{fs: fs} }

// CompanionPath returns the digest file belonging to path.
func CompanionPath(path string) string { return path + Suffix }

// IsCompanion reports whether path is itself a digest file.
func IsCompanion(path string) bool { return strings.HasSuffix(path, Suffix) }

// Digest returns the lowercase hex SHA-256 of the file at path.
func (v *Verifier) Digest(path string) (string, error) {
	f, err := v.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the file with its companion digest. Only a missing or
// unreadable data file is an error.
func (v *Verifier) Verify(path string) (Result, error) {
	res := Result{Path: path}
	actual, err := v.Digest(path)
	if err != nil {
		return res, err
	}
	res.Actual = actual

	b, err := afero.ReadFile(v.fs, CompanionPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Reason = "no companion digest"
			return res, nil
		}
		return res, err
	}
	// accept "digest" as well as the sha256sum "digest  name" layout
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		res.Reason = "empty companion digest"
		return res, nil
	}
	res.Expected = strings.ToLower(fields[0])
	res.Valid = res.Expected == actual
	if !res.Valid {
		res.Reason = "digest mismatch"
	}
	return res, nil
}

// WriteCompanion computes the digest of path and stores it next to it.
func (v *Verifier) WriteCompanion(path string) (string, error) {
	d, err := v.Digest(path)
	if err != nil {
		return "", err
	}
	if err := afero.WriteFile(v.fs, CompanionPath(path), []byte(d), 0o644); err != nil {
		return "", err
	}
	return d, nil
}
