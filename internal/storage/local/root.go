// Package local manages the on-disk data root: content-addressed files,
// per-item article HTML and temporary downloads.
package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Subdirectories created under the data root.
const (
	FilesDir = "files"
	HTMLDir  = "html"
	TmpDir   = "tmp"
)

// ErrOutsideRoot is returned when a stored path resolves outside the data root.
var ErrOutsideRoot = errors.New("path is outside the data root")

// Config captures the parameters for the local data root.
type Config struct {
	// BaseDir is the root directory where archived bytes are stored.
	BaseDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// Root is a validated, writable data directory.
type Root struct {
	base string
}

// New validates the data root, creating it and its subdirectories when missing.
func New(cfg Config) (*Root, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(abs, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Containment checks compare real paths.
	if real, evalErr := filepath.EvalSymlinks(abs); evalErr == nil {
		abs = real
	}

	for _, dir := range []string{FilesDir, HTMLDir, TmpDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	testFile := filepath.Join(abs, TmpDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Root{base: abs}, nil
}

// Base returns the absolute data root.
func (r *Root) Base() string {
	return r.base
}

// Abs joins a root-relative path onto the data root.
func (r *Root) Abs(rel string) string {
	return filepath.Join(r.base, filepath.FromSlash(rel))
}

// CreateTemp creates a new exclusive file under tmp/.
func (r *Root) CreateTemp(name string) (*os.File, error) {
	path := filepath.Join(r.base, TmpDir, filepath.Base(name))
	// #nosec G304 -- name is reduced to its base and placed under the data root.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// Finalize moves tmpPath to rel unless a file already exists there, in which
// case tmpPath is discarded and existed is true.
func (r *Root) Finalize(tmpPath, rel string) (existed bool, err error) {
	final := r.Abs(rel)
	if _, statErr := os.Stat(final); statErr == nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return true, fmt.Errorf("discard duplicate temp file: %w", rmErr)
		}
		return true, nil
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return false, fmt.Errorf("stat final path: %w", statErr)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return false, fmt.Errorf("rename into place: %w", err)
	}
	return false, nil
}

// WriteAtomic replaces rel with data using a temp file and rename.
func (r *Root) WriteAtomic(rel string, data io.Reader) error {
	final := r.Abs(rel)
	tmp, err := os.CreateTemp(filepath.Join(r.base, TmpDir), filepath.Base(final)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Resolve maps a stored asset path (relative or absolute) to an absolute
// path and verifies it lies within the data root after following symlinks.
func (r *Root) Resolve(stored string) (string, error) {
	if strings.TrimSpace(stored) == "" {
		return "", ErrOutsideRoot
	}
	p := filepath.FromSlash(stored)
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.base, p)
	}
	p = filepath.Clean(p)
	if real, err := filepath.EvalSymlinks(p); err == nil {
		p = real
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !r.Contains(p) {
		return "", ErrOutsideRoot
	}
	return p, nil
}

// Contains reports whether the absolute path p is strictly inside the data root.
func (r *Root) Contains(p string) bool {
	rel, err := filepath.Rel(r.base, filepath.Clean(p))
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
