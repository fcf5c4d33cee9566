package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ManifestFile points at the most recently published model.
	ManifestFile = "latest.json"
	// MarkerFile identifies a directory as a saved model.
	MarkerFile = "model.json"
)

var ErrNotFound = errors.New("no trained model found")

// Manifest is the content of latest.json.
type Manifest struct {
	Path    string    `json:"path"`
	SavedAt time.Time `json:"saved_at"`
}

// IsModelDir reports whether dir holds a saved model.
func IsModelDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MarkerFile))
	return err == nil && !info.IsDir()
}

// Latest walks dir and returns the model directory with the newest
// modification time. Enumeration order does not matter; on equal mtimes the
// lexicographically greater path wins. Hidden directories below dir hold
// unfinished saves and are never considered.
func Latest(dir string) (string, error) {
	var (
		best     string
		bestTime time.Time
	)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if !IsModelDir(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mod := info.ModTime()
		if best == "" || mod.After(bestTime) || (mod.Equal(bestTime) && path > best) {
			best, bestTime = path, mod
		}
		return filepath.SkipDir
	})
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	if best == "" {
		return "", fmt.Errorf("%w in %s", ErrNotFound, dir)
	}
	return best, nil
}

// Publish records path as the latest model. The manifest is replaced
// atomically so readers never see a partial file.
func Publish(dir, path string, savedAt time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create models directory: %w", err)
	}
	data, err := json.MarshalIndent(Manifest{Path: path, SavedAt: savedAt.UTC()}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".latest-*")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ManifestFile))
}

// ReadManifest loads latest.json from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Path == "" {
		return nil, errors.New("manifest has no path")
	}
	return &m, nil
}

// Resolve returns the published model when the manifest is present and
// points at a model directory, and falls back to Latest otherwise.
func Resolve(dir string) (string, error) {
	if m, err := ReadManifest(dir); err == nil && IsModelDir(m.Path) {
		return m.Path, nil
	}
	return Latest(dir)
}
