// Package artifact reads and writes the on-disk model bundle: a directory
// of JSON artifacts plus a manifest of their hashes and sizes.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Well-known bundle file names.
const (
	ManifestFile   = "manifest.json"
	ScalerFile     = "scaler.json"
	ClassifierFile = "classifier.json"
	DetectorFile   = "anomaly.json"
)

var (
	// ErrNoManifest is returned when a bundle directory has no manifest.json.
	ErrNoManifest = errors.New("manifest not found")

	// ErrUnlisted is returned when a bundle file the loader reads is not
	// covered by the manifest.
	ErrUnlisted = errors.New("file not listed in manifest")
)

// Manifest describes a bundle.
type Manifest struct {
	Version       string `json:"version"`
	SchemaVersion string `json:"schema_version"`
	CreatedAt     string `json:"created_at"`
	Files         []File `json:"files"`
}

// File is one manifest entry.
type File struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Has reports whether the manifest lists path.
func (m *Manifest) Has(path string) bool {
	for _, f := range m.Files {
		if f.Path == path {
			return true
		}
	}
	return false
}

// Covers checks that every name is listed, so a verified manifest also
// vouches for those files.
func (m *Manifest) Covers(names ...string) error {
	for _, name := range names {
		if !m.Has(name) {
			return fmt.Errorf("%w: %s", ErrUnlisted, name)
		}
	}
	return nil
}

// Exists reports whether the bundle file name is present in dir.
func Exists(dir, name string) bool {
	local, err := resolvePath(dir, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(local)
	return err == nil
}

// ReadManifest decodes manifest.json from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Verify reads the manifest in dir and checks the size and sha256 of
// every listed file.
func Verify(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range m.Files {
		if err := verifyFile(dir, f); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func verifyFile(dir string, f File) error {
	local, err := resolvePath(dir, f.Path)
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", f.Path, err)
	}
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Path, err)
	}
	if f.Size > 0 && info.Size() != f.Size {
		return fmt.Errorf("size mismatch for %s: expected %d got %d", f.Path, f.Size, info.Size())
	}
	sum, err := hashFile(local)
	if err != nil {
		return fmt.Errorf("hash %s: %w", f.Path, err)
	}
	if f.SHA256 != "" && !strings.EqualFold(sum, f.SHA256) {
		return fmt.Errorf("sha256 mismatch for %s: expected %s got %s", f.Path, f.SHA256, sum)
	}
	return nil
}

// ReadJSON decodes the bundle file name into v.
func ReadJSON(dir, name string, v any) error {
	local, err := resolvePath(dir, name)
	if err != nil {
		return fmt.Errorf("resolve path %s: %w", name, err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Write encodes every artifact into dir and writes a manifest covering
// them. Each file is written to a temporary name and renamed into place;
// the manifest is written last.
func Write(dir, version, schemaVersion string, artifacts map[string]any) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manifest{
		Version:       version,
		SchemaVersion: schemaVersion,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	for _, name := range names {
		data, err := json.MarshalIndent(artifacts[name], "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		m.Files = append(m.Files, File{
			Path:   name,
			SHA256: hex.EncodeToString(sum[:]),
			Size:   int64(len(data)),
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, ManifestFile), data); err != nil {
		return nil, err
	}
	return m, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// resolvePath joins rel onto dir and rejects paths that escape it.
func resolvePath(dir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	base := filepath.Clean(dir)
	full := filepath.Join(base, filepath.FromSlash(rel))
	r, err := filepath.Rel(base, full)
	if err != nil {
		return "", err
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes bundle directory")
	}
	return full, nil
}
