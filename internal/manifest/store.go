package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

// Store is the pure I/O layer for manifest files. It has no cache; the mesh
// registry layers currency guarantees on top.
type Store struct{}

// NewStore creates a manifest store.
func NewStore() *Store { return &Store{} }

// CanonicalDir resolves symlinks and strips trailing slashes so equal
// directories always compare equal as registry keys.
func CanonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("canonicalize %s: %w", dir, err))
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Path may not exist yet (deny-before-create); fall back to the
			// cleaned absolute form.
			return strings.TrimRight(abs, string(filepath.Separator)), nil
		}
		return "", dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("canonicalize %s: %w", dir, err))
	}
	return strings.TrimRight(resolved, string(filepath.Separator)), nil
}

// Path returns the manifest file path for a directory.
func (s *Store) Path(dir string) string {
	return filepath.Join(dir, DorkDirName, ManifestFileName)
}

// Read returns the manifest for dir, or (nil, nil) when none exists.
func (s *Store) Read(dir string) (*AgentManifest, error) {
	dir, err := CanonicalDir(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("read manifest: %w", err))
	}

	var m AgentManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeInvalidManifest, fmt.Errorf("parse manifest at %s: %w", dir, err))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Write atomically rewrites the manifest for dir, creating .dork on demand.
func (s *Store) Write(dir string, m *AgentManifest) error {
	dir, err := CanonicalDir(dir)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}

	dorkDir := filepath.Join(dir, DorkDirName)
	if err := os.MkdirAll(dorkDir, 0o755); err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("create %s: %w", dorkDir, err))
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("encode manifest: %w", err))
	}
	data = append(data, '\n')

	// Temp file + rename so readers never observe a partial manifest.
	tmp, err := os.CreateTemp(dorkDir, "agent-*.json.tmp")
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("create temp manifest: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("write manifest: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("close manifest: %w", err))
	}
	if err := os.Rename(tmpName, s.Path(dir)); err != nil {
		os.Remove(tmpName)
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("rename manifest: %w", err))
	}
	return nil
}

// Remove deletes the manifest file, and the .dork directory when it is the
// last entry. Missing files are not an error.
func (s *Store) Remove(dir string) error {
	dir, err := CanonicalDir(dir)
	if err != nil {
		return err
	}
	if err := os.Remove(s.Path(dir)); err != nil && !os.IsNotExist(err) {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("remove manifest: %w", err))
	}

	dorkDir := filepath.Join(dir, DorkDirName)
	entries, err := os.ReadDir(dorkDir)
	if err == nil && len(entries) == 0 {
		os.Remove(dorkDir)
	}
	return nil
}

// Exists reports whether a manifest file is present for dir.
func (s *Store) Exists(dir string) bool {
	_, err := os.Stat(s.Path(dir))
	return err == nil
}
