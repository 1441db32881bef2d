// Package mesh is the agent registry: discovery, registration, denial, and
// identity resolution for directories carrying a .dork/agent.json manifest.
package mesh

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/manifest"
)

// Registry owns manifests. All lookups go through an in-memory cache that is
// invalidated by an fsnotify watcher and re-verified against the filesystem
// on every List, so callers never see a manifest whose file is gone.
type Registry struct {
	store    *manifest.Store
	deny     *DenyStore
	boundary string

	mu    sync.RWMutex
	byDir map[string]*manifest.AgentManifest
	sf    singleflight.Group // dedupes concurrent rereads of one manifest

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Options configures a Registry.
type Options struct {
	Boundary  string   // safety root; registrations outside it are rejected
	ScanRoots []string // walked at startup to restore prior registrations
	MaxDepth  int      // discovery walk depth
}

// NewRegistry creates a registry. Call Close when done to stop the watcher.
func NewRegistry(store *manifest.Store, deny *DenyStore, opts Options) (*Registry, error) {
	boundary, err := manifest.CanonicalDir(opts.Boundary)
	if err != nil {
		return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid boundary %q: %v", opts.Boundary, err)
	}

	r := &Registry{
		store:    store,
		deny:     deny,
		boundary: boundary,
		byDir:    make(map[string]*manifest.AgentManifest),
		done:     make(chan struct{}),
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		r.watcher = w
		go r.watchLoop()
	} else {
		slog.Warn("mesh watcher unavailable, relying on stat checks", "error", err)
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	for _, root := range opts.ScanRoots {
		r.restoreFrom(root, maxDepth)
	}
	return r, nil
}

// Close stops the filesystem watcher.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// restoreFrom loads manifests already on disk under root into the cache.
func (r *Registry) restoreFrom(root string, maxDepth int) {
	candidates := walkForManifests(root, maxDepth)
	for _, dir := range candidates {
		m, err := r.store.Read(dir)
		if err != nil || m == nil {
			continue
		}
		r.cachePut(dir, m)
		slog.Debug("mesh restored agent", "id", m.ID, "dir", dir)
	}
}

func (r *Registry) cachePut(dir string, m *manifest.AgentManifest) {
	r.mu.Lock()
	r.byDir[dir] = m
	r.mu.Unlock()
	if r.watcher != nil {
		r.watcher.Add(filepath.Join(dir, manifest.DorkDirName))
	}
}

func (r *Registry) cacheDrop(dir string) {
	r.mu.Lock()
	delete(r.byDir, dir)
	r.mu.Unlock()
	if r.watcher != nil {
		r.watcher.Remove(filepath.Join(dir, manifest.DorkDirName))
	}
}

// watchLoop evicts cache entries whose manifest file changed on disk. The
// next lookup rereads the file.
func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != manifest.ManifestFileName {
				continue
			}
			dir := filepath.Dir(filepath.Dir(ev.Name))
			r.mu.Lock()
			delete(r.byDir, dir)
			r.mu.Unlock()
			slog.Debug("mesh cache invalidated", "dir", dir, "op", ev.Op.String())
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("mesh watcher error", "error", err)
		}
	}
}

// ListFilter narrows List results.
type ListFilter struct {
	Runtime    manifest.Runtime
	Capability string
}

// List returns all currently registered manifests. Entries whose on-disk
// file has been removed are dropped before returning.
func (r *Registry) List(f ListFilter) []*manifest.AgentManifest {
	r.mu.RLock()
	dirs := make([]string, 0, len(r.byDir))
	for dir := range r.byDir {
		dirs = append(dirs, dir)
	}
	r.mu.RUnlock()

	var out []*manifest.AgentManifest
	for _, dir := range dirs {
		m := r.lookup(dir)
		if m == nil {
			continue
		}
		if f.Runtime != "" && m.Runtime != f.Runtime {
			continue
		}
		if f.Capability != "" && !m.HasCapability(f.Capability) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// lookup returns the cached manifest for dir after verifying the file still
// exists, rereading it on a cache miss.
func (r *Registry) lookup(dir string) *manifest.AgentManifest {
	if !r.store.Exists(dir) {
		r.cacheDrop(dir)
		return nil
	}
	r.mu.RLock()
	m := r.byDir[dir]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	v, _, _ := r.sf.Do(dir, func() (any, error) {
		m, err := r.store.Read(dir)
		if err != nil || m == nil {
			return (*manifest.AgentManifest)(nil), nil
		}
		r.cachePut(dir, m)
		return m, nil
	})
	m, _ = v.(*manifest.AgentManifest)
	return m
}

// Resolve batch-looks-up manifests by directory path. Unknown or unreadable
// paths map to nil.
func (r *Registry) Resolve(paths []string) map[string]*manifest.AgentManifest {
	out := make(map[string]*manifest.AgentManifest, len(paths))
	for _, p := range paths {
		dir, err := manifest.CanonicalDir(p)
		if err != nil {
			out[p] = nil
			continue
		}
		m := r.lookup(dir)
		if m == nil {
			// Not registered through this process; check disk directly.
			if onDisk, err := r.store.Read(dir); err == nil && onDisk != nil {
				r.cachePut(dir, onDisk)
				m = onDisk
			}
		}
		out[p] = m
	}
	return out
}

// Get returns the manifest with the given id, or nil.
func (r *Registry) Get(id string) *manifest.AgentManifest {
	r.mu.RLock()
	var dir string
	for d, m := range r.byDir {
		if m.ID == id {
			dir = d
			break
		}
	}
	r.mu.RUnlock()
	if dir == "" {
		return nil
	}
	return r.lookup(dir)
}

// DirectoryFor resolves an agent id to its directory. Satisfies the agent
// adapter's resolver port.
func (r *Registry) DirectoryFor(agentID string) (string, bool) {
	m := r.Get(agentID)
	if m == nil {
		return "", false
	}
	return m.Directory, true
}

// RegisterOverrides are optional fields merged into a fresh manifest.
type RegisterOverrides struct {
	Name           string           `json:"name,omitempty"`
	Runtime        manifest.Runtime `json:"runtime,omitempty"`
	Description    string           `json:"description,omitempty"`
	Capabilities   []string         `json:"capabilities,omitempty"`
	Color          string           `json:"color,omitempty"`
	Icon           string           `json:"icon,omitempty"`
	Persona        string           `json:"persona,omitempty"`
	PersonaEnabled *bool            `json:"personaEnabled,omitempty"`
}

// Register creates the manifest for path and returns it.
func (r *Registry) Register(path string, overrides RegisterOverrides, approver string) (*manifest.AgentManifest, error) {
	dir, err := manifest.CanonicalDir(path)
	if err != nil {
		return nil, err
	}
	if !r.withinBoundary(dir) {
		return nil, dorkerr.Newf(dorkerr.CodeOutOfBoundary, "%s escapes boundary %s", dir, r.boundary)
	}
	if denied, err := r.deny.IsDenied(dir); err != nil {
		return nil, err
	} else if denied {
		return nil, dorkerr.Newf(dorkerr.CodeDenied, "%s is on the deny-list", dir)
	}
	if existing, err := r.store.Read(dir); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, dorkerr.Newf(dorkerr.CodeAlreadyRegistered, "agent already registered at %s", dir)
	}

	m := &manifest.AgentManifest{
		ID:           uuid.NewString(),
		Name:         filepath.Base(dir),
		Directory:    dir,
		Runtime:      inferRuntime(dir),
		RegisteredAt: time.Now().UTC(),
		RegisteredBy: approver,
	}
	applyOverrides(m, overrides)

	if err := r.store.Write(dir, m); err != nil {
		return nil, err
	}
	r.cachePut(dir, m)
	slog.Info("mesh agent registered", "id", m.ID, "name", m.Name, "dir", dir)
	return m, nil
}

func applyOverrides(m *manifest.AgentManifest, o RegisterOverrides) {
	if o.Name != "" {
		m.Name = o.Name
	}
	if o.Runtime != "" {
		m.Runtime = o.Runtime
	}
	if o.Description != "" {
		m.Description = o.Description
	}
	if o.Capabilities != nil {
		m.Capabilities = o.Capabilities
	}
	if o.Color != "" {
		m.Color = o.Color
	}
	if o.Icon != "" {
		m.Icon = o.Icon
	}
	if o.Persona != "" {
		m.Persona = o.Persona
	}
	if o.PersonaEnabled != nil {
		m.PersonaEnabled = o.PersonaEnabled
	}
}

// Unregister removes the manifest for the agent with the given id.
func (r *Registry) Unregister(id string) error {
	m := r.Get(id)
	if m == nil {
		return dorkerr.Newf(dorkerr.CodeNotFound, "agent %s not found", id)
	}
	if err := r.store.Remove(m.Directory); err != nil {
		return err
	}
	r.cacheDrop(m.Directory)
	slog.Info("mesh agent unregistered", "id", id, "dir", m.Directory)
	return nil
}

// Update applies a partial update. id and directory are immutable; a patch
// naming either is rejected.
func (r *Registry) Update(id string, patch map[string]json.RawMessage) (*manifest.AgentManifest, error) {
	m := r.Get(id)
	if m == nil {
		return nil, dorkerr.Newf(dorkerr.CodeNotFound, "agent %s not found", id)
	}

	updated := *m
	for key, raw := range patch {
		var err error
		switch key {
		case "id", "directory", "registeredAt", "registeredBy":
			return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "field %q is immutable", key)
		case "name":
			err = json.Unmarshal(raw, &updated.Name)
		case "runtime":
			err = json.Unmarshal(raw, &updated.Runtime)
		case "description":
			err = json.Unmarshal(raw, &updated.Description)
		case "capabilities":
			err = json.Unmarshal(raw, &updated.Capabilities)
		case "color":
			err = json.Unmarshal(raw, &updated.Color)
		case "icon":
			err = json.Unmarshal(raw, &updated.Icon)
		case "persona":
			err = json.Unmarshal(raw, &updated.Persona)
		case "personaEnabled":
			err = json.Unmarshal(raw, &updated.PersonaEnabled)
		default:
			return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "unknown field %q", key)
		}
		if err != nil {
			return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "field %q: %v", key, err)
		}
	}

	if err := r.store.Write(updated.Directory, &updated); err != nil {
		return nil, err
	}
	r.cachePut(updated.Directory, &updated)
	return &updated, nil
}

// Deny blocks a directory from registration.
func (r *Registry) Deny(path, reason, denier string) error {
	dir, err := manifest.CanonicalDir(path)
	if err != nil {
		return err
	}
	return r.deny.Deny(dir, reason, denier)
}

// Allow removes a directory from the deny-list.
func (r *Registry) Allow(path string) error {
	dir, err := manifest.CanonicalDir(path)
	if err != nil {
		return err
	}
	return r.deny.Allow(dir)
}

// ListDenied returns the deny-list.
func (r *Registry) ListDenied() ([]manifest.DeniedAgent, error) {
	return r.deny.List()
}

func (r *Registry) withinBoundary(dir string) bool {
	rel, err := filepath.Rel(r.boundary, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
