// Package adapter hosts the pluggable consumers that bind relay subjects to
// concrete transports. The built-in agent adapter turns envelopes into LLM
// session work; additional adapter types register through the Manager.
package adapter

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

// Status is the externally visible state of one adapter.
type Status struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	Running          bool     `json:"running"`
	ActiveDeliveries int      `json:"activeDeliveries"`
	Subjects         []string `json:"subjects,omitempty"`
}

// Adapter is a lifecycle-managed relay consumer.
type Adapter interface {
	ID() string
	Type() string
	Start(ctx context.Context) error
	Stop() error
	Status() Status
}

// Factory builds an adapter of one type from its raw config.
type Factory func(id string, cfg json.RawMessage) (Adapter, error)

// Manager owns the adapter set. Built-in adapters are installed at startup
// and cannot be removed through the API.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
	builtin   map[string]bool
	running   map[string]bool
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
		builtin:   make(map[string]bool),
		running:   make(map[string]bool),
	}
}

// RegisterFactory makes an adapter type instantiable through Add.
func (m *Manager) RegisterFactory(adapterType string, f Factory) {
	m.mu.Lock()
	m.factories[adapterType] = f
	m.mu.Unlock()
}

// StartBuiltin installs and starts a built-in adapter.
func (m *Manager) StartBuiltin(ctx context.Context, a Adapter) error {
	m.mu.Lock()
	if _, exists := m.adapters[a.ID()]; exists {
		m.mu.Unlock()
		return dorkerr.Newf(dorkerr.CodeDuplicateID, "adapter %s already exists", a.ID())
	}
	m.adapters[a.ID()] = a
	m.builtin[a.ID()] = true
	m.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.adapters, a.ID())
		delete(m.builtin, a.ID())
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.running[a.ID()] = true
	m.mu.Unlock()
	return nil
}

// Add instantiates and starts an adapter of a registered type.
func (m *Manager) Add(ctx context.Context, adapterType, id string, cfg json.RawMessage) (Adapter, error) {
	m.mu.Lock()
	factory, ok := m.factories[adapterType]
	if !ok {
		m.mu.Unlock()
		return nil, dorkerr.Newf(dorkerr.CodeUnknownAdapterType, "unknown adapter type %q", adapterType)
	}
	if _, exists := m.adapters[id]; exists {
		m.mu.Unlock()
		return nil, dorkerr.Newf(dorkerr.CodeDuplicateID, "adapter %s already exists", id)
	}
	m.mu.Unlock()

	a, err := factory(id, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.adapters[id]; exists {
		m.mu.Unlock()
		return nil, dorkerr.Newf(dorkerr.CodeDuplicateID, "adapter %s already exists", id)
	}
	m.adapters[id] = a
	m.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.adapters, id)
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Lock()
	m.running[id] = true
	m.mu.Unlock()
	return a, nil
}

// Remove stops and removes an adapter. Built-ins are protected.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	a, ok := m.adapters[id]
	if !ok {
		m.mu.Unlock()
		return dorkerr.Newf(dorkerr.CodeNotFound, "adapter %s not found", id)
	}
	if m.builtin[id] {
		m.mu.Unlock()
		return dorkerr.Newf(dorkerr.CodeRemoveBuiltinDenied, "adapter %s is built-in", id)
	}
	delete(m.adapters, id)
	delete(m.builtin, id)
	delete(m.running, id)
	m.mu.Unlock()
	return a.Stop()
}

// Get returns one adapter's status.
func (m *Manager) Get(id string) (Status, error) {
	m.mu.RLock()
	a, ok := m.adapters[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, dorkerr.Newf(dorkerr.CodeNotFound, "adapter %s not found", id)
	}
	return a.Status(), nil
}

// List returns the status of every adapter, sorted by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll stops every adapter. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.running = make(map[string]bool)
	m.mu.Unlock()
	for _, a := range adapters {
		a.Stop()
	}
}
