// Package manifest reads and writes the per-directory agent identity file
// at <dir>/.dork/agent.json.
package manifest

import (
	"fmt"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

// Dir and file names of the on-disk manifest.
const (
	DorkDirName      = ".dork"
	ManifestFileName = "agent.json"

	MaxPersonaChars = 4000
)

// Runtime identifies the agent runtime driving a directory.
type Runtime string

const (
	RuntimeClaudeCode Runtime = "claude-code"
	RuntimeCursor     Runtime = "cursor"
	RuntimeGeneric    Runtime = "generic"
)

// AgentManifest is the identity record of one registered directory.
// The id is immutable after creation; directory is the registry key.
type AgentManifest struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Directory      string    `json:"directory"`
	Runtime        Runtime   `json:"runtime"`
	Description    string    `json:"description,omitempty"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	Color          string    `json:"color,omitempty"`
	Icon           string    `json:"icon,omitempty"`
	Persona        string    `json:"persona,omitempty"`
	PersonaEnabled *bool     `json:"personaEnabled,omitempty"` // nil = true
	RegisteredAt   time.Time `json:"registeredAt"`
	RegisteredBy   string    `json:"registeredBy,omitempty"`
}

// PersonaActive reports whether the persona should be injected into prompts.
func (m *AgentManifest) PersonaActive() bool {
	return m.PersonaEnabled == nil || *m.PersonaEnabled
}

// HasCapability reports whether the manifest declares the capability.
func (m *AgentManifest) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Validate checks schema constraints. Unknown runtimes are tolerated for
// forward compatibility; structural fields are not.
func (m *AgentManifest) Validate() error {
	if m.ID == "" {
		return dorkerr.New(dorkerr.CodeInvalidManifest, "manifest missing id")
	}
	if m.Name == "" {
		return dorkerr.New(dorkerr.CodeInvalidManifest, "manifest missing name")
	}
	if m.Directory == "" {
		return dorkerr.New(dorkerr.CodeInvalidManifest, "manifest missing directory")
	}
	if m.Runtime == "" {
		return dorkerr.New(dorkerr.CodeInvalidManifest, "manifest missing runtime")
	}
	if len(m.Persona) > MaxPersonaChars {
		return dorkerr.New(dorkerr.CodeInvalidManifest,
			fmt.Sprintf("persona exceeds %d chars", MaxPersonaChars))
	}
	return nil
}

// DeniedAgent records a directory blocked from registration.
type DeniedAgent struct {
	Directory string    `json:"directory"`
	Reason    string    `json:"reason,omitempty"`
	DeniedBy  string    `json:"deniedBy,omitempty"`
	DeniedAt  time.Time `json:"deniedAt"`
}
