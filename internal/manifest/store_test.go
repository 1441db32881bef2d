package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

func testManifest(dir string) *AgentManifest {
	return &AgentManifest{
		ID:           "agent-1",
		Name:         "backend",
		Directory:    dir,
		Runtime:      RuntimeClaudeCode,
		Capabilities: []string{"code-review", "testing"},
		RegisteredAt: time.Now().UTC().Truncate(time.Millisecond),
		RegisteredBy: "tester",
	}
}

func TestReadMissingReturnsNil(t *testing.T) {
	s := NewStore()
	m, err := s.Read(t.TempDir())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if m != nil {
		t.Fatalf("m = %+v, want nil", m)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := NewStore()
	dir := t.TempDir()
	want := testManifest(dir)

	if err := s.Write(dir, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.Exists(dir) {
		t.Fatal("manifest file not created")
	}

	got, err := s.Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != want.ID || got.Name != want.Name || got.Runtime != want.Runtime {
		t.Fatalf("got %+v", got)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "code-review" {
		t.Fatalf("capabilities = %v", got.Capabilities)
	}
	if !got.RegisteredAt.Equal(want.RegisteredAt) {
		t.Fatalf("registeredAt = %v, want %v", got.RegisteredAt, want.RegisteredAt)
	}
}

func TestReadRejectsMalformedJSON(t *testing.T) {
	s := NewStore()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, DorkDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(dir), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.Read(dir)
	if dorkerr.CodeOf(err) != dorkerr.CodeInvalidManifest {
		t.Fatalf("err = %v, want INVALID_MANIFEST", err)
	}
}

func TestValidate(t *testing.T) {
	base := testManifest("/tmp/x")
	tests := []struct {
		name   string
		mutate func(*AgentManifest)
		ok     bool
	}{
		{"valid", func(*AgentManifest) {}, true},
		{"missing id", func(m *AgentManifest) { m.ID = "" }, false},
		{"missing name", func(m *AgentManifest) { m.Name = "" }, false},
		{"missing directory", func(m *AgentManifest) { m.Directory = "" }, false},
		{"missing runtime", func(m *AgentManifest) { m.Runtime = "" }, false},
		{"unknown runtime tolerated", func(m *AgentManifest) { m.Runtime = "future-agent" }, true},
		{"persona at limit", func(m *AgentManifest) { m.Persona = strings.Repeat("a", MaxPersonaChars) }, true},
		{"persona over limit", func(m *AgentManifest) { m.Persona = strings.Repeat("a", MaxPersonaChars+1) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := *base
			tt.mutate(&m)
			err := m.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && dorkerr.CodeOf(err) != dorkerr.CodeInvalidManifest {
				t.Fatalf("code = %s", dorkerr.CodeOf(err))
			}
		})
	}
}

func TestCanonicalDir(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	canonReal, err := CanonicalDir(real)
	if err != nil {
		t.Fatalf("canonical real: %v", err)
	}
	canonLink, err := CanonicalDir(link)
	if err != nil {
		t.Fatalf("canonical link: %v", err)
	}
	if canonReal != canonLink {
		t.Fatalf("%q != %q", canonReal, canonLink)
	}

	withSlash, err := CanonicalDir(real + string(filepath.Separator))
	if err != nil {
		t.Fatalf("canonical trailing slash: %v", err)
	}
	if withSlash != canonReal {
		t.Fatalf("trailing slash changed key: %q vs %q", withSlash, canonReal)
	}

	// Nonexistent paths still canonicalize for deny-before-create.
	missing, err := CanonicalDir(filepath.Join(dir, "not-yet"))
	if err != nil {
		t.Fatalf("canonical missing: %v", err)
	}
	if !filepath.IsAbs(missing) {
		t.Fatalf("missing path not absolute: %q", missing)
	}
}

func TestPersonaActive(t *testing.T) {
	m := testManifest("/tmp/x")
	if !m.PersonaActive() {
		t.Fatal("nil personaEnabled should default to active")
	}
	off := false
	m.PersonaEnabled = &off
	if m.PersonaActive() {
		t.Fatal("disabled persona reported active")
	}
	on := true
	m.PersonaEnabled = &on
	if !m.PersonaActive() {
		t.Fatal("enabled persona reported inactive")
	}
}

func TestRemoveCleansEmptyDorkDir(t *testing.T) {
	s := NewStore()
	dir := t.TempDir()
	if err := s.Write(dir, testManifest(dir)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Remove(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DorkDirName)); !os.IsNotExist(err) {
		t.Fatalf(".dork still present: %v", err)
	}
	// Removing again is a no-op.
	if err := s.Remove(dir); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestHasCapability(t *testing.T) {
	m := testManifest("/tmp/x")
	if !m.HasCapability("testing") {
		t.Fatal("missing declared capability")
	}
	if m.HasCapability("deploy") {
		t.Fatal("phantom capability")
	}
}
