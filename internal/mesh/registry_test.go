package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dorklabs/dorkos/internal/db"
	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/manifest"
)

func newTestRegistry(t *testing.T, boundary string) *Registry {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	r, err := NewRegistry(manifest.NewStore(), NewDenyStore(conn), Options{Boundary: boundary})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		conn.Close()
	})
	return r
}

func mkProject(t *testing.T, boundary, name string) string {
	t.Helper()
	dir := filepath.Join(boundary, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRegisterAndGet(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)
	dir := mkProject(t, boundary, "backend")

	m, err := r.Register(dir, RegisterOverrides{
		Name:         "backend-agent",
		Runtime:      manifest.RuntimeClaudeCode,
		Capabilities: []string{"code-review"},
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if m.ID == "" || m.Name != "backend-agent" || m.Runtime != manifest.RuntimeClaudeCode {
		t.Fatalf("manifest = %+v", m)
	}
	if m.RegisteredBy != "tester" {
		t.Fatalf("registeredBy = %q", m.RegisteredBy)
	}

	got := r.Get(m.ID)
	if got == nil || got.ID != m.ID {
		t.Fatalf("get = %+v", got)
	}
	gotDir, ok := r.DirectoryFor(m.ID)
	if !ok || gotDir != m.Directory {
		t.Fatalf("DirectoryFor = %q, %v", gotDir, ok)
	}
	if _, ok := r.DirectoryFor("no-such-agent"); ok {
		t.Fatal("DirectoryFor resolved an unknown id")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)
	dir := mkProject(t, boundary, "proj")

	if _, err := r.Register(dir, RegisterOverrides{}, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Register(dir, RegisterOverrides{}, "")
	if dorkerr.CodeOf(err) != dorkerr.CodeAlreadyRegistered {
		t.Fatalf("err = %v, want ALREADY_REGISTERED", err)
	}
}

func TestRegisterRejectsOutsideBoundary(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)
	outside := t.TempDir()

	_, err := r.Register(outside, RegisterOverrides{}, "")
	if dorkerr.CodeOf(err) != dorkerr.CodeOutOfBoundary {
		t.Fatalf("err = %v, want OUT_OF_BOUNDARY", err)
	}
}

func TestRegisterRejectsDenied(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)
	dir := mkProject(t, boundary, "blocked")

	if err := r.Deny(dir, "sensitive repo", "admin"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	_, err := r.Register(dir, RegisterOverrides{}, "")
	if dorkerr.CodeOf(err) != dorkerr.CodeDenied {
		t.Fatalf("err = %v, want DENIED", err)
	}

	denied, err := r.ListDenied()
	if err != nil || len(denied) != 1 {
		t.Fatalf("denied = %+v, %v", denied, err)
	}
	if denied[0].Reason != "sensitive repo" || denied[0].DeniedBy != "admin" {
		t.Fatalf("entry = %+v", denied[0])
	}

	// Allow clears the block and registration succeeds.
	if err := r.Allow(dir); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if _, err := r.Register(dir, RegisterOverrides{}, ""); err != nil {
		t.Fatalf("register after allow: %v", err)
	}
}

func TestUnregister(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)
	dir := mkProject(t, boundary, "gone")

	m, err := r.Register(dir, RegisterOverrides{}, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Unregister(m.ID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if got := r.Get(m.ID); got != nil {
		t.Fatalf("get after unregister = %+v", got)
	}
	if err := r.Unregister(m.ID); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatalf("second unregister = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)
	dir := mkProject(t, boundary, "patchy")
	m, err := r.Register(dir, RegisterOverrides{}, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}

	updated, err := r.Update(m.ID, map[string]json.RawMessage{
		"name":         raw("renamed"),
		"capabilities": raw([]string{"deploy"}),
		"persona":      raw("terse and direct"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" || updated.Persona != "terse and direct" {
		t.Fatalf("updated = %+v", updated)
	}
	if len(updated.Capabilities) != 1 || updated.Capabilities[0] != "deploy" {
		t.Fatalf("capabilities = %v", updated.Capabilities)
	}

	// The patch lands on disk, not just in the cache.
	onDisk, err := manifest.NewStore().Read(dir)
	if err != nil || onDisk == nil || onDisk.Name != "renamed" {
		t.Fatalf("on disk = %+v, %v", onDisk, err)
	}

	for _, field := range []string{"id", "directory", "registeredAt", "registeredBy"} {
		_, err := r.Update(m.ID, map[string]json.RawMessage{field: raw("x")})
		if dorkerr.CodeOf(err) != dorkerr.CodeInvalidInput {
			t.Fatalf("patch %q = %v, want INVALID_INPUT", field, err)
		}
	}
	if _, err := r.Update(m.ID, map[string]json.RawMessage{"nonsense": raw(1)}); dorkerr.CodeOf(err) != dorkerr.CodeInvalidInput {
		t.Fatalf("unknown field = %v", err)
	}
	if _, err := r.Update("missing-id", nil); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatalf("missing agent = %v", err)
	}
}

func TestListVerifiesFilesStillExist(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)

	a := mkProject(t, boundary, "alive")
	b := mkProject(t, boundary, "dead")
	if _, err := r.Register(a, RegisterOverrides{Runtime: manifest.RuntimeClaudeCode}, ""); err != nil {
		t.Fatalf("register a: %v", err)
	}
	mb, err := r.Register(b, RegisterOverrides{Runtime: manifest.RuntimeGeneric}, "")
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	// Delete b's manifest behind the registry's back.
	if err := os.RemoveAll(filepath.Join(b, manifest.DorkDirName)); err != nil {
		t.Fatal(err)
	}

	list := r.List(ListFilter{})
	if len(list) != 1 || list[0].Directory != mustCanonical(t, a) {
		t.Fatalf("list = %+v", list)
	}
	if got := r.Get(mb.ID); got != nil {
		t.Fatalf("stale agent still resolvable: %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)

	specs := []struct {
		name string
		rt   manifest.Runtime
		caps []string
	}{
		{"a", manifest.RuntimeClaudeCode, []string{"code-review"}},
		{"b", manifest.RuntimeClaudeCode, []string{"deploy"}},
		{"c", manifest.RuntimeGeneric, []string{"code-review"}},
	}
	for _, sp := range specs {
		dir := mkProject(t, boundary, sp.name)
		if _, err := r.Register(dir, RegisterOverrides{Runtime: sp.rt, Capabilities: sp.caps}, ""); err != nil {
			t.Fatalf("register %s: %v", sp.name, err)
		}
	}

	if got := r.List(ListFilter{Runtime: manifest.RuntimeClaudeCode}); len(got) != 2 {
		t.Fatalf("runtime filter = %d agents", len(got))
	}
	if got := r.List(ListFilter{Capability: "code-review"}); len(got) != 2 {
		t.Fatalf("capability filter = %d agents", len(got))
	}
	if got := r.List(ListFilter{Runtime: manifest.RuntimeGeneric, Capability: "deploy"}); len(got) != 0 {
		t.Fatalf("combined filter = %d agents", len(got))
	}
}

func TestResolve(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)
	dir := mkProject(t, boundary, "known")
	m, err := r.Register(dir, RegisterOverrides{}, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	unknown := mkProject(t, boundary, "unknown")
	out := r.Resolve([]string{dir, unknown})
	if got := out[dir]; got == nil || got.ID != m.ID {
		t.Fatalf("resolve known = %+v", got)
	}
	if out[unknown] != nil {
		t.Fatalf("resolve unknown = %+v", out[unknown])
	}
}

func TestDiscover(t *testing.T) {
	boundary := t.TempDir()
	r := newTestRegistry(t, boundary)

	proj := mkProject(t, boundary, "webapp")
	if err := os.WriteFile(filepath.Join(proj, "package.json"),
		[]byte(`{"description":"a web app"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(proj, "CLAUDE.md"), []byte("# notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	registered := mkProject(t, boundary, "already")
	if err := os.WriteFile(filepath.Join(registered, "go.mod"), []byte("module already\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(registered, RegisterOverrides{}, ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	// node_modules never surfaces as a candidate even with a manifest marker.
	nm := filepath.Join(boundary, "webapp", "node_modules", "dep")
	if err := os.MkdirAll(nm, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(nm, "package.json"), []byte("{}"), 0o644)

	byPath := map[string]Candidate{}
	for _, c := range r.Discover([]string{boundary}, 3) {
		byPath[filepath.Base(c.Path)] = c
	}
	web, ok := byPath["webapp"]
	if !ok {
		t.Fatalf("webapp not discovered: %v", byPath)
	}
	if web.InferredRuntime != manifest.RuntimeClaudeCode {
		t.Fatalf("inferred runtime = %s", web.InferredRuntime)
	}
	if web.Description != "a web app" {
		t.Fatalf("description = %q", web.Description)
	}
	if web.AlreadyRegistered {
		t.Fatal("webapp flagged as registered")
	}
	already, ok := byPath["already"]
	if !ok || !already.AlreadyRegistered {
		t.Fatalf("already = %+v", already)
	}
	if _, ok := byPath["dep"]; ok {
		t.Fatal("walked into node_modules")
	}
}

func TestRestoreFromScanRoots(t *testing.T) {
	boundary := t.TempDir()
	firstConn, err := db.Open(filepath.Join(t.TempDir(), "mesh1.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	first, err := NewRegistry(manifest.NewStore(), NewDenyStore(firstConn), Options{Boundary: boundary})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	dir := mkProject(t, boundary, "persisted")
	m, err := first.Register(dir, RegisterOverrides{Name: "survivor"}, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	first.Close()
	firstConn.Close()

	conn, err := db.Open(filepath.Join(t.TempDir(), "mesh2.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	second, err := NewRegistry(manifest.NewStore(), NewDenyStore(conn), Options{
		Boundary:  boundary,
		ScanRoots: []string{boundary},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer second.Close()

	got := second.Get(m.ID)
	if got == nil || got.Name != "survivor" {
		t.Fatalf("restored = %+v", got)
	}
}

func mustCanonical(t *testing.T, dir string) string {
	t.Helper()
	out, err := manifest.CanonicalDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return out
}
