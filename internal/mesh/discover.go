package mesh

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/dorklabs/dorkos/internal/manifest"
)

// skipDirs are never descended into during discovery.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"coverage":     true,
	"__pycache__":  true,
	".cache":       true,
}

// Candidate is a directory discovery suggested for registration. It is not
// authoritative: nothing is registered until Register is called.
type Candidate struct {
	Path              string           `json:"path"`
	SuggestedName     string           `json:"suggestedName"`
	InferredRuntime   manifest.Runtime `json:"inferredRuntime"`
	Description       string           `json:"description,omitempty"`
	AlreadyRegistered bool             `json:"alreadyRegistered"`
	Denied            bool             `json:"denied"`
}

// Discover walks each root up to maxDepth and returns candidate agent
// directories with heuristic hints.
func (r *Registry) Discover(roots []string, maxDepth int) []Candidate {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	var out []Candidate
	seen := make(map[string]bool)
	for _, root := range roots {
		dir, err := manifest.CanonicalDir(root)
		if err != nil {
			continue
		}
		walkCandidates(dir, 0, maxDepth, func(path string) {
			if seen[path] {
				return
			}
			seen[path] = true
			c := Candidate{
				Path:            path,
				SuggestedName:   filepath.Base(path),
				InferredRuntime: inferRuntime(path),
				Description:     describeDir(path),
			}
			c.AlreadyRegistered = r.store.Exists(path)
			if denied, err := r.deny.IsDenied(path); err == nil {
				c.Denied = denied
			}
			out = append(out, c)
		})
	}
	return out
}

// walkCandidates visits directories that look like projects: anything with a
// VCS root, a build manifest, or an existing .dork directory.
func walkCandidates(dir string, depth, maxDepth int, visit func(string)) {
	if depth > maxDepth {
		return
	}
	if looksLikeProject(dir) {
		visit(dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || skipDirs[e.Name()] || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		walkCandidates(filepath.Join(dir, e.Name()), depth+1, maxDepth, visit)
	}
}

// walkForManifests finds directories under root that already carry a
// manifest file. Used to restore registrations at startup.
func walkForManifests(root string, maxDepth int) []string {
	dir, err := manifest.CanonicalDir(root)
	if err != nil {
		return nil
	}
	var out []string
	var walk func(string, int)
	walk = func(d string, depth int) {
		if depth > maxDepth {
			return
		}
		if _, err := os.Stat(filepath.Join(d, manifest.DorkDirName, manifest.ManifestFileName)); err == nil {
			out = append(out, d)
		}
		entries, err := os.ReadDir(d)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() || skipDirs[e.Name()] || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			walk(filepath.Join(d, e.Name()), depth+1)
		}
	}
	walk(dir, 0)
	return out
}

func looksLikeProject(dir string) bool {
	for _, marker := range []string{".git", ".dork", "go.mod", "package.json", "pyproject.toml", "Cargo.toml"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// inferRuntime guesses the agent runtime from directory contents.
func inferRuntime(dir string) manifest.Runtime {
	if _, err := os.Stat(filepath.Join(dir, ".claude")); err == nil {
		return manifest.RuntimeClaudeCode
	}
	if _, err := os.Stat(filepath.Join(dir, "CLAUDE.md")); err == nil {
		return manifest.RuntimeClaudeCode
	}
	if _, err := os.Stat(filepath.Join(dir, ".cursor")); err == nil {
		return manifest.RuntimeCursor
	}
	return manifest.RuntimeGeneric
}

// describeDir pulls a short description from package.json or the first
// README heading.
func describeDir(dir string) string {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg struct {
			Description string `json:"description"`
		}
		if json.Unmarshal(data, &pkg) == nil && pkg.Description != "" {
			return pkg.Description
		}
	}
	f, err := os.Open(filepath.Join(dir, "README.md"))
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(line, "# "))
	}
	return ""
}
