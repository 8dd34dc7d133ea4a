// Package pathguard validates client-supplied filesystem paths against a
// canonical directory allowlist.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docrag/intake/internal/intake"
)

// Mapping rewrites a container path prefix to its host equivalent before
// validation, for deployments where clients see container mount points.
type Mapping struct {
	ContainerPrefix string
	HostPrefix      string
}

// Config controls validator construction.
type Config struct {
	// AllowedRoots are directory prefixes documents must live under. When
	// empty, roots are derived from Mappings host prefixes plus DataDir.
	AllowedRoots []string
	// AllowUnsafe disables the allowlist ancestry check entirely.
	AllowUnsafe bool
	// ContainerPrefix is the default container mount prefix (e.g. /workspace/).
	ContainerPrefix string
	Mappings        []Mapping
	// DataDir is the service-local data directory, always an implicit root.
	DataDir string
}

// Validator canonicalizes and allowlists document paths. Roots are resolved
// once at construction and immutable afterwards.
type Validator struct {
	roots       []string
	allowUnsafe bool
	container   string
	mappings    []Mapping
}

// New builds a Validator, canonicalizing the configured roots. A configured
// root that cannot be resolved is a startup error: running with a partial
// allowlist silently widens or narrows the policy.
func New(cfg Config) (*Validator, error) {
	configured := cfg.AllowedRoots
	if len(configured) == 0 {
		for _, m := range cfg.Mappings {
			if m.HostPrefix != "" {
				configured = append(configured, m.HostPrefix)
			}
		}
		if cfg.DataDir != "" {
			configured = append(configured, cfg.DataDir)
		}
	}
	if len(configured) == 0 && !cfg.AllowUnsafe {
		return nil, fmt.Errorf("no allowed roots configured and unsafe paths are disabled")
	}

	seen := make(map[string]struct{}, len(configured))
	roots := make([]string, 0, len(configured))
	for _, raw := range configured {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		root, err := canonicalize(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve allowed root %q: %w", raw, err)
		}
		if _, dup := seen[root]; dup {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}

	return &Validator{
		roots:       roots,
		allowUnsafe: cfg.AllowUnsafe,
		container:   cfg.ContainerPrefix,
		mappings:    cfg.Mappings,
	}, nil
}

// Roots returns the canonical allowlist, for /health reporting.
func (v *Validator) Roots() []string {
	out := make([]string, len(v.roots))
	copy(out, v.roots)
	return out
}

// Validate checks a client-supplied path and returns its canonical form.
// Checks run in order and short-circuit: shape, absoluteness, existence,
// file type, extension, canonicalization, allowlist ancestry.
func (v *Validator) Validate(path string) (string, error) {
	raw := strings.TrimSpace(path)
	if raw == "" || strings.ContainsRune(raw, 0) {
		return "", intake.ErrNotAbsolute
	}

	raw = v.translate(raw)
	if !filepath.IsAbs(raw) {
		return "", intake.ErrNotAbsolute
	}

	info, err := os.Stat(raw)
	if err != nil {
		return "", intake.ErrNotFound
	}
	if !info.Mode().IsRegular() {
		return "", intake.ErrNotFound
	}
	if !strings.EqualFold(filepath.Ext(raw), ".pdf") {
		return "", intake.ErrWrongType
	}
	f, err := os.Open(raw)
	if err != nil {
		return "", intake.ErrNotFound
	}
	_ = f.Close()

	resolved, err := canonicalize(raw)
	if err != nil {
		return "", intake.ErrNotFound
	}

	if v.allowUnsafe {
		return resolved, nil
	}
	for _, root := range v.roots {
		if isAncestor(root, resolved) {
			return resolved, nil
		}
	}
	return "", intake.ErrOutsideAllowlist
}

// translate rewrites container prefixes to host prefixes. Specific mappings
// win over the default container prefix.
func (v *Validator) translate(path string) string {
	for _, m := range v.mappings {
		if m.ContainerPrefix != "" && strings.HasPrefix(path, m.ContainerPrefix) {
			return m.HostPrefix + strings.TrimPrefix(path, m.ContainerPrefix)
		}
	}
	return path
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolutize: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Roots may not exist yet; fall back to the lexical clean form.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return resolved, nil
}

func isAncestor(root, path string) bool {
	if root == path {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
