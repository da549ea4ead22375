package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind identifies which §4 component a ClassSpec describes.
type Kind string

const (
	// KindRaw is a plain entity store (§4.D): callers write to it
	// directly via SetValue/Remove.
	KindRaw Kind = "raw"
	// KindCached is a Cached transform (§4.G): its value is computed
	// from Sources rather than written directly.
	KindCached Kind = "cached"
	// KindIndex is an Index (§4.H): it is bound to exactly one Source
	// and maintains composite rows incrementally.
	KindIndex Kind = "index"
)

// ClassSpec describes one class's wiring: its name, what kind of class
// it is, and — for Cached and Index classes — the names of the
// upstream classes it depends on and the name of the Go-registered
// function that supplies its behavior.
//
// Transform and IndexBy are names, not code: the application resolves
// them against its own registry of Go functions (see Registry in this
// package) after loading the manifest.
type ClassSpec struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// Sources names the upstream classes a Cached class is derived
	// from (§4.G). Unused for KindRaw and KindIndex.
	Sources []string `yaml:"sources,omitempty"`
	// Source names the single upstream class an Index is bound to
	// (§4.H). Unused for KindRaw and KindCached.
	Source string `yaml:"source,omitempty"`

	// Transform names the Go function a Cached class computes its
	// value with.
	Transform string `yaml:"transform,omitempty"`
	// IndexBy names the Go function an Index derives entries with.
	IndexBy string `yaml:"indexBy,omitempty"`

	// DBVersion, if set, is used as-is for this class's dbVersion
	// (§4.F). If empty, the application is expected to supply a
	// TransformFile to hash instead, or an explicit version in code.
	DBVersion string `yaml:"dbVersion,omitempty"`
	// TransformFile, if set, names a source file on disk whose
	// HMAC-SHA256 hash becomes this class's dbVersion (§4.F step 2).
	TransformFile string `yaml:"transformFile,omitempty"`
}

// Manifest is the top-level document: every class a deployment wires
// up, the way a warren deployment manifest lists its services.
type Manifest struct {
	Classes []ClassSpec `yaml:"classes"`
}

// Load reads and parses the manifest at path, then validates it.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates a manifest from raw YAML bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Lookup returns the spec for name, if declared.
func (m *Manifest) Lookup(name string) (ClassSpec, bool) {
	for _, c := range m.Classes {
		if c.Name == name {
			return c, true
		}
	}
	return ClassSpec{}, false
}

// Validate checks structural integrity: no duplicate or empty names,
// every Kind-specific field required/forbidden per §4.D/§4.G/§4.H,
// every referenced Source/Sources name resolves to a declared class,
// and the resulting dependency graph is acyclic — §9's "Forbid cycles
// at register time" design note, enforced here rather than left to
// surface as a runtime deadlock in the bus fan-out.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if c.Name == "" {
			return fmt.Errorf("config: class with empty name")
		}
		if seen[c.Name] {
			return fmt.Errorf("config: duplicate class name %q", c.Name)
		}
		seen[c.Name] = true

		switch c.Kind {
		case KindRaw:
			if len(c.Sources) > 0 || c.Source != "" {
				return fmt.Errorf("config: raw class %q must not declare sources", c.Name)
			}
		case KindCached:
			if len(c.Sources) == 0 {
				return fmt.Errorf("config: cached class %q needs at least one source", c.Name)
			}
			if c.Transform == "" {
				return fmt.Errorf("config: cached class %q needs a transform", c.Name)
			}
		case KindIndex:
			if c.Source == "" {
				return fmt.Errorf("config: index %q needs exactly one source", c.Name)
			}
			if c.IndexBy == "" {
				return fmt.Errorf("config: index %q needs an indexBy", c.Name)
			}
		default:
			return fmt.Errorf("config: class %q has unknown kind %q", c.Name, c.Kind)
		}
	}

	for _, c := range m.Classes {
		for _, src := range c.edges() {
			if !seen[src] {
				return fmt.Errorf("config: class %q references undeclared source %q", c.Name, src)
			}
		}
	}

	return m.checkAcyclic()
}

// edges returns the names of classes c depends on: Source for an index,
// Sources for every other kind.
func (c ClassSpec) edges() []string {
	if c.Kind == KindIndex {
		if c.Source == "" {
			return nil
		}
		return []string{c.Source}
	}
	return c.Sources
}

// checkAcyclic runs a DFS over the source-dependency graph, failing on
// the first back-edge it finds.
func (m *Manifest) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(m.Classes))
	byName := make(map[string]ClassSpec, len(m.Classes))
	for _, c := range m.Classes {
		byName[c.Name] = c
	}

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("config: cycle in class dependency graph: %v -> %s", path, name)
		}
		state[name] = visiting
		for _, src := range byName[name].edges() {
			if err := visit(src, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, c := range m.Classes {
		if err := visit(c.Name, nil); err != nil {
			return err
		}
	}
	return nil
}
