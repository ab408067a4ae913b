// Package knowledge provides the static, keyed catalog of guidance units
// (probes and patterns). The identity of a needed unit is always decided
// upstream by the router, so lookup is a plain O(1) map access, never a
// similarity search.
package knowledge

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"forge/internal/logging"
)

// ErrNotFound is returned when a key has no entry of the requested kind.
var ErrNotFound = errors.New("guidance unit not found")

// Kind distinguishes the two catalogs.
type Kind string

const (
	KindProbe   Kind = "probe"
	KindPattern Kind = "pattern"
)

// Unit is one named block of guidance content.
type Unit struct {
	Name string `yaml:"name"`
	Body string `yaml:"body"`
}

// catalogFile is the on-disk shape of the knowledge catalog.
type catalogFile struct {
	Probes   []Unit `yaml:"probes"`
	Patterns []Unit `yaml:"patterns"`
}

// Index is the immutable in-memory catalog, loaded once at startup.
type Index struct {
	probes   map[string]Unit
	patterns map[string]Unit
}

// Load reads the catalog YAML from path.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds an index from raw catalog YAML.
func Parse(data []byte) (*Index, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parsing knowledge catalog: %w", err)
	}

	idx := &Index{
		probes:   make(map[string]Unit, len(cf.Probes)),
		patterns: make(map[string]Unit, len(cf.Patterns)),
	}
	for _, u := range cf.Probes {
		if u.Name == "" {
			return nil, fmt.Errorf("knowledge catalog: probe with empty name")
		}
		idx.probes[u.Name] = u
	}
	for _, u := range cf.Patterns {
		if u.Name == "" {
			return nil, fmt.Errorf("knowledge catalog: pattern with empty name")
		}
		idx.patterns[u.Name] = u
	}

	logging.Boot("knowledge catalog loaded: %d probes, %d patterns", len(idx.probes), len(idx.patterns))
	return idx, nil
}

// Lookup returns the unit for (kind, key) or ErrNotFound.
func (i *Index) Lookup(kind Kind, key string) (Unit, error) {
	var m map[string]Unit
	switch kind {
	case KindProbe:
		m = i.probes
	case KindPattern:
		m = i.patterns
	default:
		return Unit{}, fmt.Errorf("lookup: unknown kind %q", kind)
	}

	u, ok := m[key]
	if !ok {
		return Unit{}, fmt.Errorf("lookup %s %q: %w", kind, key, ErrNotFound)
	}
	return u, nil
}

// Names lists the catalog keys of one kind, sorted.
func (i *Index) Names(kind Kind) []string {
	var m map[string]Unit
	switch kind {
	case KindProbe:
		m = i.probes
	case KindPattern:
		m = i.patterns
	default:
		return nil
	}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModeKnowledge renders the full catalog as prompt text for the analysis
// phase's mode prompts.
func (i *Index) ModeKnowledge() string {
	var b strings.Builder

	b.WriteString("## Probes\n\n")
	for _, name := range i.Names(KindProbe) {
		u := i.probes[name]
		fmt.Fprintf(&b, "### %s\n%s\n\n", u.Name, u.Body)
	}

	b.WriteString("## Domain Patterns\n\n")
	for _, name := range i.Names(KindPattern) {
		u := i.patterns[name]
		fmt.Fprintf(&b, "### %s\n%s\n\n", u.Name, u.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}
