package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FilterAll selects every scheme.
const FilterAll = "all"

// ErrUnknownScheme is returned when a filter names no configured scheme.
var ErrUnknownScheme = errors.New("unknown certification scheme")

// Kind names one evidence artifact.
type Kind string

const (
	KindSecurityScan      Kind = "security-scan"
	KindCodeQuality       Kind = "code-quality"
	KindAccessControl     Kind = "access-control"
	KindEncryption        Kind = "encryption"
	KindChangeLog         Kind = "change-log"
	KindDataFlow          Kind = "data-flow"
	KindAssetInventory    Kind = "asset-inventory"
	KindDataRetention     Kind = "data-retention"
	KindVulnerabilityScan Kind = "vulnerability-scan"
	KindDataInventory     Kind = "data-inventory"
)

// Scheme is one certification regime and what its package must contain.
type Scheme struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Kinds []Kind   `yaml:"kinds"`
	Docs  []string `yaml:"docs"`
}

type document struct {
	Schemes      []Scheme                     `yaml:"schemes"`
	Aliases      map[Kind]Kind                `yaml:"aliases"`
	Controls     map[Kind]map[string][]string `yaml:"controls"`
	DisplayNames map[string]string            `yaml:"display_names"`
}

// Catalog is the immutable scheme table.
type Catalog struct {
	schemes      []Scheme
	byID         map[string]int
	aliases      map[Kind]Kind
	controls     map[Kind]map[string][]string
	displayNames map[string]string
}

//go:embed schemes.yaml
var defaultTable []byte

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Parse(defaultTable)
})

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return loadDefault()
}

// Parse builds a Catalog from a YAML table.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scheme table: %w", err)
	}
	if len(doc.Schemes) == 0 {
		return nil, errors.New("scheme table has no schemes")
	}

	c := &Catalog{
		schemes:      doc.Schemes,
		byID:         make(map[string]int, len(doc.Schemes)),
		aliases:      doc.Aliases,
		controls:     doc.Controls,
		displayNames: doc.DisplayNames,
	}
	for i, s := range doc.Schemes {
		if s.ID == "" || s.ID == FilterAll {
			return nil, fmt.Errorf("scheme %d: invalid id %q", i, s.ID)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("scheme %q defined twice", s.ID)
		}
		c.byID[s.ID] = i
	}
	for alias, source := range c.aliases {
		if _, chained := c.aliases[source]; chained {
			return nil, fmt.Errorf("alias %q points at another alias %q", alias, source)
		}
	}
	return c, nil
}

// Schemes returns every scheme in table order.
func (c *Catalog) Schemes() []Scheme {
	out := make([]Scheme, len(c.schemes))
	copy(out, c.schemes)
	return out
}

// Lookup finds a scheme by identifier.
func (c *Catalog) Lookup(id string) (Scheme, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Scheme{}, false
	}
	return c.schemes[i], true
}

// Resolve expands a filter into the schemes it selects.
func (c *Catalog) Resolve(filter string) ([]Scheme, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == FilterAll {
		return c.Schemes(), nil
	}
	s, ok := c.Lookup(filter)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, filter)
	}
	return []Scheme{s}, nil
}

// KindsFor returns the ordered union of kinds required by the schemes a filter selects.
func (c *Catalog) KindsFor(filter string) ([]Kind, error) {
	schemes, err := c.Resolve(filter)
	if err != nil {
		return nil, err
	}
	seen := make(map[Kind]struct{})
	var kinds []Kind
	for _, s := range schemes {
		for _, k := range s.Kinds {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// Canonical resolves an alias kind to the kind whose generator produces it.
func (c *Catalog) Canonical(kind Kind) Kind {
	if source, ok := c.aliases[kind]; ok {
		return source
	}
	return kind
}

// IsAlias reports whether kind is served by another kind's generator.
func (c *Catalog) IsAlias(kind Kind) bool {
	_, ok := c.aliases[kind]
	return ok
}

// SchemesFor lists the schemes that require kind, directly or through an alias.
func (c *Catalog) SchemesFor(kind Kind) []string {
	canonical := c.Canonical(kind)
	var ids []string
	for _, s := range c.schemes {
		for _, k := range s.Kinds {
			if k == kind || c.Canonical(k) == canonical {
				ids = append(ids, s.ID)
				break
			}
		}
	}
	return ids
}

// Controls returns scheme → control IDs for kind. Aliases share their source's references.
func (c *Catalog) Controls(kind Kind) map[string][]string {
	refs := c.controls[c.Canonical(kind)]
	out := make(map[string][]string, len(refs))
	for scheme, ids := range refs {
		out[scheme] = append([]string(nil), ids...)
	}
	return out
}

// Mapping returns scheme ID → kinds for the index file.
func (c *Catalog) Mapping() map[string][]Kind {
	out := make(map[string][]Kind, len(c.schemes))
	for _, s := range c.schemes {
		out[s.ID] = append([]Kind(nil), s.Kinds...)
	}
	return out
}

// DisplayName maps a short scheme key to its full name. Unknown keys are upper-cased.
func (c *Catalog) DisplayName(key string) string {
	if name, ok := c.displayNames[key]; ok {
		return name
	}
	return strings.ToUpper(key)
}

// KeyFromFileName extracts the scheme key from a package object name such as
// compliance-reports/2026/pci-dss-compliance-package-2026-10-18.zip.
func KeyFromFileName(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".zip")
	if i := strings.Index(base, "-compliance-package"); i > 0 {
		return base[:i]
	}
	if i := strings.Index(base, "-"); i > 0 {
		return base[:i]
	}
	return base
}
