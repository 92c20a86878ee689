// Package catalog loads bindings and filter assignments from a YAML manifest
// and registers them on a Model.
//
//	filters:
//	  password: [bcrypt]
//	  email: [trim, lower]
//	bindings:
//	  - name: create
//	    fields: {username: 1, email: 2, password: 3}
//	    sql: INSERT INTO users (username, email, password) VALUES (?, ?, ?)
//	  - name: read
//	    fields: [username]
//	    file: sql/read_user.sql
//
// A binding's SQL is given inline with sql or read from file, which is
// resolved relative to the manifest's directory.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/asaidimu/go-sqlm/core/binding"
	"github.com/asaidimu/go-sqlm/core/model"
	"github.com/asaidimu/go-sqlm/filters"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCatalog is returned for manifests that decode but cannot be used.
var ErrInvalidCatalog = errors.New("sqlm: invalid catalog")

// Entry is one binding declaration.
type Entry struct {
	Name   string           `yaml:"name"`
	Fields binding.FieldMap `yaml:"fields"`
	SQL    string           `yaml:"sql,omitempty"`
	File   string           `yaml:"file,omitempty"`
}

// Catalog is a decoded manifest. After Parse every entry carries its SQL text.
type Catalog struct {
	Filters  map[string][]string `yaml:"filters"`
	Bindings []Entry             `yaml:"bindings"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	c, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a manifest. Relative file references are resolved against
// dir. Unknown keys are rejected. An empty document yields an empty catalog.
func Parse(data []byte, dir string) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if c.Filters == nil {
		c.Filters = make(map[string][]string)
	}

	seen := make(map[string]struct{}, len(c.Bindings))
	for i := range c.Bindings {
		e := &c.Bindings[i]
		if e.Name == "" {
			return nil, fmt.Errorf("%w: binding #%d has no name", ErrInvalidCatalog, i+1)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: binding %q declared more than once", ErrInvalidCatalog, e.Name)
		}
		seen[e.Name] = struct{}{}

		switch {
		case e.SQL != "" && e.File != "":
			return nil, fmt.Errorf("%w: binding %q sets both sql and file", ErrInvalidCatalog, e.Name)
		case e.File != "":
			path := e.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			text, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("binding %q: %w", e.Name, err)
			}
			e.SQL = string(bytes.TrimSpace(text))
		case e.SQL == "":
			return nil, fmt.Errorf("%w: binding %q has no sql", ErrInvalidCatalog, e.Name)
		}
	}
	return &c, nil
}

// Register installs the catalog's filters and bindings on m. Filter names are
// looked up in lib. Fields are registered in name order; each field's filters
// keep their listed order. Registration stops at the first error, leaving
// whatever was registered before it in place.
func (c *Catalog) Register(m *model.Model, lib filters.Library) error {
	fields := make([]string, 0, len(c.Filters))
	for field := range c.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		for _, name := range c.Filters[field] {
			fn, err := lib.Lookup(name)
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			m.Use(field, fn)
		}
	}

	for _, e := range c.Bindings {
		if err := m.Bind(e.Name, e.Fields, e.SQL); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the binding names in manifest order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Bindings))
	for i, e := range c.Bindings {
		names[i] = e.Name
	}
	return names
}
