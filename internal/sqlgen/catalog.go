package sqlgen

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Example is a worked question/SQL pair shown to the model.
type Example struct {
	Category string `yaml:"category"`
	Question string `yaml:"question"`
	SQL      string `yaml:"sql"`
}

// Catalog is the static reference the generator sends to the model: the
// schema, the status enumeration, the timestamp convention, rules per
// category and worked examples.
type Catalog struct {
	Schema     string              `yaml:"schema"`
	Statuses   []string            `yaml:"statuses"`
	Timestamps string              `yaml:"timestamps"`
	Rules      map[string][]string `yaml:"rules"`
	Examples   []Example           `yaml:"examples"`
}

// DefaultCatalog returns the embedded catalog for the demo schema.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. An empty path returns the default.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog. A catalog without a schema is rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if strings.TrimSpace(c.Schema) == "" {
		return nil, fmt.Errorf("catalog has no schema")
	}
	return &c, nil
}

// RulesFor returns the general rules followed by the category's own rules.
func (c *Catalog) RulesFor(category string) []string {
	rules := append([]string(nil), c.Rules["general"]...)
	if category != "general" {
		rules = append(rules, c.Rules[category]...)
	}
	return rules
}

// ExamplesFor returns up to n examples, same category first, then the rest
// in file order.
func (c *Catalog) ExamplesFor(category string, n int) []Example {
	if n <= 0 {
		return nil
	}
	out := make([]Example, 0, n)
	for _, e := range c.Examples {
		if len(out) == n {
			return out
		}
		if e.Category == category {
			out = append(out, e)
		}
	}
	for _, e := range c.Examples {
		if len(out) == n {
			break
		}
		if e.Category != category {
			out = append(out, e)
		}
	}
	return out
}
