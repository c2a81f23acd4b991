package sqlgen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.Contains(t, c.Schema, "orders(")
	assert.Equal(t, []string{"pending", "completed", "cancelled", "refunded"}, c.Statuses)
	assert.NotEmpty(t, c.Rules["general"])
	assert.NotEmpty(t, c.Examples)
}

func TestExamplesFor_SameCategoryFirst(t *testing.T) {
	c := &Catalog{Examples: []Example{
		{Category: "menu", Question: "m1"},
		{Category: "order_history", Question: "o1"},
		{Category: "menu", Question: "m2"},
		{Category: "order_history", Question: "o2"},
		{Category: "customer", Question: "c1"},
	}}

	got := c.ExamplesFor("order_history", 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"o1", "o2", "m1"}, []string{got[0].Question, got[1].Question, got[2].Question})

	assert.Len(t, c.ExamplesFor("menu", 10), 5)
	assert.Empty(t, c.ExamplesFor("menu", 0))
}

func TestRulesFor(t *testing.T) {
	c := &Catalog{Rules: map[string][]string{"general": {"g"}, "menu": {"m"}}}
	assert.Equal(t, []string{"g", "m"}, c.RulesFor("menu"))
	assert.Equal(t, []string{"g"}, c.RulesFor("general"))
	assert.Equal(t, []string{"g"}, c.RulesFor("unknown"))
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema: |\n  widgets(id INTEGER)\nstatuses: [open]\n"), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Contains(t, c.Schema, "widgets")

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("statuses: [open]\n"))
	assert.Error(t, err)
}
