// Package conversation holds the cross-turn state of a question-answering
// session: the last resolved category, the last generated query, and the
// filters and time window that follow-up questions inherit.
package conversation

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Snapshot is an immutable copy of a session's context at one point in time.
type Snapshot struct {
	PreviousCategory string            `json:"previous_category,omitempty"`
	PreviousQuery    string            `json:"previous_query,omitempty"`
	Filters          map[string]string `json:"filters,omitempty"`
	Constraints      []string          `json:"constraints,omitempty"`
	TimeWindow       string            `json:"time_window,omitempty"`
	Turns            int               `json:"turns"`
	UpdatedAt        time.Time         `json:"updated_at,omitzero"`
}

// HasPrevious reports whether an earlier turn resolved a category.
func (s Snapshot) HasPrevious() bool {
	return s.PreviousCategory != ""
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Filters = maps.Clone(s.Filters)
	out.Constraints = slices.Clone(s.Constraints)
	return out
}

// Update is what a successful turn contributes to the context.
// Empty fields leave the stored value untouched; filters are merged.
// Constraints are the records the turn produced, such as "order 42".
type Update struct {
	Category    string
	Query       string
	TimeWindow  string
	Filters     map[string]string
	Constraints []string
}

// Context is the mutable, session-scoped conversation state.
// One Context belongs to one conversation; it is safe for concurrent use.
type Context struct {
	id string

	mu   sync.RWMutex
	snap Snapshot
}

// New returns an empty Context for the given session ID.
func New(id string) *Context {
	return &Context{id: id, snap: Snapshot{Filters: map[string]string{}}}
}

// Restore returns a Context seeded from a previously saved snapshot.
func Restore(id string, snap Snapshot) *Context {
	c := &Context{id: id, snap: snap.clone()}
	if c.snap.Filters == nil {
		c.snap.Filters = map[string]string{}
	}
	return c
}

// ID returns the session ID.
func (c *Context) ID() string { return c.id }

// Snapshot returns a deep copy of the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.clone()
}

// Apply records a successful turn. Filters only accumulate; use ClearFilters
// or Clear to drop them. A non-empty entity list replaces the previous one.
func (c *Context) Apply(u Update) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u.Category != "" {
		c.snap.PreviousCategory = u.Category
	}
	if u.Query != "" {
		c.snap.PreviousQuery = u.Query
	}
	if u.TimeWindow != "" {
		c.snap.TimeWindow = u.TimeWindow
	}
	for k, v := range u.Filters {
		if v == "" {
			continue
		}
		c.snap.Filters[k] = v
	}
	if len(u.Constraints) > 0 {
		c.snap.Constraints = c.snap.Constraints[:0:0]
		for _, con := range u.Constraints {
			if !slices.Contains(c.snap.Constraints, con) {
				c.snap.Constraints = append(c.snap.Constraints, con)
			}
		}
	}
	c.snap.Turns++
	c.snap.UpdatedAt = time.Now().UTC()
	return c.snap.clone()
}

// ClearFilters drops carried filters and the cached time window but keeps
// the previous category and query.
func (c *Context) ClearFilters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Filters = map[string]string{}
	c.snap.Constraints = nil
	c.snap.TimeWindow = ""
}

// Clear resets the context to a fresh session.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = Snapshot{Filters: map[string]string{}}
}
