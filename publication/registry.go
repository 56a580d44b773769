package publication

import (
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

type tableEntry struct {
	pattern string
	matcher glob.Glob // nil for exact names
	ops     OpFilter
}

type pub struct {
	name    string
	mode    Mode
	entries map[string]*tableEntry // keyed by pattern
}

// Info describes one publication for status listings.
type Info struct {
	Name   string
	Mode   Mode
	Tables []TableFilter // patterns as registered, not resolved
}

// Registry holds all publications. Mutations are atomic with respect to
// Resolve: readers always see a complete table list.
type Registry struct {
	catalog TableCatalog

	mu   sync.RWMutex
	pubs map[string]*pub
}

// NewRegistry creates a registry resolving all-tables publications against
// the given catalog.
func NewRegistry(catalog TableCatalog) *Registry {
	return &Registry{
		catalog: catalog,
		pubs:    make(map[string]*pub),
	}
}

// Create registers a new publication.
func (r *Registry) Create(name string, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pubs[name]; exists {
		return &DuplicateError{Name: name}
	}

	r.pubs[name] = &pub{
		name:    name,
		mode:    mode,
		entries: make(map[string]*tableEntry),
	}

	log.Info().Str("publication", name).Str("mode", mode.String()).Msg("Created publication")
	return nil
}

// AddTable adds a table (exact name or glob pattern) to an explicit
// publication. Adding a pattern already present is idempotent; the
// operation filter of the existing entry is replaced.
func (r *Registry) AddTable(pubName, table string, ops OpFilter) error {
	entry := &tableEntry{pattern: table, ops: ops}
	if strings.ContainsAny(table, "*?[") {
		g, err := glob.Compile(table)
		if err != nil {
			return &InvalidPatternError{Pattern: table, Err: err}
		}
		entry.matcher = g
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pubs[pubName]
	if !exists {
		return &NotFoundError{Name: pubName}
	}
	p.entries[table] = entry

	log.Info().
		Str("publication", pubName).
		Str("table", table).
		Str("ops", ops.String()).
		Msg("Added table to publication")
	return nil
}

// RemoveTable removes a table pattern from a publication. Removing a
// pattern that is not present is a no-op.
func (r *Registry) RemoveTable(pubName, table string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pubs[pubName]
	if !exists {
		return &NotFoundError{Name: pubName}
	}
	delete(p.entries, table)

	log.Info().Str("publication", pubName).Str("table", table).Msg("Removed table from publication")
	return nil
}

// Drop removes a publication. Live subscriptions still referencing the name
// are not touched here; their next resolve surfaces NotFoundError and the
// subscription layer treats it as retryable.
func (r *Registry) Drop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pubs[name]; !exists {
		return &NotFoundError{Name: name}
	}
	delete(r.pubs, name)

	log.Info().Str("publication", name).Msg("Dropped publication")
	return nil
}

// Resolve computes the publication's concrete table set at call time.
// All-tables publications and glob patterns are expanded against the live
// catalog, so tables created after the publication are included
// automatically. Exact names are included whether or not the catalog lists
// them yet. The result is sorted by table name.
func (r *Registry) Resolve(name string) ([]TableFilter, error) {
	r.mu.RLock()
	p, exists := r.pubs[name]
	if !exists {
		r.mu.RUnlock()
		return nil, &NotFoundError{Name: name}
	}

	resolved := make(map[string]OpFilter)
	switch p.mode {
	case ModeAllTables:
		for _, table := range r.catalog.ListTables() {
			resolved[table] = FilterAll
		}
	default:
		var catalogTables []string
		catalogLoaded := false
		for _, entry := range p.entries {
			if entry.matcher == nil {
				resolved[entry.pattern] |= entry.ops
				continue
			}
			if !catalogLoaded {
				catalogTables = r.catalog.ListTables()
				catalogLoaded = true
			}
			for _, table := range catalogTables {
				if entry.matcher.Match(table) {
					resolved[table] |= entry.ops
				}
			}
		}
	}
	r.mu.RUnlock()

	out := make([]TableFilter, 0, len(resolved))
	for table, ops := range resolved {
		out = append(out, TableFilter{Table: table, Ops: ops})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}

// Exists reports whether a publication name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.pubs[name]
	return exists
}

// List returns registered publications sorted by name, with their table
// patterns as registered (not resolved).
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.pubs))
	for _, p := range r.pubs {
		info := Info{Name: p.name, Mode: p.mode}
		for _, entry := range p.entries {
			info.Tables = append(info.Tables, TableFilter{Table: entry.pattern, Ops: entry.ops})
		}
		sort.Slice(info.Tables, func(i, j int) bool { return info.Tables[i].Table < info.Tables[j].Table })
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
