// Package publication implements the registry of publications: named
// definitions of which tables and operations are exposed for replication.
package publication

import (
	"fmt"
	"strings"

	"github.com/slipstream-db/slipstream/common"
)

// Mode selects how a publication scopes its table set.
type Mode uint8

const (
	ModeTables    Mode = iota // Explicit table list (names or glob patterns)
	ModeAllTables             // Every table in the catalog, including future ones
)

func (m Mode) String() string {
	switch m {
	case ModeTables:
		return "tables"
	case ModeAllTables:
		return "all_tables"
	default:
		return "unknown"
	}
}

// OpFilter is a bitmask of replicated operations.
type OpFilter uint8

const (
	FilterInsert   OpFilter = 1 << iota
	FilterUpdate
	FilterDelete
	FilterTruncate

	FilterAll = FilterInsert | FilterUpdate | FilterDelete | FilterTruncate
)

// ParseOpFilter parses a comma-separated operation list, e.g. "insert" or
// "insert,update". "all" selects every operation.
func ParseOpFilter(s string) (OpFilter, error) {
	if s == "" || s == "all" {
		return FilterAll, nil
	}

	var f OpFilter
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "insert":
			f |= FilterInsert
		case "update":
			f |= FilterUpdate
		case "delete":
			f |= FilterDelete
		case "truncate":
			f |= FilterTruncate
		default:
			return 0, fmt.Errorf("unknown operation filter: %q", part)
		}
	}
	return f, nil
}

// Matches reports whether the filter admits the given operation code.
func (f OpFilter) Matches(op uint8) bool {
	switch op {
	case common.OpInsert:
		return f&FilterInsert != 0
	case common.OpUpdate:
		return f&FilterUpdate != 0
	case common.OpDelete:
		return f&FilterDelete != 0
	case common.OpTruncate:
		return f&FilterTruncate != 0
	default:
		return false
	}
}

func (f OpFilter) String() string {
	if f == FilterAll {
		return "all"
	}
	var parts []string
	if f&FilterInsert != 0 {
		parts = append(parts, "insert")
	}
	if f&FilterUpdate != 0 {
		parts = append(parts, "update")
	}
	if f&FilterDelete != 0 {
		parts = append(parts, "delete")
	}
	if f&FilterTruncate != 0 {
		parts = append(parts, "truncate")
	}
	return strings.Join(parts, ",")
}

// TableFilter is one resolved (table, operations) pair.
type TableFilter struct {
	Table string
	Ops   OpFilter
}

// NotFoundError is returned when a publication name does not resolve.
// Retryable: the publication may be recreated.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("publication not found: %s", e.Name)
}

// DuplicateError is returned when creating a publication name twice.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("publication already exists: %s", e.Name)
}

// InvalidPatternError is returned for table patterns that fail to compile.
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid table pattern %q: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

// TableCatalog lists the tables currently present on the primary. All-tables
// publications resolve against it at call time so late-created tables are
// picked up without any registry mutation.
type TableCatalog interface {
	ListTables() []string
}
