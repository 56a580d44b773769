package common

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// nullSentinel marks NULL/absent primary key values inside a row key digest.
const nullSentinel = "\x00NULL\x00"

// RowKey produces a deterministic 64-bit identity for a row from its table
// name and primary key values. Columns are hashed in sorted order so the key
// is stable regardless of map iteration order. Used by the destination layer
// to correlate snapshot rows with streamed changes.
func RowKey(table string, pkColumns []string, pkValues map[string][]byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(table)

	cols := make([]string, len(pkColumns))
	copy(cols, pkColumns)
	sort.Strings(cols)

	for _, col := range cols {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(col)
		_, _ = d.WriteString("=")
		if v, ok := pkValues[col]; ok && v != nil {
			_, _ = d.Write(v)
		} else {
			_, _ = d.WriteString(nullSentinel)
		}
	}
	return d.Sum64()
}
