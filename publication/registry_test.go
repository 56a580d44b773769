package publication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream-db/slipstream/common"
)

type staticCatalog struct {
	tables []string
}

func (c *staticCatalog) ListTables() []string { return c.tables }

func TestParseOpFilter(t *testing.T) {
	f, err := ParseOpFilter("insert")
	require.NoError(t, err)
	assert.True(t, f.Matches(common.OpInsert))
	assert.False(t, f.Matches(common.OpUpdate))

	f, err = ParseOpFilter("insert,delete")
	require.NoError(t, err)
	assert.True(t, f.Matches(common.OpInsert))
	assert.True(t, f.Matches(common.OpDelete))
	assert.False(t, f.Matches(common.OpUpdate))

	f, err = ParseOpFilter("all")
	require.NoError(t, err)
	assert.True(t, f.Matches(common.OpTruncate))

	_, err = ParseOpFilter("upsert")
	assert.Error(t, err)
}

func TestResolveExplicitTables(t *testing.T) {
	r := NewRegistry(&staticCatalog{tables: []string{"users", "orders"}})

	require.NoError(t, r.Create("p", ModeTables))
	require.NoError(t, r.AddTable("p", "users", FilterInsert))
	require.NoError(t, r.AddTable("p", "orders", FilterAll))

	set, err := r.Resolve("p")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, TableFilter{Table: "orders", Ops: FilterAll}, set[0])
	assert.Equal(t, TableFilter{Table: "users", Ops: FilterInsert}, set[1])
}

func TestResolveAllTablesSeesLateTables(t *testing.T) {
	catalog := &staticCatalog{tables: []string{"users"}}
	r := NewRegistry(catalog)

	require.NoError(t, r.Create("everything", ModeAllTables))

	set, err := r.Resolve("everything")
	require.NoError(t, err)
	require.Len(t, set, 1)

	// Table created after the publication is picked up on the next resolve
	catalog.tables = append(catalog.tables, "audit_log")
	set, err = r.Resolve("everything")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, "audit_log", set[0].Table)
	assert.Equal(t, FilterAll, set[0].Ops)
}

func TestResolveGlobPattern(t *testing.T) {
	r := NewRegistry(&staticCatalog{tables: []string{"user_accounts", "user_sessions", "orders"}})

	require.NoError(t, r.Create("p", ModeTables))
	require.NoError(t, r.AddTable("p", "user_*", FilterInsert|FilterUpdate))

	set, err := r.Resolve("p")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, "user_accounts", set[0].Table)
	assert.Equal(t, "user_sessions", set[1].Table)
}

func TestAddTableIdempotent(t *testing.T) {
	r := NewRegistry(&staticCatalog{tables: []string{"users"}})
	require.NoError(t, r.Create("p", ModeTables))

	require.NoError(t, r.AddTable("p", "users", FilterInsert))
	require.NoError(t, r.AddTable("p", "users", FilterInsert))

	set, err := r.Resolve("p")
	require.NoError(t, err)
	assert.Len(t, set, 1)
}

func TestAddTableReplacesFilter(t *testing.T) {
	r := NewRegistry(&staticCatalog{tables: []string{"users"}})
	require.NoError(t, r.Create("p", ModeTables))

	require.NoError(t, r.AddTable("p", "users", FilterInsert))
	require.NoError(t, r.AddTable("p", "users", FilterAll))

	set, err := r.Resolve("p")
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, FilterAll, set[0].Ops)
}

func TestRemoveTable(t *testing.T) {
	r := NewRegistry(&staticCatalog{tables: []string{"users", "orders"}})
	require.NoError(t, r.Create("p", ModeTables))
	require.NoError(t, r.AddTable("p", "users", FilterAll))
	require.NoError(t, r.AddTable("p", "orders", FilterAll))

	require.NoError(t, r.RemoveTable("p", "users"))

	set, err := r.Resolve("p")
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "orders", set[0].Table)

	// Removing an absent pattern is a no-op
	require.NoError(t, r.RemoveTable("p", "users"))
}

func TestDropThenResolveNotFound(t *testing.T) {
	r := NewRegistry(&staticCatalog{})
	require.NoError(t, r.Create("p", ModeTables))
	require.NoError(t, r.Drop("p"))

	_, err := r.Resolve("p")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "publication not found: p", err.Error())
}

func TestCreateDuplicate(t *testing.T) {
	r := NewRegistry(&staticCatalog{})
	require.NoError(t, r.Create("p", ModeTables))

	err := r.Create("p", ModeAllTables)
	var dup *DuplicateError
	assert.ErrorAs(t, err, &dup)
}

func TestInvalidPattern(t *testing.T) {
	r := NewRegistry(&staticCatalog{})
	require.NoError(t, r.Create("p", ModeTables))

	err := r.AddTable("p", "user[", FilterAll)
	var invalid *InvalidPatternError
	assert.ErrorAs(t, err, &invalid)
}

func TestList(t *testing.T) {
	r := NewRegistry(&staticCatalog{})
	require.NoError(t, r.Create("beta", ModeTables))
	require.NoError(t, r.Create("alpha", ModeAllTables))
	require.NoError(t, r.AddTable("beta", "users", FilterInsert))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, ModeAllTables, infos[0].Mode)
	assert.Equal(t, "beta", infos[1].Name)
	require.Len(t, infos[1].Tables, 1)
	assert.Equal(t, "users", infos[1].Tables[0].Table)
}
