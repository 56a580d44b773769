package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowKeyDeterministic(t *testing.T) {
	vals := map[string][]byte{"id": []byte("42"), "region": []byte("eu")}

	k1 := RowKey("users", []string{"id", "region"}, vals)
	k2 := RowKey("users", []string{"region", "id"}, vals)

	// Column order must not matter
	assert.Equal(t, k1, k2)
}

func TestRowKeyDistinguishesTables(t *testing.T) {
	vals := map[string][]byte{"id": []byte("1")}

	assert.NotEqual(t,
		RowKey("users", []string{"id"}, vals),
		RowKey("orders", []string{"id"}, vals))
}

func TestRowKeyNullValue(t *testing.T) {
	withVal := RowKey("users", []string{"id"}, map[string][]byte{"id": []byte("1")})
	withNil := RowKey("users", []string{"id"}, map[string][]byte{"id": nil})
	missing := RowKey("users", []string{"id"}, map[string][]byte{})

	assert.NotEqual(t, withVal, withNil)
	assert.Equal(t, withNil, missing)
}

func TestOperationName(t *testing.T) {
	assert.Equal(t, "insert", OperationName(OpInsert))
	assert.Equal(t, "update", OperationName(OpUpdate))
	assert.Equal(t, "delete", OperationName(OpDelete))
	assert.Equal(t, "truncate", OperationName(OpTruncate))
	assert.Equal(t, "unknown(9)", OperationName(9))
}
