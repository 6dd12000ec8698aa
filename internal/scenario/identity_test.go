package scenario

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewIdentity("User")
		require.NoError(t, err)
		assert.Len(t, id.ID, 42)
		assert.True(t, ValidID(id.ID), id.ID)
		assert.False(t, seen[id.ID], "duplicate identity %s", id.ID)
		seen[id.ID] = true
	}
}

func TestIdentityJSONShape(t *testing.T) {
	id := Identity{ID: "0x" + "ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12", Name: "User"}
	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":"0xab12ab12ab12ab12ab12ab12ab12ab12ab12ab12","Name":"User"}`, string(data))
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("0x0123456789abcdef0123456789abcdef01234567"))
	assert.False(t, ValidID("0123456789abcdef0123456789abcdef01234567"))
	assert.False(t, ValidID("0x0123456789abcdef0123456789abcdef0123456"))
	assert.False(t, ValidID("0x0123456789abcdef0123456789abcdef012345678"))
	assert.False(t, ValidID("0x0123456789abcdef0123456789abcdef0123456g"))
	assert.False(t, ValidID(""))
}
