package xmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityMapper_Id(t *testing.T) {
	m, err := NewIdentityMapper()
	require.NoError(t, err, "expected mapper construction to succeed")

	id := m.Id("alice@example.com")
	assert.Len(t, id, 32, "expected a 32-char hex id")
	assert.Equal(t, id, m.Id("alice@example.com"), "expected the same address to map to the same id")
	assert.Equal(t, id, m.Id("Alice@Example.COM"), "expected ids to be case-insensitive")
	assert.Equal(t, id, m.Id("alice@example.com/phone"), "expected the resource part to be ignored")

	other := m.Id("bob@example.com")
	assert.NotEqual(t, id, other, "expected distinct addresses to map to distinct ids")
}

func TestIdentityMapper_Address(t *testing.T) {
	m, err := NewIdentityMapper()
	require.NoError(t, err, "expected mapper construction to succeed")

	id := m.Id("Alice@Example.com/desk")
	addr, ok := m.Address(id)
	assert.True(t, ok, "expected a reverse mapping for an issued id")
	assert.Equal(t, "alice@example.com", addr, "expected the lowercased bare address back")

	_, ok = m.Address("deadbeef")
	assert.False(t, ok, "expected no mapping for an unknown id")
}

func TestIdentityMapper_PerMapperNamespace(t *testing.T) {
	m1, err := NewIdentityMapper()
	require.NoError(t, err)
	m2, err := NewIdentityMapper()
	require.NoError(t, err)

	assert.NotEqual(t, m1.Id("alice@example.com"), m2.Id("alice@example.com"),
		"expected different mappers to issue different ids for the same address")
}
