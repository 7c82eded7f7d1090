package numpad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllKeysCount(t *testing.T) {
	assert.Len(t, AllKeys, 26)
	assert.Len(t, knownKeys, 26)
}

func TestQueryCommand(t *testing.T) {
	assert.Equal(t, "_QUERY_HOME_ALL", QueryCommand("_HOME_ALL"))
	assert.Equal(t, "_QUERY_PRINT_START", QueryCommand("PRINT_START"))
}

func TestNewKeyMap(t *testing.T) {
	m, err := NewKeyMap(map[string]string{
		"key_1":     "  LOAD_FILAMENT ",
		"key_2":     "",
		"key_9_alt": "_PREHEAT",
	})
	require.NoError(t, err)

	assert.Equal(t, "LOAD_FILAMENT", m.Command(Key1))
	assert.Equal(t, "_QUERY_LOAD_FILAMENT", m.Query(Key1))
	assert.Equal(t, "_QUERY_PREHEAT", m.Query(Key9Alt))

	// empty and missing both fall back to the placeholder
	assert.Equal(t, "_NO_ASSIGNED_MACRO KEY=key_2", m.Command(Key2))
	assert.Equal(t, "_NO_ASSIGNED_MACRO KEY=key_2", m.Query(Key2))
	assert.Equal(t, "_NO_ASSIGNED_MACRO KEY=key_dot", m.Query(KeyDot))

	cmds := m.Commands()
	assert.Len(t, cmds, 26)
	cmds["key_1"] = "MUTATED"
	assert.Equal(t, "LOAD_FILAMENT", m.Command(Key1))
}

func TestNewKeyMapRejectsUnknownKeys(t *testing.T) {
	_, err := NewKeyMap(map[string]string{"key_11": "FOO"})
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestParseKeySet(t *testing.T) {
	s, err := ParseKeySet(" key_up, key_down ,,")
	require.NoError(t, err)
	assert.True(t, s.Has(KeyUp))
	assert.True(t, s.Has(KeyDown))
	assert.False(t, s.Has(KeyEnter))
	assert.Equal(t, []string{"key_down", "key_up"}, s.Strings())

	_, err = ParseKeySet("key_up,enter")
	require.ErrorIs(t, err, ErrUnknownKey)
}
