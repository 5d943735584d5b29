package cryptoutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDigester(t *testing.T) {
	t.Run("rejects an empty key", func(t *testing.T) {
		_, err := NewDigester("")
		require.Error(t, err)
	})
}

func TestDigester_SumCanonical(t *testing.T) {
	digester, err := NewDigester("secret")
	require.NoError(t, err)

	t.Run("is deterministic", func(t *testing.T) {
		a, err := digester.SumCanonical(json.RawMessage(`{"pairs":[{"id":1}]}`))
		require.NoError(t, err)
		b, err := digester.SumCanonical(json.RawMessage(`{"pairs":[{"id":1}]}`))
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 64) // hex-encoded SHA-256
	})

	t.Run("ignores whitespace and key order", func(t *testing.T) {
		a, err := digester.SumCanonical(json.RawMessage(`{"a":1,"b":2}`))
		require.NoError(t, err)
		b, err := digester.SumCanonical(json.RawMessage(`{ "b": 2, "a": 1 }`))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("differs for different content", func(t *testing.T) {
		a, err := digester.SumCanonical(json.RawMessage(`{"id":1}`))
		require.NoError(t, err)
		b, err := digester.SumCanonical(json.RawMessage(`{"id":2}`))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("differs per key", func(t *testing.T) {
		other, err := NewDigester("other-secret")
		require.NoError(t, err)
		a, err := digester.SumCanonical(json.RawMessage(`{"id":1}`))
		require.NoError(t, err)
		b, err := other.SumCanonical(json.RawMessage(`{"id":1}`))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := digester.SumCanonical(json.RawMessage(`{broken`))
		require.Error(t, err)
	})
}
