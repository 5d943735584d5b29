package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultRecord_IsEmpty(t *testing.T) {
	assert.True(t, ResultRecord(nil).IsEmpty())
	assert.True(t, ResultRecord(``).IsEmpty())
	assert.True(t, ResultRecord(`  `).IsEmpty())
	assert.True(t, ResultRecord(`null`).IsEmpty())
	assert.False(t, ResultRecord(`{}`).IsEmpty())
	assert.False(t, ResultRecord(`{"pairs":[]}`).IsEmpty())
}

func TestEnvelope_MarshalJSON(t *testing.T) {
	t.Run("flattens metadata into the top level", func(t *testing.T) {
		env := Envelope{
			Source:  "graphql-events",
			Type:    "pairs",
			Message: ResultRecord(`{"pairs":[{"id":1}]}`),
			Metadata: map[string]any{
				"schema":  "pair-event",
				"network": "mainnet",
			},
		}

		raw, err := json.Marshal(env)
		require.NoError(t, err)

		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, "graphql-events", out["source"])
		assert.Equal(t, "pairs", out["type"])
		assert.Equal(t, "pair-event", out["schema"])
		assert.Equal(t, "mainnet", out["network"])
		assert.NotNil(t, out["message"])
		assert.NotContains(t, out, "metadata")
	})

	t.Run("metadata cannot override reserved keys", func(t *testing.T) {
		env := Envelope{
			Source:  "graphql-events",
			Type:    "pairs",
			Message: ResultRecord(`{"id":1}`),
			Metadata: map[string]any{
				"source": "spoofed",
				"type":   "spoofed",
			},
		}

		raw, err := json.Marshal(env)
		require.NoError(t, err)

		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, "graphql-events", out["source"])
		assert.Equal(t, "pairs", out["type"])
	})

	t.Run("embeds the message as raw json", func(t *testing.T) {
		env := Envelope{
			Source:  "graphql-events",
			Type:    "pairs",
			Message: ResultRecord(`{"pairs":[{"id":1}]}`),
		}

		raw, err := json.Marshal(env)
		require.NoError(t, err)

		var out struct {
			Message struct {
				Pairs []map[string]any `json:"pairs"`
			} `json:"message"`
		}
		require.NoError(t, json.Unmarshal(raw, &out))
		require.Len(t, out.Message.Pairs, 1)
	})
}
