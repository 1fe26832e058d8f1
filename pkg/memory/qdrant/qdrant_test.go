package qdrant

import (
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

func TestPayloadRoundTrip(t *testing.T) {
	created := time.Date(2024, 7, 4, 10, 0, 0, 42, time.UTC)
	item := memory.Item{
		ID:         "a4b1a0a6-5e8e-4c55-9d1f-3e8f4a2b7c11",
		Content:    "the on-call rotation changes on Monday",
		Kind:       memory.TierEpisodic,
		OwnerID:    "alice",
		CreatedAt:  created,
		Importance: 0.75,
		Metadata:   map[string]interface{}{"session_id": "session_1", "turn": 2},
	}

	payload, err := qdrant.TryValueMap(toPayload(item))
	require.NoError(t, err)

	got, err := fromPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, item.Content, got.Content)
	assert.Equal(t, item.Kind, got.Kind)
	assert.Equal(t, item.OwnerID, got.OwnerID)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.InDelta(t, 0.75, got.Importance, 1e-12)
	assert.Equal(t, "session_1", got.Metadata["session_id"])
	assert.Equal(t, float64(2), got.Metadata["turn"])
}

func TestFromPayloadRequiresID(t *testing.T) {
	_, err := fromPayload(qdrant.NewValueMap(map[string]any{fieldContent: "orphan"}))
	assert.Error(t, err)
}

func TestPointID(t *testing.T) {
	u := "a4b1a0a6-5e8e-4c55-9d1f-3e8f4a2b7c11"
	assert.Equal(t, u, pointID(u).GetUuid())

	derived := pointID("imported-42").GetUuid()
	assert.NotEmpty(t, derived)
	assert.Equal(t, derived, pointID("imported-42").GetUuid())
	assert.NotEqual(t, derived, pointID("imported-43").GetUuid())
}

func TestSearchFilter(t *testing.T) {
	assert.Nil(t, searchFilter(memory.SearchRequest{Text: "x"}))

	f := searchFilter(memory.SearchRequest{OwnerID: "bob", MinImportance: 0.4})
	require.NotNil(t, f)
	require.Len(t, f.GetMust(), 2)
	assert.Equal(t, fieldOwner, f.GetMust()[0].GetField().GetKey())
	assert.Equal(t, "bob", f.GetMust()[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, 0.4, f.GetMust()[1].GetField().GetRange().GetGte())
}
