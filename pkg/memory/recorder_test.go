package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRecord(t *testing.T) {
	m := newTestManager(t, nil)
	r := NewRecorder(m)
	ctx := context.Background()

	ids, err := r.Record(ctx, "what time is standup?", "10am")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, 1, r.Turns())

	user, err := m.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "User: what time is standup?", user.Content)
	assert.Equal(t, TierWorking, user.Kind)
	assert.InDelta(t, 0.6, user.Importance, 1e-9)
	assert.Equal(t, "user_input", user.Metadata[MetaType])
	assert.Equal(t, 1, user.Metadata[MetaConversationID])
	assert.Equal(t, r.SessionID(), user.Metadata[MetaSessionID])
	assert.True(t, strings.HasPrefix(r.SessionID(), "session_"))

	reply, err := m.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.InDelta(t, 0.7, reply.Importance, 1e-9)
	assert.Equal(t, "agent_response", reply.Metadata[MetaType])
}

func TestRecorderKeepsImportantExchanges(t *testing.T) {
	m := newTestManager(t, nil)
	r := NewRecorder(m)
	ctx := context.Background()

	ids, err := r.Record(ctx, "please remember my badge number is 42", "noted")
	require.NoError(t, err)
	require.Len(t, ids, 3)

	ep, err := m.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, TierEpisodic, ep.Kind)
	assert.InDelta(t, 0.8, ep.Importance, 1e-9)
	assert.Equal(t, "Conversation - User: please remember my badge number is 42\nAssistant: noted", ep.Content)

	ids, err = r.Record(ctx, "explain", strings.Repeat("long answer ", 10))
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 2, r.Turns())
}

func TestRecorderWithoutEpisodicTier(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.EnabledTiers = []TierKind{TierWorking} })
	r := NewRecorder(m)

	ids, err := r.Record(context.Background(), "remember this", strings.Repeat("x", 200))
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestRecorderAddWithSessionPerceptual(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.EnabledTiers = []TierKind{TierWorking, TierPerceptual}
	})
	r := NewRecorder(m)
	ctx := context.Background()

	id, err := r.AddWithSession(ctx, AddRequest{Content: "whiteboard photo", Kind: TierPerceptual}, "/tmp/board.jpg", "")
	require.NoError(t, err)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "image", got.Metadata[MetaModality])
	assert.Equal(t, "/tmp/board.jpg", got.Metadata[MetaRawData])
	assert.NotEmpty(t, got.Metadata[MetaTimestamp])

	id, err = r.AddWithSession(ctx, AddRequest{Content: "voice memo", Kind: TierPerceptual}, "/tmp/memo.bin", "audio")
	require.NoError(t, err)
	got, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "audio", got.Metadata[MetaModality])
}

func TestRecorderClearSession(t *testing.T) {
	m := newTestManager(t, nil)
	r := NewRecorder(m)
	ctx := context.Background()

	_, err := r.Record(ctx, "remember the deadline", "it is on the 3rd")
	require.NoError(t, err)
	first := r.SessionID()

	require.NoError(t, r.ClearSession(ctx))
	assert.Zero(t, r.Turns())

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Tiers[TierWorking].Count)
	assert.Equal(t, 1, stats.Tiers[TierEpisodic].Count)
	assert.NotEqual(t, first, r.SessionID())
}
