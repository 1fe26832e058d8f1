package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// Metadata keys stamped by the Recorder.
const (
	MetaSessionID      = "session_id"
	MetaTimestamp      = "timestamp"
	MetaType           = "type"
	MetaConversationID = "conversation_id"
	MetaModality       = "modality"
	MetaRawData        = "raw_data"
)

var rememberKeywords = []string{"important", "remember", "重要", "记住"}

// Recorder attaches a conversation session to a Manager. It stamps session
// metadata on every add and records user/assistant exchanges.
type Recorder struct {
	mu sync.Mutex

	manager   *Manager
	now       func() time.Time
	entropy   *rand.Rand
	sessionID string
	turns     int
}

// NewRecorder creates a Recorder over m. The session starts lazily on the
// first write.
func NewRecorder(m *Manager, opts ...Option) *Recorder {
	s := newSettings(opts)
	return &Recorder{
		manager: m,
		now:     s.now,
		entropy: rand.New(rand.NewSource(s.now().UnixNano())),
	}
}

// SessionID returns the current session id, starting a session if needed.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session()
}

// Turns returns the number of recorded exchanges in the current session.
func (r *Recorder) Turns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns
}

func (r *Recorder) session() string {
	if r.sessionID == "" {
		r.sessionID = "session_" + ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String()
	}
	return r.sessionID
}

// AddWithSession adds req with session_id and timestamp metadata. For
// perceptual items with a filePath, modality is taken from modality or
// inferred from the file extension, and the path is kept as raw_data.
func (r *Recorder) AddWithSession(ctx context.Context, req AddRequest, filePath, modality string) (string, error) {
	r.mu.Lock()
	sessionID := r.session()
	now := r.now()
	r.mu.Unlock()

	req.Metadata = r.stamp(req.Metadata, sessionID, now)
	if req.Kind == TierPerceptual && filePath != "" {
		if modality == "" {
			modality = InferModality(filePath)
		}
		if _, ok := req.Metadata[MetaModality]; !ok {
			req.Metadata[MetaModality] = modality
		}
		if _, ok := req.Metadata[MetaRawData]; !ok {
			req.Metadata[MetaRawData] = filePath
		}
	}
	return r.manager.Add(ctx, req)
}

func (r *Recorder) stamp(metadata map[string]interface{}, sessionID string, now time.Time) map[string]interface{} {
	return mergeMetadata(metadata, map[string]interface{}{
		MetaSessionID: sessionID,
		MetaTimestamp: now.Format(time.RFC3339Nano),
	})
}

// Record stores one exchange. The user turn and the assistant turn go to
// working memory; the whole exchange is also kept as an episodic memory when
// the reply is longer than 100 characters or the user asked for it to be
// remembered. It returns the ids of the stored items.
func (r *Recorder) Record(ctx context.Context, user, assistant string) ([]string, error) {
	r.mu.Lock()
	r.turns++
	turn := r.turns
	r.mu.Unlock()

	type record struct {
		content    string
		kind       TierKind
		importance float64
		typ        string
	}
	records := []record{
		{content: "User: " + user, kind: TierWorking, importance: 0.6, typ: "user_input"},
		{content: "Assistant: " + assistant, kind: TierWorking, importance: 0.7, typ: "agent_response"},
	}
	_, episodic := r.manager.Tier(TierEpisodic)
	if episodic && (utf8.RuneCountInString(assistant) > 100 || containsAny(user, rememberKeywords)) {
		records = append(records, record{
			content:    fmt.Sprintf("Conversation - User: %s\nAssistant: %s", user, assistant),
			kind:       TierEpisodic,
			importance: 0.8,
			typ:        "interaction",
		})
	}

	var ids []string
	for _, rec := range records {
		importance := rec.importance
		id, err := r.AddWithSession(ctx, AddRequest{
			Content:    rec.content,
			Kind:       rec.kind,
			Importance: &importance,
			Metadata: map[string]interface{}{
				MetaType:           rec.typ,
				MetaConversationID: turn,
			},
		}, "", "")
		if err != nil {
			return ids, fmt.Errorf("record %s turn %d: %w", rec.typ, turn, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ClearSession ends the current session and empties working memory.
// Long-term tiers are left untouched.
func (r *Recorder) ClearSession(ctx context.Context) error {
	r.mu.Lock()
	r.sessionID = ""
	r.turns = 0
	r.mu.Unlock()

	t, ok := r.manager.Tier(TierWorking)
	if !ok {
		return nil
	}
	r.manager.mu.Lock()
	defer r.manager.mu.Unlock()
	return t.Clear(ctx)
}
