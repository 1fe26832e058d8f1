// Package qdrant stores long-term memory tiers in Qdrant collections, one
// collection per tier kind, and ranks candidates by vector similarity.
package qdrant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/wanglei99999/ai-agent-learning/pkg/embedding"
	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

const (
	defaultPrefix   = "memory_"
	defaultTopK     = 100
	scrollPageSize  = 256
	maxRecvMsgBytes = 32 << 20
)

// Payload keys.
const (
	fieldID         = "id"
	fieldContent    = "content"
	fieldTier       = "tier_kind"
	fieldOwner      = "owner_id"
	fieldCreatedAt  = "created_at"
	fieldImportance = "importance"
	fieldMetadata   = "metadata_json"
)

// idNamespace derives point UUIDs for item ids that are not UUIDs.
var idNamespace = uuid.MustParse("6f1c3f4e-8d0b-4d6a-9a55-0b7e5d2c9a10")

// Config holds connection settings.
type Config struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	APIKey           string `mapstructure:"api_key"`
	UseTLS           bool   `mapstructure:"use_tls"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

// Store owns the Qdrant client shared by all tier backends.
type Store struct {
	client   *qdrant.Client
	embedder embedding.Embedder
	prefix   string

	mu     sync.Mutex
	refs   int
	closed bool
}

// Open connects to Qdrant. Vectors are produced by embedder.
func Open(cfg Config, embedder embedding.Embedder) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = defaultPrefix
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgBytes)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	return &Store{client: client, embedder: embedder, prefix: cfg.CollectionPrefix, refs: 1}, nil
}

// Backend returns a memory.Backend for kind, creating its collection when
// missing.
func (s *Store) Backend(ctx context.Context, kind memory.TierKind) (*Backend, error) {
	b := &Backend{store: s, kind: kind, collection: s.prefix + string(kind)}
	if err := b.ensureCollection(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	return b, nil
}

// Close releases the Store's own reference to the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.release()
}

func (s *Store) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	return s.client.Close()
}

// Backend is a tier-scoped Qdrant collection.
type Backend struct {
	store      *Store
	kind       memory.TierKind
	collection string
	closed     bool
}

var _ memory.Backend = (*Backend)(nil)

func (b *Backend) Name() string { return "qdrant" }

func (b *Backend) ensureCollection(ctx context.Context) error {
	exists, err := b.store.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", b.collection, err)
	}
	if exists {
		return nil
	}
	err = b.store.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(b.store.embedder.Dims()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", b.collection, err)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, item memory.Item) error {
	vec, err := b.store.embedder.Embed(ctx, item.Content)
	if err != nil {
		return fmt.Errorf("embed item %s: %w", item.ID, err)
	}
	item.Kind = b.kind
	payload, err := qdrant.TryValueMap(toPayload(item))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = b.store.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(item.ID),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (memory.Item, bool, error) {
	points, err := b.store.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: b.collection,
		Ids:            []*qdrant.PointId{pointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return memory.Item{}, false, fmt.Errorf("get point: %w", err)
	}
	if len(points) == 0 {
		return memory.Item{}, false, nil
	}
	it, err := fromPayload(points[0].GetPayload())
	if err != nil {
		return memory.Item{}, false, err
	}
	return it, true, nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	_, ok, err := b.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	_, err = b.store.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointID(id)),
	})
	if err != nil {
		return false, fmt.Errorf("delete point: %w", err)
	}
	return true, nil
}

// Search ranks points by cosine similarity to the query text. Without
// query text it falls back to a filtered scroll.
func (b *Backend) Search(ctx context.Context, req memory.SearchRequest) ([]memory.Candidate, error) {
	filter := searchFilter(req)
	if req.Text == "" {
		items, err := b.scroll(ctx, filter)
		if err != nil {
			return nil, err
		}
		out := make([]memory.Candidate, len(items))
		for i, it := range items {
			out[i] = memory.Candidate{Item: it}
		}
		return out, nil
	}

	vec, err := b.store.embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultTopK
	}
	points, err := b.store.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQuery(vec...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	out := make([]memory.Candidate, 0, len(points))
	for _, p := range points {
		it, err := fromPayload(p.GetPayload())
		if err != nil {
			return nil, err
		}
		out = append(out, memory.Candidate{Item: it, Similarity: float64(p.GetScore()), HasSimilarity: true})
	}
	return out, nil
}

// List returns every item ordered by creation time.
func (b *Backend) List(ctx context.Context) ([]memory.Item, error) {
	return b.scroll(ctx, nil)
}

func (b *Backend) scroll(ctx context.Context, filter *qdrant.Filter) ([]memory.Item, error) {
	var (
		items  []memory.Item
		offset *qdrant.PointId
	)
	for {
		points, next, err := b.store.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: b.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll points: %w", err)
		}
		for _, p := range points {
			it, err := fromPayload(p.GetPayload())
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	n, err := b.store.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: b.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return int(n), nil
}

// Clear drops and recreates the tier's collection.
func (b *Backend) Clear(ctx context.Context) error {
	if err := b.store.client.DeleteCollection(ctx, b.collection); err != nil {
		return fmt.Errorf("drop collection %s: %w", b.collection, err)
	}
	return b.ensureCollection(ctx)
}

// Close releases this backend's reference to the Store. It is idempotent.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.store.release()
}

func searchFilter(req memory.SearchRequest) *qdrant.Filter {
	var must []*qdrant.Condition
	if req.OwnerID != "" {
		must = append(must, qdrant.NewMatch(fieldOwner, req.OwnerID))
	}
	if req.MinImportance > 0 {
		must = append(must, qdrant.NewRange(fieldImportance, &qdrant.Range{Gte: qdrant.PtrOf(req.MinImportance)}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// pointID maps an item id onto a Qdrant UUID point id. UUIDs are used as-is;
// anything else gets a stable name-based UUID.
func pointID(id string) *qdrant.PointId {
	if u, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(u.String())
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(idNamespace, []byte(id)).String())
}

func toPayload(it memory.Item) map[string]any {
	payload := map[string]any{
		fieldID:         it.ID,
		fieldContent:    it.Content,
		fieldTier:       string(it.Kind),
		fieldOwner:      it.OwnerID,
		fieldCreatedAt:  it.CreatedAt.UnixNano(),
		fieldImportance: it.Importance,
		fieldMetadata:   "{}",
	}
	if len(it.Metadata) > 0 {
		if raw, err := json.Marshal(it.Metadata); err == nil {
			payload[fieldMetadata] = string(raw)
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) (memory.Item, error) {
	it := memory.Item{
		ID:         payload[fieldID].GetStringValue(),
		Content:    payload[fieldContent].GetStringValue(),
		Kind:       memory.TierKind(payload[fieldTier].GetStringValue()),
		OwnerID:    payload[fieldOwner].GetStringValue(),
		CreatedAt:  time.Unix(0, payload[fieldCreatedAt].GetIntegerValue()).UTC(),
		Importance: payload[fieldImportance].GetDoubleValue(),
	}
	if it.ID == "" {
		return memory.Item{}, fmt.Errorf("point payload has no %s", fieldID)
	}
	if raw := payload[fieldMetadata].GetStringValue(); raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &it.Metadata); err != nil {
			return memory.Item{}, fmt.Errorf("decode metadata for %s: %w", it.ID, err)
		}
	}
	return it, nil
}
