package memory

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Observer receives engine events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Added(kind TierKind)
	Evicted(kind TierKind, reason string, n int)
	Forgotten(kind TierKind, strategy ForgetStrategy, n int)
	Consolidated(from, to TierKind, n int)
	Size(kind TierKind, n int)
}

// Eviction reasons reported to Observer.Evicted.
const (
	EvictTTL      = "ttl"
	EvictCapacity = "capacity"
	EvictTokens   = "token_budget"
)

type nopObserver struct{}

func (nopObserver) Added(TierKind) {}
func (nopObserver) Evicted(TierKind, string, int) {}
func (nopObserver) Forgotten(TierKind, ForgetStrategy, int) {}
func (nopObserver) Consolidated(TierKind, TierKind, int) {}
func (nopObserver) Size(TierKind, int) {}

type settings struct {
	now        func() time.Time
	similarity SimilarityProvider
	observer   Observer
	logger     *slog.Logger
	tracer     trace.Tracer
	tiers      []Tier
}

// Option configures tiers and the Manager. Tiers ignore options that do not
// apply to them.
type Option func(*settings)

func newSettings(opts []Option) *settings {
	s := &settings{
		now:      time.Now,
		observer: nopObserver{},
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSimilarity plugs in an external semantic similarity source.
func WithSimilarity(p SimilarityProvider) Option {
	return func(s *settings) { s.similarity = p }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(s *settings) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer used for Manager spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithTier makes the Manager use t for its kind instead of the default
// implementation. The kind must also be enabled in Config.
func WithTier(t Tier) Option {
	return func(s *settings) { s.tiers = append(s.tiers, t) }
}
