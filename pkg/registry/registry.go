// Package registry maintains a cached catalog of the service's models. The
// catalog is fetched lazily on first use, cached for an hour, and swapped
// atomically so readers never observe a partial refresh.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cecil-the-coder/groq-client-kit/pkg/ratelimit"
	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// DefaultFetchInterval is how long a fetched catalog stays fresh.
const DefaultFetchInterval = time.Hour

// CatalogFetcher retrieves the raw model catalog from the service. The
// registry filters and classifies what the fetcher returns.
type CatalogFetcher interface {
	FetchModels(ctx context.Context) ([]types.Model, error)
}

// ClassifyModelID derives the model kind from its identifier. Models whose
// id contains "whisper" serve transcription; everything else is treated as
// a chat model.
func ClassifyModelID(id string) types.ModelKind {
	if strings.Contains(strings.ToLower(id), "whisper") {
		return types.KindSpeechToText
	}
	return types.KindChat
}

// Registry is a thread-safe, lazily refreshed model catalog. A nil fetcher
// produces a registry that is permanently empty but never errors on
// refresh; lookups against it fail with an invalid model error.
type Registry struct {
	fetcher       CatalogFetcher
	clock         ratelimit.Clock
	logger        *slog.Logger
	fetchInterval time.Duration

	mu        sync.RWMutex
	models    map[string]types.Model
	lastFetch time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the time source, for tests.
func WithClock(c ratelimit.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the structured logger used for refresh events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithFetchInterval overrides how long a fetched catalog stays fresh.
func WithFetchInterval(d time.Duration) Option {
	return func(r *Registry) { r.fetchInterval = d }
}

// New creates a Registry backed by the given fetcher.
func New(fetcher CatalogFetcher, opts ...Option) *Registry {
	r := &Registry{
		fetcher:       fetcher,
		clock:         ratelimit.RealClock{},
		logger:        slog.Default(),
		fetchInterval: DefaultFetchInterval,
		models:        make(map[string]types.Model),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh forces a catalog fetch regardless of cache age. Only active
// models are kept; each is classified by its id. On error the previously
// cached catalog remains in place.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.fetcher == nil {
		return nil
	}

	fetched, err := r.fetcher.FetchModels(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]types.Model, len(fetched))
	for _, m := range fetched {
		if m.ID == "" || !m.Active {
			continue
		}
		m.Kind = ClassifyModelID(m.ID)
		next[m.ID] = m
	}

	r.mu.Lock()
	r.models = next
	r.lastFetch = r.clock.Now()
	r.mu.Unlock()

	r.logger.Debug("model catalog refreshed", "models", len(next))
	return nil
}

// Populate seeds the catalog directly, bypassing the fetcher. The same
// filtering and classification as Refresh applies, and the cache is
// considered fresh afterwards. Intended for tests and offline use.
func (r *Registry) Populate(models []types.Model) {
	next := make(map[string]types.Model, len(models))
	for _, m := range models {
		if m.ID == "" || !m.Active {
			continue
		}
		m.Kind = ClassifyModelID(m.ID)
		next[m.ID] = m
	}

	r.mu.Lock()
	r.models = next
	r.lastFetch = r.clock.Now()
	r.mu.Unlock()
}

// ensureFresh refreshes the catalog when it has never been fetched or the
// cache interval has elapsed. Refresh failures are logged and the stale
// catalog stays in service.
func (r *Registry) ensureFresh(ctx context.Context) {
	if r.fetcher == nil {
		return
	}

	r.mu.RLock()
	stale := r.lastFetch.IsZero() || r.clock.Now().Sub(r.lastFetch) >= r.fetchInterval
	r.mu.RUnlock()

	if !stale {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("model catalog refresh failed", "error", err)
	}
}

// Get returns the descriptor for the given model id, refreshing the
// catalog first if it is stale.
func (r *Registry) Get(ctx context.Context, id string) (types.Model, error) {
	if id == "" {
		return types.Model{}, types.NewValidationError("model", "model cannot be empty")
	}

	r.ensureFresh(ctx)

	r.mu.RLock()
	m, ok := r.models[id]
	r.mu.RUnlock()

	if !ok {
		return types.Model{}, types.NewInvalidModelError(id, "model '"+id+"' not found in registry")
	}
	return m, nil
}

// Has reports whether the model id is in the catalog.
func (r *Registry) Has(ctx context.Context, id string) bool {
	_, err := r.Get(ctx, id)
	return err == nil
}

// List returns all cataloged models sorted by id.
func (r *Registry) List(ctx context.Context) []types.Model {
	return r.ListByKind(ctx, "")
}

// ListByKind returns the cataloged models of the given kind sorted by id.
// An empty kind matches everything.
func (r *Registry) ListByKind(ctx context.Context, kind types.ModelKind) []types.Model {
	r.ensureFresh(ctx)

	r.mu.RLock()
	out := make([]types.Model, 0, len(r.models))
	for _, m := range r.models {
		if kind == "" || m.Kind == kind {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ContextWindow returns the model's context window in tokens. Zero means
// the catalog does not report one for this model.
func (r *Registry) ContextWindow(ctx context.Context, id string) (int, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.ContextWindow, nil
}

// MaxCompletionTokens returns the model's completion token cap. Zero
// means the catalog does not report one for this model.
func (r *Registry) MaxCompletionTokens(ctx context.Context, id string) (int, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.MaxCompletionTokens, nil
}

// IsChatModel reports whether the id names a cataloged chat model.
func (r *Registry) IsChatModel(ctx context.Context, id string) bool {
	m, err := r.Get(ctx, id)
	return err == nil && m.Kind == types.KindChat
}

// IsSpeechToTextModel reports whether the id names a cataloged
// transcription model.
func (r *Registry) IsSpeechToTextModel(ctx context.Context, id string) bool {
	m, err := r.Get(ctx, id)
	return err == nil && m.Kind == types.KindSpeechToText
}

// CacheInfo describes the state of the catalog cache.
type CacheInfo struct {
	LastFetch     time.Time     `json:"last_fetch"`
	FetchInterval time.Duration `json:"fetch_interval"`
	ModelCount    int           `json:"model_count"`
	CacheAge      time.Duration `json:"cache_age"`
	HasFetcher    bool          `json:"has_fetcher"`
}

// CacheInfo returns the current cache state without refreshing.
func (r *Registry) CacheInfo() CacheInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := CacheInfo{
		LastFetch:     r.lastFetch,
		FetchInterval: r.fetchInterval,
		ModelCount:    len(r.models),
		HasFetcher:    r.fetcher != nil,
	}
	if !r.lastFetch.IsZero() {
		info.CacheAge = r.clock.Now().Sub(r.lastFetch)
	}
	return info
}

// Summary aggregates catalog counts per kind.
type Summary struct {
	TotalModels int       `json:"total_models"`
	ChatModels  []string  `json:"chat_models"`
	STTModels   []string  `json:"stt_models"`
	Cache       CacheInfo `json:"cache"`
}

// Summarize returns per-kind model id lists and cache state, refreshing
// first if stale.
func (r *Registry) Summarize(ctx context.Context) Summary {
	var s Summary
	for _, m := range r.ListByKind(ctx, types.KindChat) {
		s.ChatModels = append(s.ChatModels, m.ID)
	}
	for _, m := range r.ListByKind(ctx, types.KindSpeechToText) {
		s.STTModels = append(s.STTModels, m.ID)
	}
	s.TotalModels = len(s.ChatModels) + len(s.STTModels)
	s.Cache = r.CacheInfo()
	return s
}
