// Package modelcache holds at most one loaded model per process and reloads
// it when the requested configuration key changes.
//
// Loads are serialized: a size-1 semaphore guards the check-load-return
// sequence, so two callers never load concurrently and nobody is handed a
// half-initialized model. Handles are reference counted through leases; an
// evicted handle stays alive until its last lease is released.
package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
	"mediagw/internal/inference"
)

// State represents the lifecycle state of the cache slot.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("model cache closed")

var (
	modelLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagw",
		Name:      "model_loads_total",
		Help:      "Model loads by outcome",
	}, []string{"service", "outcome"})
	modelLoadSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediagw",
		Name:      "model_load_seconds",
		Help:      "Time spent loading a model",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"service"})
	modelEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagw",
		Name:      "model_evictions_total",
		Help:      "Cached models evicted by a key change, unload or shutdown",
	}, []string{"service"})
	modelLoaded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediagw",
		Name:      "model_loaded",
		Help:      "1 when a model is cached",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(modelLoads, modelLoadSeconds, modelEvictions, modelLoaded)
}

// Snapshot is a read-only projection of the cache state.
type Snapshot struct {
	State      State  `json:"state"`
	Key        string `json:"key,omitempty"`
	Loaded     bool   `json:"loaded"`
	Inflight   int    `json:"inflight"`
	LastError  string `json:"last_error,omitempty"`
	LoadsTotal int64  `json:"loads_total"`
	Evictions  int64  `json:"evictions_total"`
	LoadingKey string `json:"loading_key,omitempty"`
}

type slot struct {
	key     string
	model   inference.Model
	refs    int
	evicted bool
}

// Cache is the single-slot model cache. It is safe for concurrent use.
type Cache struct {
	service   string
	loader    inference.Loader
	logger    zerolog.Logger
	publisher EventPublisher

	sem chan struct{}

	mu         sync.Mutex
	state      State
	cur        *slot
	loadingKey string
	lastErr    string
	inflight   int
	loads      int64
	evictions  int64
	closed     bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for load and unload transitions.
func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithPublisher installs an EventPublisher.
func WithPublisher(p EventPublisher) Option {
	return func(c *Cache) {
		if p != nil {
			c.publisher = p
		}
	}
}

// New returns an empty cache that loads through loader.
func New(service string, loader inference.Loader, opts ...Option) *Cache {
	c := &Cache{
		service:   service,
		loader:    loader,
		logger:    zerolog.Nop(),
		publisher: noopPublisher{},
		sem:       make(chan struct{}, 1),
		state:     StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	modelLoaded.WithLabelValues(service).Set(0)
	return c
}

// Lease borrows a cached model for one call.
type Lease struct {
	c    *Cache
	s    *slot
	once sync.Once
}

// Key returns the configuration key the leased model was loaded with.
func (l *Lease) Key() string { return l.s.key }

// Model returns the borrowed handle. It must not be used after Release.
func (l *Lease) Model() inference.Model { return l.s.model }

// Invoke forwards one call to the leased model.
func (l *Lease) Invoke(ctx context.Context, call inference.Call) (json.RawMessage, error) {
	return l.s.model.Invoke(ctx, call)
}

// Release returns the lease. Only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() { l.c.release(l.s) })
}

func (c *Cache) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) unlock() { <-c.sem }

// Acquire resolves key to a ready model, loading it when the slot is empty
// or holds a different key. It blocks for the duration of a load.
func (c *Cache) Acquire(ctx context.Context, key string) (*Lease, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if s := c.cur; s != nil && s.key == key {
		s.refs++
		c.inflight++
		c.mu.Unlock()
		return &Lease{c: c, s: s}, nil
	}
	stale := c.detachLocked()
	c.state = StateLoading
	c.loadingKey = key
	c.mu.Unlock()

	c.closeStale(stale, "replace")
	return c.load(ctx, key)
}

func (c *Cache) load(ctx context.Context, key string) (*Lease, error) {
	c.logger.Info().Str("service", c.service).Str("key", key).Msg("model load start")
	c.publisher.Publish(Event{Name: "load_start", Key: key, Fields: map[string]any{}})
	start := time.Now()

	m, err := c.loader.Load(ctx, key)
	dur := time.Since(start)
	modelLoadSeconds.WithLabelValues(c.service).Observe(dur.Seconds())

	c.mu.Lock()
	c.loads++
	c.loadingKey = ""
	if err != nil {
		c.state = StateError
		c.lastErr = err.Error()
		c.mu.Unlock()
		modelLoads.WithLabelValues(c.service, "error").Inc()
		c.logger.Error().Err(err).Str("service", c.service).Str("key", key).Dur("dur", dur).Msg("model load failed")
		c.publisher.Publish(Event{Name: "load_error", Key: key, Fields: map[string]any{"error": err.Error()}})
		return nil, apierr.LoadFailure(key, err)
	}
	s := &slot{key: key, model: m, refs: 1}
	c.cur = s
	c.inflight++
	c.state = StateReady
	c.lastErr = ""
	c.mu.Unlock()

	modelLoads.WithLabelValues(c.service, "ok").Inc()
	modelLoaded.WithLabelValues(c.service).Set(1)
	c.logger.Info().Str("service", c.service).Str("key", key).Dur("dur", dur).Msg("model ready")
	c.publisher.Publish(Event{Name: "load_ready", Key: key, Fields: map[string]any{"dur_ms": int(dur / time.Millisecond)}})
	return &Lease{c: c, s: s}, nil
}

// detachLocked clears the slot and returns the old model when nobody holds
// it. Callers must hold c.mu.
func (c *Cache) detachLocked() *slot {
	s := c.cur
	if s == nil {
		return nil
	}
	c.cur = nil
	s.evicted = true
	c.evictions++
	modelEvictions.WithLabelValues(c.service).Inc()
	modelLoaded.WithLabelValues(c.service).Set(0)
	c.publisher.Publish(Event{Name: "evict", Key: s.key, Fields: map[string]any{"refs": s.refs}})
	if s.refs > 0 {
		return nil
	}
	return s
}

func (c *Cache) closeStale(s *slot, reason string) {
	if s == nil {
		return
	}
	if err := s.model.Close(); err != nil {
		c.logger.Warn().Err(err).Str("service", c.service).Str("key", s.key).Msg("model close failed")
	}
	c.logger.Info().Str("service", c.service).Str("key", s.key).Str("reason", reason).Msg("model unloaded")
	c.publisher.Publish(Event{Name: "close", Key: s.key, Fields: map[string]any{"reason": reason}})
}

func (c *Cache) release(s *slot) {
	c.mu.Lock()
	s.refs--
	c.inflight--
	last := s.evicted && s.refs == 0
	c.mu.Unlock()
	if last {
		c.closeStale(s, "drained")
	}
}

// Unload evicts the cached model, if any.
func (c *Cache) Unload(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	c.mu.Lock()
	stale := c.detachLocked()
	if !c.closed {
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.closeStale(stale, "unload")
	return nil
}

// Close evicts the cached model and rejects further Acquire calls. It waits
// for an in-progress load to finish.
func (c *Cache) Close() error {
	_ = c.lock(context.Background())
	defer c.unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stale := c.detachLocked()
	c.state = StateIdle
	c.mu.Unlock()
	c.closeStale(stale, "shutdown")
	return nil
}

// Snapshot returns a read-only view of the cache. It never waits on a load.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:      c.state,
		Loaded:     c.cur != nil,
		Inflight:   c.inflight,
		LastError:  c.lastErr,
		LoadsTotal: c.loads,
		Evictions:  c.evictions,
		LoadingKey: c.loadingKey,
	}
	if c.cur != nil {
		snap.Key = c.cur.key
	}
	return snap
}

// Loaded reports whether a model is cached.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}
