// Package coalescer implements the request-coalescing result cache: callers
// asking for the same fingerprint while a compute is in flight join that
// compute instead of starting a second one, and the result is cached for a
// bounded time afterward.
//
// The in-flight half is internal/callgroup.Group, unmodified. Everything
// else here — the cache map, TTL/count eviction, stats, and snapshot
// persistence — is new, generalized to hold an arbitrary result type V.
package coalescer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"attrsvc/internal/attrerr"
	"attrsvc/internal/callgroup"
	"attrsvc/internal/filegate"
	"attrsvc/internal/logging"
	"attrsvc/internal/snapshot"
)

// Fingerprint is the cache key; an alias of filegate.Fingerprint so callers
// don't need to import both packages for the same concept.
type Fingerprint = filegate.Fingerprint

// ComputeFunc produces the analysis result for a fingerprint. It must
// respect ctx cancellation/deadline.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// Config configures a Coalescer.
type Config struct {
	// TTL is how long a cached entry remains valid after it was computed.
	TTL time.Duration
	// MaxEntries bounds the cache; inserting beyond it evicts the
	// oldest-created entry first.
	MaxEntries int
	// ComputeTimeout bounds a single compute call; exceeding it yields an
	// attrerr.Internal error (details["kind"]="timeout") for every waiter
	// on that call.
	ComputeTimeout time.Duration
	// Now defaults to time.Now; overridable for deterministic TTL tests.
	Now    func() time.Time
	Logger *slog.Logger
}

type cacheEntry[V any] struct {
	value     V
	createdAt time.Time
}

// inFlightSlot carries a running compute's result to its waiters. Waiters
// read the value from here rather than re-reading the cache after the call
// resolves: a count-bound eviction racing in between must not hand a waiter
// a zero value while another waiter sees the real one.
type inFlightSlot[V any] struct {
	waiters int
	value   V
	set     bool
}

// Stats is a read-consistent snapshot of coalescer counters, collected
// under one lock so counters never straddle two different points in time.
type Stats struct {
	CacheHits       uint64
	CacheMisses     uint64
	Coalesced       uint64
	Computes        uint64
	ComputeFailures uint64
	CacheSize       int
	InFlight        int
	Evictions       uint64
}

// Coalescer deduplicates concurrent computes for the same fingerprint and
// caches their results for TTL.
type Coalescer[V any] struct {
	cfg   Config
	group callgroup.Group[Fingerprint]

	mu       sync.Mutex
	cache    map[Fingerprint]cacheEntry[V]
	inFlight map[Fingerprint]*inFlightSlot[V]

	hits      uint64
	misses    uint64
	coalesced uint64
	computes  uint64
	failures  uint64
	evictions uint64

	logger *slog.Logger
}

// New constructs a Coalescer. Zero-value Config fields default to: TTL 1h,
// MaxEntries 1000, ComputeTimeout 5m.
func New(cfg Config) *Coalescer[any] {
	return NewTyped[any](cfg)
}

// NewTyped is New with an explicit result type, for callers that want a
// concretely-typed Coalescer rather than Coalescer[any].
func NewTyped[V any](cfg Config) *Coalescer[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coalescer[V]{
		cfg:      cfg,
		cache:    make(map[Fingerprint]cacheEntry[V]),
		inFlight: make(map[Fingerprint]*inFlightSlot[V]),
		logger:   logging.Default(cfg.Logger).With("component", "coalescer"),
	}
}

// GetOrCompute returns the cached value for key if present and unexpired;
// otherwise it runs compute, joining an in-flight call for the same key if
// one exists. coalesced reports whether this call joined someone else's
// compute rather than starting or finding one itself.
//
// ctx is accepted for API symmetry with compute's own signature but never
// bounds the compute itself: a shared compute must survive this caller's
// cancellation as long as other waiters remain attached, so the deadline
// applied to compute is always c.cfg.ComputeTimeout against a detached
// base context, never ctx.
func (c *Coalescer[V]) GetOrCompute(ctx context.Context, key Fingerprint, compute ComputeFunc[V]) (value V, coalesced bool, aerr *attrerr.Error) {
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.cfg.Now().Sub(entry.createdAt) < c.cfg.TTL {
		c.hits++
		c.mu.Unlock()
		return entry.value, false, nil
	}
	c.misses++
	slot := c.inFlight[key]
	if slot == nil {
		slot = &inFlightSlot[V]{}
		c.inFlight[key] = slot
	}
	slot.waiters++
	c.mu.Unlock()

	// computeID identifies this compute attempt in logs regardless of
	// whether it turns out to own the call or join one already running,
	// so a trace can be followed from the caller's perspective either way.
	computeID := uuid.NewString()

	// DoChanShared registers with callgroup and reports whether this call
	// joined existing in-flight work in the same locked step, so "shared"
	// can never disagree with which fn actually runs.
	//
	// The compute deadline is derived from context.Background(), not from
	// ctx: ctx belongs to whichever caller happened to trigger this
	// particular call, and a shared compute must keep running for any
	// other waiters even after that one caller disconnects.
	ch, shared := c.group.DoChanShared(key, func() error {
		cctx, cancel := context.WithTimeout(context.Background(), c.cfg.ComputeTimeout)
		defer cancel()
		c.logger.Debug("compute started", "key", key.String(), "compute_id", computeID)

		type outcome struct {
			v   V
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			v, err := compute(cctx)
			done <- outcome{v: v, err: err}
		}()

		// A compute that ignores its deadline must still resolve the
		// in-flight call at the deadline; the runaway goroutine is left to
		// finish on its own and its result is discarded.
		select {
		case out := <-done:
			if out.err != nil {
				c.logger.Debug("compute failed", "key", key.String(), "compute_id", computeID, "error", out.err)
				return out.err
			}
			c.mu.Lock()
			c.insertLocked(key, out.v)
			slot.value = out.v
			slot.set = true
			c.mu.Unlock()
			c.logger.Debug("compute finished", "key", key.String(), "compute_id", computeID)
			return nil
		case <-cctx.Done():
			c.logger.Debug("compute timed out", "key", key.String(), "compute_id", computeID)
			return cctx.Err()
		}
	})

	c.mu.Lock()
	if shared {
		c.coalesced++
	} else {
		c.computes++
	}
	c.mu.Unlock()

	err := <-ch

	c.mu.Lock()
	value, ok := slot.value, slot.set
	slot.waiters--
	if slot.waiters <= 0 && c.inFlight[key] == slot {
		delete(c.inFlight, key)
	}
	if err != nil && !shared {
		c.failures++
	}
	c.mu.Unlock()

	if err != nil {
		var zero V
		if errors.Is(err, context.DeadlineExceeded) {
			return zero, shared, attrerr.Wrap(attrerr.Internal, "compute timed out", err).
				WithDetails(map[string]any{"kind": "timeout"})
		}
		return zero, shared, attrerr.Wrap(attrerr.Internal, "compute failed", err).
			WithDetails(map[string]any{"kind": "compute_failed"})
	}
	if !ok {
		// The owning fn resolved successfully, so the value was set before
		// the channel send; this branch is unreachable but keeps the zero
		// value from escaping if the invariant ever breaks.
		var zero V
		return zero, shared, attrerr.New(attrerr.Internal, "compute resolved without a result")
	}
	return value, shared, nil
}

// Lookup reads the cache without triggering a compute. Used by endpoints
// that must never themselves start work (e.g. a stats/preview read).
func (c *Coalescer[V]) Lookup(key Fingerprint) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || c.cfg.Now().Sub(entry.createdAt) >= c.cfg.TTL {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// insertLocked stores v under key, evicting the oldest entry first if the
// cache is at MaxEntries. Callers must hold c.mu.
func (c *Coalescer[V]) insertLocked(key Fingerprint, v V) {
	if _, exists := c.cache[key]; !exists && len(c.cache) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}
	c.cache[key] = cacheEntry[V]{value: v, createdAt: c.cfg.Now()}
}

func (c *Coalescer[V]) evictOldestLocked() {
	var oldestKey Fingerprint
	var oldestTime time.Time
	first := true
	for k, e := range c.cache {
		older := e.createdAt.Before(oldestTime) ||
			(e.createdAt.Equal(oldestTime) && bytes.Compare(k[:], oldestKey[:]) < 0)
		if first || older {
			oldestKey = k
			oldestTime = e.createdAt
			first = false
		}
	}
	if !first {
		delete(c.cache, oldestKey)
		c.evictions++
	}
}

// EvictExpired removes every entry older than TTL. Intended to be called
// periodically by internal/engine's sweeper rather than relying solely on
// lazy expiry at lookup time, so long-idle entries don't linger in memory.
func (c *Coalescer[V]) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	removed := 0
	for k, e := range c.cache {
		if now.Sub(e.createdAt) >= c.cfg.TTL {
			delete(c.cache, k)
			removed++
		}
	}
	c.evictions += uint64(removed)
	return removed
}

// Stats returns a read-consistent snapshot of the coalescer's counters.
func (c *Coalescer[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	inFlight := 0
	for _, s := range c.inFlight {
		inFlight += s.waiters
	}
	return Stats{
		CacheHits:       c.hits,
		CacheMisses:     c.misses,
		Coalesced:       c.coalesced,
		Computes:        c.computes,
		ComputeFailures: c.failures,
		CacheSize:       len(c.cache),
		InFlight:        inFlight,
		Evictions:       c.evictions,
	}
}

// snapshotRecord is the msgpack payload stored per cache entry value inside
// a snapshot.Record; V is boxed through msgpack's reflection-based codec.
type snapshotRecord[V any] struct {
	Value V
}

// WriteSnapshot persists the current cache to path, in createdAt order, via
// internal/snapshot's atomic framed writer.
func (c *Coalescer[V]) WriteSnapshot(path string) error {
	c.mu.Lock()
	keys := make([]Fingerprint, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.cache[keys[i]].createdAt.Before(c.cache[keys[j]].createdAt)
	})
	records := make([]snapshot.Record, 0, len(keys))
	for _, k := range keys {
		e := c.cache[k]
		payload, err := msgpack.Marshal(snapshotRecord[V]{Value: e.value})
		if err != nil {
			c.mu.Unlock()
			return err
		}
		records = append(records, snapshot.Record{
			Key:             k.String(),
			Value:           payload,
			CreatedUnixNano: e.createdAt.UnixNano(),
		})
	}
	c.mu.Unlock()
	return snapshot.Write(path, records)
}

// ReadSnapshot loads a snapshot previously written by WriteSnapshot,
// replacing the in-memory cache. Entries already expired relative to TTL
// are dropped rather than loaded, matching the "no negative caching, no
// stale caching" posture.
func (c *Coalescer[V]) ReadSnapshot(path string) error {
	records, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	loaded := make(map[Fingerprint]cacheEntry[V], len(records))
	now := c.cfg.Now()
	for _, r := range records {
		var sr snapshotRecord[V]
		if err := msgpack.Unmarshal(r.Value, &sr); err != nil {
			return err
		}
		createdAt := time.Unix(0, r.CreatedUnixNano)
		if now.Sub(createdAt) >= c.cfg.TTL {
			continue
		}
		var key Fingerprint
		decoded, err := hexDecodeFingerprint(r.Key)
		if err != nil {
			return err
		}
		key = decoded
		loaded[key] = cacheEntry[V]{value: sr.Value, createdAt: createdAt}
	}
	c.mu.Lock()
	c.cache = loaded
	c.mu.Unlock()
	return nil
}

func hexDecodeFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("coalescer: decoding fingerprint %q: %w", s, err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("coalescer: fingerprint %q has wrong length", s)
	}
	copy(fp[:], b)
	return fp, nil
}
