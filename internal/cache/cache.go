// Package cache holds the process-wide latest funding-rate pair per symbol,
// with staleness eviction on every read path and a periodic sweep.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb-engine/internal/exchange"
	"fundingarb-engine/internal/metrics"
)

const (
	// DefaultStaleThreshold evicts entries not refreshed within 10 minutes.
	DefaultStaleThreshold = 600 * time.Second
	// DefaultCleanupInterval is the proactive sweep cadence.
	DefaultCleanupInterval = 60 * time.Second
	// DefaultOpportunityThreshold is the annualized-spread percentage used
	// by stats when the caller does not supply one.
	DefaultOpportunityThreshold = 800.0
)

// CachedRatePair wraps a FundingRatePair with its cache timestamp.
type CachedRatePair struct {
	Pair     exchange.FundingRatePair
	CachedAt time.Time
}

// SnapshotObserver is notified fire-and-forget after SetAll.
type SnapshotObserver func(pairs map[string]exchange.FundingRatePair)

// Stats is the aggregate view used by dashboards and the broadcaster.
type Stats struct {
	TotalSymbols     int        `json:"totalSymbols"`
	OpportunityCount int        `json:"opportunityCount"`
	ApproachingCount int        `json:"approachingCount"`
	MaxSpread        *MaxSpread `json:"maxSpread,omitempty"`
	UptimeSeconds    float64    `json:"uptime"`
	LastUpdate       time.Time  `json:"lastUpdate"`
}

// MaxSpread identifies the symbol with the widest current spread.
type MaxSpread struct {
	Symbol     string  `json:"symbol"`
	Percent    float64 `json:"spreadPercent"`
	Annualized float64 `json:"spreadAnnualized"`
}

// RatesCache is a multi-reader/multi-writer keyed store. Writes validate
// coalescing: an update whose RecordedAt is not strictly newer than the
// cached one is dropped.
type RatesCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedRatePair

	staleThreshold  time.Duration
	cleanupInterval time.Duration

	cleanupMu   sync.Mutex
	cleanupStop chan struct{}

	startedAt time.Time

	observersMu sync.RWMutex
	observers   []SnapshotObserver

	now func() time.Time
}

// Option customizes a cache.
type Option func(*RatesCache)

// WithStaleThreshold overrides the eviction threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(c *RatesCache) { c.staleThreshold = d }
}

// WithCleanupInterval overrides the sweep cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *RatesCache) { c.cleanupInterval = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *RatesCache) { c.now = now }
}

// New builds a cache. Most callers use Instance instead.
func New(opts ...Option) *RatesCache {
	c := &RatesCache{
		entries:         make(map[string]*CachedRatePair),
		staleThreshold:  DefaultStaleThreshold,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkStart records the uptime origin for stats.
func (c *RatesCache) MarkStart() {
	c.mu.Lock()
	c.startedAt = c.now()
	c.mu.Unlock()
}

// Set stores a pair for a symbol. Updates that are not strictly newer than
// the cached RecordedAt are dropped (validated coalescing).
func (c *RatesCache) Set(symbol string, pair exchange.FundingRatePair) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[symbol]; ok {
		if !pair.RecordedAt.After(existing.Pair.RecordedAt) {
			return false
		}
	}
	c.entries[symbol] = &CachedRatePair{Pair: pair, CachedAt: c.now()}
	return true
}

// SetAll stores a batch and fires the registered observers fire-and-forget
// outside the lock; observer panics are logged, never propagated.
func (c *RatesCache) SetAll(pairs map[string]exchange.FundingRatePair) {
	c.mu.Lock()
	now := c.now()
	stored := make(map[string]exchange.FundingRatePair, len(pairs))
	for symbol, pair := range pairs {
		if existing, ok := c.entries[symbol]; ok {
			if !pair.RecordedAt.After(existing.Pair.RecordedAt) {
				continue
			}
		}
		c.entries[symbol] = &CachedRatePair{Pair: pair, CachedAt: now}
		stored[symbol] = pair
	}
	c.mu.Unlock()

	if len(stored) == 0 {
		return
	}
	c.observersMu.RLock()
	observers := make([]SnapshotObserver, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	for _, obs := range observers {
		go func(fn SnapshotObserver) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Any("panic", r).Msg("Cache observer panicked")
				}
			}()
			fn(stored)
		}(obs)
	}
}

// AddObserver registers a SetAll observer (notification dispatch, simulated
// tracking snapshots).
func (c *RatesCache) AddObserver(obs SnapshotObserver) {
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

// UpdateFromWebSocket merges a single normalized WS event into the cached
// pair for its symbol. The best pair is not recomputed here; that belongs
// to the pair builder.
func (c *RatesCache) UpdateFromWebSocket(ev *exchange.FundingRateReceived) {
	if ev == nil || ev.RateAbsent {
		// Price-only events never create cache entries. A zero rate is a
		// real rate and passes through.
		return
	}
	record, err := exchange.NewFundingRateRecord(ev.Exchange, ev.Symbol, ev.FundingRate, ev.NextFundingTime, ev.ReceivedAt)
	if err != nil {
		log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("Dropping invalid WS funding update")
		return
	}
	record.MarkPrice = ev.MarkPrice

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[ev.Symbol]
	if !ok {
		data := exchange.ExchangeRateData{
			Rate:                    record,
			Price:                   ev.MarkPrice,
			OriginalFundingInterval: intervalOrDefault(ev.FundingIntervalHours),
		}
		c.entries[ev.Symbol] = &CachedRatePair{
			Pair: exchange.FundingRatePair{
				Symbol:     ev.Symbol,
				Exchanges:  map[exchange.ExchangeID]exchange.ExchangeRateData{ev.Exchange: data},
				RecordedAt: record.RecordedAt,
			},
			CachedAt: now,
		}
		return
	}

	prior, had := entry.Pair.Exchanges[ev.Exchange]
	if had && !record.RecordedAt.After(prior.Rate.RecordedAt) {
		// Same strictly-newer rule as Set: a replayed or out-of-order
		// frame must not roll this leg back.
		return
	}
	interval := ev.FundingIntervalHours
	if interval == 0 {
		if had && prior.OriginalFundingInterval != 0 {
			interval = prior.OriginalFundingInterval
		} else {
			interval = exchange.DefaultFundingIntervalHours
		}
	}
	data := exchange.ExchangeRateData{
		Rate:                    record,
		Price:                   ev.MarkPrice,
		OriginalFundingInterval: interval,
	}
	if had {
		data.Normalized = prior.Normalized
		if data.Price == nil {
			data.Price = prior.Price
		}
	}
	entry.Pair.Exchanges[ev.Exchange] = data
	if record.RecordedAt.After(entry.Pair.RecordedAt) {
		entry.Pair.RecordedAt = record.RecordedAt
	}
	entry.CachedAt = now
}

// Get returns the cached pair for a symbol, evicting it first when stale.
func (c *RatesCache) Get(symbol string) (exchange.FundingRatePair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[symbol]
	if !ok {
		return exchange.FundingRatePair{}, false
	}
	if c.now().Sub(entry.CachedAt) > c.staleThreshold {
		delete(c.entries, symbol)
		metrics.CacheEvictions.Inc()
		log.Debug().Str("symbol", symbol).Msg("Evicted stale cache entry on read")
		return exchange.FundingRatePair{}, false
	}
	return entry.Pair, true
}

// GetAll returns every fresh pair, evicting the stale ones it walks past.
func (c *RatesCache) GetAll() map[string]exchange.FundingRatePair {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]exchange.FundingRatePair, len(c.entries))
	evicted := 0
	for symbol, entry := range c.entries {
		if now.Sub(entry.CachedAt) > c.staleThreshold {
			delete(c.entries, symbol)
			evicted++
			continue
		}
		out[symbol] = entry.Pair
	}
	if evicted > 0 {
		metrics.CacheEvictions.Add(float64(evicted))
		log.Info().Int("evicted", evicted).Int("remaining", len(out)).Msg("Stale entries evicted on read")
	}
	return out
}

// Size returns the number of fresh entries, evicting stale ones first.
func (c *RatesCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictStaleLocked()
	return len(c.entries)
}

// Clear drops every entry.
func (c *RatesCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*CachedRatePair)
	c.mu.Unlock()
}

func (c *RatesCache) evictStaleLocked() int {
	now := c.now()
	evicted := 0
	for symbol, entry := range c.entries {
		if now.Sub(entry.CachedAt) > c.staleThreshold {
			delete(c.entries, symbol)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.CacheEvictions.Add(float64(evicted))
	}
	return evicted
}

// GetStats aggregates opportunity counts over the given rates, or over a
// fresh GetAll pass when rates is nil.
func (c *RatesCache) GetStats(rates map[string]exchange.FundingRatePair, opportunityThreshold float64) Stats {
	if opportunityThreshold <= 0 {
		opportunityThreshold = DefaultOpportunityThreshold
	}
	if rates == nil {
		rates = c.GetAll()
	}

	c.mu.RLock()
	startedAt := c.startedAt
	var lastUpdate time.Time
	for _, entry := range c.entries {
		if entry.CachedAt.After(lastUpdate) {
			lastUpdate = entry.CachedAt
		}
	}
	c.mu.RUnlock()

	stats := Stats{TotalSymbols: len(rates), LastUpdate: lastUpdate}
	if !startedAt.IsZero() {
		stats.UptimeSeconds = c.now().Sub(startedAt).Seconds()
	}

	approachingFloor := opportunityThreshold * 0.75
	for symbol, pair := range rates {
		bp := pair.BestPair
		if bp == nil {
			continue
		}
		switch {
		case bp.SpreadAnnualized >= opportunityThreshold:
			stats.OpportunityCount++
		case bp.SpreadAnnualized >= approachingFloor:
			stats.ApproachingCount++
		}
		if stats.MaxSpread == nil || bp.SpreadPercent > stats.MaxSpread.Percent {
			stats.MaxSpread = &MaxSpread{
				Symbol:     symbol,
				Percent:    bp.SpreadPercent,
				Annualized: bp.SpreadAnnualized,
			}
		}
	}
	return stats
}

// StartCleanup launches the periodic sweep. Safe to call once; a second
// call without StopCleanup is a no-op.
func (c *RatesCache) StartCleanup() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	if c.cleanupStop != nil {
		return
	}
	stop := make(chan struct{})
	c.cleanupStop = stop

	go func() {
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				evicted := c.evictStaleLocked()
				remaining := len(c.entries)
				c.mu.Unlock()
				if evicted > 0 {
					log.Info().Int("evicted", evicted).Int("remaining", remaining).Msg("Periodic cache sweep")
				}
			}
		}
	}()
}

// StopCleanup halts the sweep.
func (c *RatesCache) StopCleanup() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	if c.cleanupStop != nil {
		close(c.cleanupStop)
		c.cleanupStop = nil
	}
}

// Destroy stops timers, clears observers and entries.
func (c *RatesCache) Destroy() {
	c.StopCleanup()
	c.observersMu.Lock()
	c.observers = nil
	c.observersMu.Unlock()
	c.Clear()
}

func intervalOrDefault(hours int) int {
	if hours == 0 {
		return exchange.DefaultFundingIntervalHours
	}
	return hours
}

// Process-level accessor: at most one instance per process, with a destroy
// escape hatch for tests.
var (
	instanceMu sync.Mutex
	instance   *RatesCache
)

// Instance returns the process-wide cache, creating it on first use.
func Instance() *RatesCache {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = New()
	}
	return instance
}

// DestroyInstance tears down the process-wide cache (tests).
func DestroyInstance() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Destroy()
		instance = nil
	}
}
