// Package tracker keeps the authoritative lifecycle of arbitrage
// opportunities: entry on the annualized threshold, refresh while above
// exit, end below it, with a persistence port for each transition.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb-engine/internal/exchange"
	"fundingarb-engine/internal/metrics"
	"fundingarb-engine/internal/monitor"
)

// ActiveOpportunity is one live (symbol, long, short) combination.
type ActiveOpportunity struct {
	Symbol        string              `json:"symbol"`
	LongExchange  exchange.ExchangeID `json:"longExchange"`
	ShortExchange exchange.ExchangeID `json:"shortExchange"`
	LastSpread    float64             `json:"lastSpread"`
	LastAPY       float64             `json:"lastAPY"`
	DetectedAt    time.Time           `json:"detectedAt"`
}

// Repository persists opportunity transitions. Implementations must be safe
// for concurrent use.
type Repository interface {
	Upsert(ctx context.Context, opp ActiveOpportunity) error
	MarkAsEnded(ctx context.Context, opp ActiveOpportunity, duration time.Duration) error
}

// Stats is a snapshot of the tracker's counters.
type Stats struct {
	OpportunitiesRecorded int       `json:"opportunitiesRecorded"`
	OpportunitiesEnded    int       `json:"opportunitiesEnded"`
	RepositoryErrors      int       `json:"repositoryErrors"`
	LastRecordedAt        time.Time `json:"lastRecordedAt"`
}

type key struct {
	symbol string
	long   exchange.ExchangeID
	short  exchange.ExchangeID
}

// Tracker observes rate-updated events from a monitor.
type Tracker struct {
	repo           Repository
	entryThreshold float64
	exitThreshold  float64
	now            func() time.Time

	mu     sync.Mutex
	active map[key]*ActiveOpportunity
	stats  Stats
	sub    *monitor.Subscription
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithThresholds overrides the entry/exit annualized thresholds.
func WithThresholds(entry, exit float64) Option {
	return func(t *Tracker) {
		t.entryThreshold = entry
		t.exitThreshold = exit
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a tracker over the given repository.
func New(repo Repository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:           repo,
		entryThreshold: monitor.DefaultEntryThreshold,
		exitThreshold:  monitor.DefaultExitThreshold,
		now:            time.Now,
		active:         make(map[key]*ActiveOpportunity),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attach binds the tracker to a monitor's rate-updated stream. A second
// Attach replaces the previous binding.
func (t *Tracker) Attach(m *monitor.Monitor) {
	t.Detach()
	sub := m.OnRateUpdated(t.HandleRateUpdated)
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
}

// Detach removes the binding installed by Attach.
func (t *Tracker) Detach() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// HandleRateUpdated applies one pair to the opportunity state machine.
func (t *Tracker) HandleRateUpdated(p exchange.FundingRatePair) {
	bp := p.BestPair
	if bp == nil {
		return
	}
	k := key{symbol: p.Symbol, long: bp.LongExchange, short: bp.ShortExchange}
	apy := bp.SpreadAnnualized

	t.mu.Lock()
	existing, isActive := t.active[k]

	switch {
	case !isActive && apy >= t.entryThreshold:
		opp := &ActiveOpportunity{
			Symbol:        p.Symbol,
			LongExchange:  bp.LongExchange,
			ShortExchange: bp.ShortExchange,
			LastSpread:    bp.SpreadPercent,
			LastAPY:       apy,
			DetectedAt:    t.now(),
		}
		t.active[k] = opp
		t.stats.OpportunitiesRecorded++
		t.stats.LastRecordedAt = opp.DetectedAt
		snapshot := *opp
		t.mu.Unlock()
		t.upsert(snapshot)

	case isActive && apy >= t.exitThreshold:
		existing.LastSpread = bp.SpreadPercent
		existing.LastAPY = apy
		snapshot := *existing
		t.mu.Unlock()
		t.upsert(snapshot)

	case isActive: // apy < exitThreshold
		existing.LastSpread = bp.SpreadPercent
		existing.LastAPY = apy
		snapshot := *existing
		delete(t.active, k)
		t.stats.OpportunitiesEnded++
		t.mu.Unlock()
		t.end(snapshot)

	default:
		t.mu.Unlock()
	}
}

// CloseAllForSymbol ends every active opportunity for a symbol, regardless
// of which exchange pair holds it. Intended for delistings and manual
// resets, not for the rate-updated lifecycle.
func (t *Tracker) CloseAllForSymbol(symbol string) int {
	t.mu.Lock()
	ended := make([]ActiveOpportunity, 0, 2)
	for k, opp := range t.active {
		if k.symbol != symbol {
			continue
		}
		ended = append(ended, *opp)
		delete(t.active, k)
		t.stats.OpportunitiesEnded++
	}
	t.mu.Unlock()

	for _, opp := range ended {
		t.end(opp)
	}
	return len(ended)
}

func (t *Tracker) upsert(opp ActiveOpportunity) {
	if err := t.repo.Upsert(context.Background(), opp); err != nil {
		t.countError()
		log.Error().
			Err(err).
			Str("symbol", opp.Symbol).
			Str("long", string(opp.LongExchange)).
			Str("short", string(opp.ShortExchange)).
			Msg("Opportunity upsert failed")
	}
}

func (t *Tracker) end(opp ActiveOpportunity) {
	duration := t.now().Sub(opp.DetectedAt)
	if err := t.repo.MarkAsEnded(context.Background(), opp, duration); err != nil {
		t.countError()
		log.Error().
			Err(err).
			Str("symbol", opp.Symbol).
			Str("long", string(opp.LongExchange)).
			Str("short", string(opp.ShortExchange)).
			Msg("Opportunity end failed")
		return
	}
	log.Info().
		Str("symbol", opp.Symbol).
		Str("long", string(opp.LongExchange)).
		Str("short", string(opp.ShortExchange)).
		Float64("lastAPY", opp.LastAPY).
		Str("duration", duration.String()).
		Msg("Opportunity ended")
}

func (t *Tracker) countError() {
	t.mu.Lock()
	t.stats.RepositoryErrors++
	t.mu.Unlock()
	metrics.RepositoryErrors.Inc()
}

// GetStats returns a snapshot of the counters.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// ActiveCount returns the number of live opportunities.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// TopAPY returns the highest LastAPY among active opportunities, zero when
// none are active.
func (t *Tracker) TopAPY() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	top := 0.0
	for _, opp := range t.active {
		if opp.LastAPY > top {
			top = opp.LastAPY
		}
	}
	return top
}

// ActiveOpportunities returns copies of every live opportunity.
func (t *Tracker) ActiveOpportunities() []ActiveOpportunity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ActiveOpportunity, 0, len(t.active))
	for _, opp := range t.active {
		out = append(out, *opp)
	}
	return out
}

func (k key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.symbol, k.long, k.short)
}
