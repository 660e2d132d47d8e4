// Package monitor coordinates the funding-rate pipeline: one connection
// pool per exchange, per-symbol coalescing of incoming updates, the rates
// cache, and the rate-updated observer surface with opportunity hysteresis.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb-engine/internal/cache"
	"fundingarb-engine/internal/exchange"
	"fundingarb-engine/internal/pair"
	"fundingarb-engine/internal/pool"
)

const (
	// DefaultUpdateInterval is the periodic re-emission cadence.
	DefaultUpdateInterval = 300 * time.Second
	// DefaultCoalesceWindow collapses per-symbol update bursts.
	DefaultCoalesceWindow = 100 * time.Millisecond
	// DefaultEntryThreshold is the annualized-spread percent at which a
	// symbol becomes an opportunity.
	DefaultEntryThreshold = 800.0
	// DefaultExitThreshold is the annualized-spread percent below which an
	// opportunity ends. Together with the entry threshold it forms the
	// hysteresis band.
	DefaultExitThreshold = 0.0
	// DefaultBasisHours is the funding time basis rates are normalized to.
	DefaultBasisHours = 8
)

// ClientFactory builds an exchange client for the given exchange.
type ClientFactory func(id exchange.ExchangeID) (exchange.Client, error)

// Config drives a Monitor.
type Config struct {
	Symbols        []string
	Exchanges      []exchange.ExchangeID
	UpdateInterval time.Duration
	CoalesceWindow time.Duration
	// EntryThreshold / ExitThreshold are annualized spread percentages.
	EntryThreshold float64
	ExitThreshold  float64
	BasisHours     int
	EnablePrices   bool
	Factory        ClientFactory
	// Cache defaults to the process-wide instance.
	Cache *cache.RatesCache
}

func (c *Config) applyDefaults() {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = DefaultCoalesceWindow
	}
	if c.EntryThreshold == 0 {
		c.EntryThreshold = DefaultEntryThreshold
	}
	if c.BasisHours == 0 {
		c.BasisHours = DefaultBasisHours
	}
	if len(c.Exchanges) == 0 {
		c.Exchanges = exchange.All()
	}
	if c.Cache == nil {
		c.Cache = cache.Instance()
	}
}

// RateUpdatedHandler observes freshly built pairs.
type RateUpdatedHandler func(p exchange.FundingRatePair)

// OpportunityHandler observes legacy opportunity transitions.
type OpportunityHandler func(symbol string, p exchange.FundingRatePair)

// Subscription owns the deregistration of one attached handler.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Monitor owns the pools and the coalescing pipeline.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	pools   map[exchange.ExchangeID]*pool.Pool
	latest  map[string]map[exchange.ExchangeID]exchange.ExchangeRateData
	timers  map[string]*time.Timer
	dirty   map[string]bool // refreshed since last tick
	active  map[string]bool // hysteresis state per symbol
	started bool
	stopped bool

	ticker     *time.Ticker
	tickerDone chan struct{}

	observersMu    sync.RWMutex
	nextObserverID int
	rateObservers  map[int]RateUpdatedHandler

	opportunityDetected    OpportunityHandler
	opportunityDisappeared OpportunityHandler
}

// New builds a Monitor. Start connects it.
func New(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:           cfg,
		pools:         make(map[exchange.ExchangeID]*pool.Pool),
		latest:        make(map[string]map[exchange.ExchangeID]exchange.ExchangeRateData),
		timers:        make(map[string]*time.Timer),
		dirty:         make(map[string]bool),
		active:        make(map[string]bool),
		rateObservers: make(map[int]RateUpdatedHandler),
	}
}

// Start creates one pool per configured exchange and subscribes every
// symbol on each. A pool that fails to come up is logged and skipped; the
// monitor keeps running on the healthy exchanges.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	for _, id := range m.cfg.Exchanges {
		id := id
		p := pool.New(id, func() (exchange.Client, error) {
			return m.cfg.Factory(id)
		}, pool.Options{})

		p.SetFundingRateHandler(func(ev *exchange.FundingRateReceived, connIndex int) {
			m.onFundingRate(ev)
		})
		p.SetFundingRateBatchHandler(func(evs []*exchange.FundingRateReceived, connIndex int) {
			for _, ev := range evs {
				m.onFundingRate(ev)
			}
		})
		p.SetErrorHandler(func(err error, connIndex int) {
			log.Warn().
				Err(err).
				Str("exchange", string(id)).
				Int("connection", connIndex).
				Msg("Exchange stream error")
		})
		p.SetDisconnectedHandler(func(connIndex int) {
			log.Info().
				Str("exchange", string(id)).
				Int("connection", connIndex).
				Msg("Exchange connection down")
		})

		if err := p.SubscribeAll(ctx, m.cfg.Symbols); err != nil {
			log.Error().
				Err(err).
				Str("exchange", string(id)).
				Msg("Exchange pool failed to start, continuing without it")
		}

		m.mu.Lock()
		m.pools[id] = p
		m.mu.Unlock()
	}

	m.cfg.Cache.MarkStart()
	m.cfg.Cache.StartCleanup()
	m.startTicker()

	log.Info().
		Int("symbols", len(m.cfg.Symbols)).
		Int("exchanges", len(m.cfg.Exchanges)).
		Dur("updateInterval", m.cfg.UpdateInterval).
		Msg("Funding-rate monitor started")
	return nil
}

func (m *Monitor) startTicker() {
	m.ticker = time.NewTicker(m.cfg.UpdateInterval)
	m.tickerDone = make(chan struct{})
	go func() {
		for {
			select {
			case <-m.tickerDone:
				return
			case <-m.ticker.C:
				m.reemitDirty()
			}
		}
	}()
}

// reemitDirty re-emits rate-updated for every symbol refreshed since the
// previous tick.
func (m *Monitor) reemitDirty() {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.dirty))
	for s := range m.dirty {
		symbols = append(symbols, s)
	}
	m.dirty = make(map[string]bool)
	m.mu.Unlock()

	for _, symbol := range symbols {
		if p, ok := m.cfg.Cache.Get(symbol); ok {
			m.emitRateUpdated(p)
		}
	}
	if len(symbols) > 0 {
		log.Debug().Int("symbols", len(symbols)).Msg("Periodic rate re-emission")
	}
}

// onFundingRate folds a WS event into the per-symbol latest map and arms
// the coalescing timer. The handler never blocks the read loop: it stores
// and returns.
func (m *Monitor) onFundingRate(ev *exchange.FundingRateReceived) {
	record, err := exchange.NewFundingRateRecord(ev.Exchange, ev.Symbol, ev.FundingRate, ev.NextFundingTime, ev.ReceivedAt)
	if err != nil {
		log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("Dropping invalid funding event")
		return
	}
	record.MarkPrice = ev.MarkPrice

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	perExchange, ok := m.latest[ev.Symbol]
	if !ok {
		perExchange = make(map[exchange.ExchangeID]exchange.ExchangeRateData)
		m.latest[ev.Symbol] = perExchange
	}
	prior, had := perExchange[ev.Exchange]
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
		OriginalFundingInterval: interval,
	}
	if m.cfg.EnablePrices {
		data.Price = ev.MarkPrice
		if data.Price == nil && had {
			data.Price = prior.Price
		}
	}
	if had {
		data.Normalized = prior.Normalized
	}
	perExchange[ev.Exchange] = data

	// One timer per symbol; bursts within the window collapse into the
	// single flush that runs when it fires.
	if _, armed := m.timers[ev.Symbol]; !armed {
		symbol := ev.Symbol
		m.timers[symbol] = time.AfterFunc(m.cfg.CoalesceWindow, func() {
			m.flushSymbol(symbol)
		})
	}
	m.mu.Unlock()
}

// flushSymbol builds the pair from the latest per-exchange data, writes it
// to the cache and notifies observers.
func (m *Monitor) flushSymbol(symbol string) {
	m.mu.Lock()
	delete(m.timers, symbol)
	if m.stopped {
		m.mu.Unlock()
		return
	}
	perExchange, ok := m.latest[symbol]
	if !ok || len(perExchange) == 0 {
		m.mu.Unlock()
		return
	}
	snapshot := make(map[exchange.ExchangeID]exchange.ExchangeRateData, len(perExchange))
	for id, data := range perExchange {
		snapshot[id] = data
	}
	m.dirty[symbol] = true
	m.mu.Unlock()

	built, err := pair.Build(symbol, snapshot, m.cfg.BasisHours)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Pair build failed")
		return
	}
	m.cfg.Cache.Set(symbol, built)
	m.emitRateUpdated(built)
}

// emitRateUpdated dispatches to observers and applies hysteresis for the
// legacy opportunity events. Observer panics are contained here.
func (m *Monitor) emitRateUpdated(p exchange.FundingRatePair) {
	m.observersMu.RLock()
	observers := make([]RateUpdatedHandler, 0, len(m.rateObservers))
	for _, h := range m.rateObservers {
		observers = append(observers, h)
	}
	detected := m.opportunityDetected
	disappeared := m.opportunityDisappeared
	m.observersMu.RUnlock()

	for _, h := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Any("panic", r).Str("symbol", p.Symbol).Msg("Rate observer panicked")
				}
			}()
			h(p)
		}()
	}

	if p.BestPair == nil {
		return
	}
	apy := p.BestPair.SpreadAnnualized

	m.mu.Lock()
	wasActive := m.active[p.Symbol]
	var transition int // +1 entry, -1 exit
	switch {
	case !wasActive && apy >= m.cfg.EntryThreshold:
		m.active[p.Symbol] = true
		transition = 1
	case wasActive && apy < m.cfg.ExitThreshold:
		delete(m.active, p.Symbol)
		transition = -1
	}
	m.mu.Unlock()

	switch transition {
	case 1:
		log.Info().
			Str("symbol", p.Symbol).
			Float64("apy", apy).
			Str("long", string(p.BestPair.LongExchange)).
			Str("short", string(p.BestPair.ShortExchange)).
			Msg("Opportunity detected")
		if detected != nil {
			detected(p.Symbol, p)
		}
	case -1:
		log.Info().
			Str("symbol", p.Symbol).
			Float64("apy", apy).
			Msg("Opportunity disappeared")
		if disappeared != nil {
			disappeared(p.Symbol, p)
		}
	}
}

// OnRateUpdated attaches an observer and returns the Subscription that
// owns its removal.
func (m *Monitor) OnRateUpdated(h RateUpdatedHandler) *Subscription {
	m.observersMu.Lock()
	id := m.nextObserverID
	m.nextObserverID++
	m.rateObservers[id] = h
	m.observersMu.Unlock()

	return &Subscription{cancel: func() {
		m.observersMu.Lock()
		delete(m.rateObservers, id)
		m.observersMu.Unlock()
	}}
}

// SetOpportunityDetectedHandler wires the legacy detection event.
func (m *Monitor) SetOpportunityDetectedHandler(h OpportunityHandler) {
	m.observersMu.Lock()
	m.opportunityDetected = h
	m.observersMu.Unlock()
}

// SetOpportunityDisappearedHandler wires the legacy disappearance event.
func (m *Monitor) SetOpportunityDisappearedHandler(h OpportunityHandler) {
	m.observersMu.Lock()
	m.opportunityDisappeared = h
	m.observersMu.Unlock()
}

// PoolReady reports the readiness of one exchange pool.
func (m *Monitor) PoolReady(id exchange.ExchangeID) bool {
	m.mu.Lock()
	p, ok := m.pools[id]
	m.mu.Unlock()
	return ok && p.IsReady()
}

// Stop halts the ticker and coalescing timers and disconnects every pool.
// The monitor cannot be restarted afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for symbol, t := range m.timers {
		t.Stop()
		delete(m.timers, symbol)
	}
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	ticker, done := m.ticker, m.tickerDone
	m.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(done)
	}
	for _, p := range pools {
		if err := p.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("Pool disconnect error during monitor stop")
		}
	}
	log.Info().Msg("Funding-rate monitor stopped")
}

// Destroy stops the monitor, destroys the pools and detaches observers.
func (m *Monitor) Destroy() {
	m.Stop()

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[exchange.ExchangeID]*pool.Pool)
	m.latest = make(map[string]map[exchange.ExchangeID]exchange.ExchangeRateData)
	m.mu.Unlock()

	for _, p := range pools {
		p.Destroy()
	}

	m.observersMu.Lock()
	m.rateObservers = make(map[int]RateUpdatedHandler)
	m.opportunityDetected = nil
	m.opportunityDisappeared = nil
	m.observersMu.Unlock()
}
