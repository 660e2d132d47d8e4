package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb-engine/internal/cache"
	"fundingarb-engine/internal/exchange"
)

// fakeClient is an in-memory exchange.Client whose funding handler can be
// fired directly.
type fakeClient struct {
	mu      sync.Mutex
	id      exchange.ExchangeID
	subs    map[string]struct{}
	ready   bool
	dialErr error

	fundingHandler exchange.FundingRateHandler
	batchHandler   exchange.FundingRateBatchHandler
}

func newFakeClient(id exchange.ExchangeID) *fakeClient {
	return &fakeClient{id: id, subs: make(map[string]struct{})}
}

func (f *fakeClient) ID() exchange.ExchangeID { return f.id }

func (f *fakeClient) Connect(context.Context) error {
	if f.dialErr != nil {
		return f.dialErr
	}
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Disconnect() error { return nil }
func (f *fakeClient) Destroy()          {}

func (f *fakeClient) Subscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.subs[s] = struct{}{}
	}
	return nil
}

func (f *fakeClient) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subs, s)
	}
	return nil
}

func (f *fakeClient) SubscribedSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	return out
}

func (f *fakeClient) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeClient) Stats() exchange.ClientStats { return exchange.ClientStats{Exchange: f.id} }

func (f *fakeClient) SetFundingRateHandler(h exchange.FundingRateHandler) {
	f.mu.Lock()
	f.fundingHandler = h
	f.mu.Unlock()
}

func (f *fakeClient) SetFundingRateBatchHandler(h exchange.FundingRateBatchHandler) {
	f.mu.Lock()
	f.batchHandler = h
	f.mu.Unlock()
}

func (f *fakeClient) SetMarkPriceHandler(exchange.MarkPriceHandler)       {}
func (f *fakeClient) SetConnectedHandler(exchange.ConnectedHandler)       {}
func (f *fakeClient) SetDisconnectedHandler(exchange.DisconnectedHandler) {}
func (f *fakeClient) SetErrorHandler(exchange.ErrorHandler)               {}
func (f *fakeClient) SetReconnectingHandler(exchange.ReconnectingHandler) {}
func (f *fakeClient) SetMaxRetriesHandler(exchange.MaxRetriesHandler)     {}
func (f *fakeClient) SetResubscribedHandler(exchange.ResubscribedHandler) {}

func (f *fakeClient) fire(ev *exchange.FundingRateReceived) {
	f.mu.Lock()
	h := f.fundingHandler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func event(ex exchange.ExchangeID, symbol string, rate float64) *exchange.FundingRateReceived {
	return &exchange.FundingRateReceived{
		Exchange:             ex,
		Symbol:               symbol,
		FundingRate:          decimal.NewFromFloat(rate),
		NextFundingTime:      time.Now().Add(8 * time.Hour),
		FundingIntervalHours: 8,
		ReceivedAt:           time.Now(),
	}
}

func newTestMonitor(t *testing.T, clients map[exchange.ExchangeID]*fakeClient, cfg Config) *Monitor {
	t.Helper()
	cfg.Factory = func(id exchange.ExchangeID) (exchange.Client, error) {
		c, ok := clients[id]
		if !ok {
			return nil, errors.New("no fake for exchange")
		}
		return c, nil
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New()
	}
	if cfg.CoalesceWindow == 0 {
		cfg.CoalesceWindow = 5 * time.Millisecond
	}
	m := New(cfg)
	t.Cleanup(m.Destroy)
	return m
}

func TestBurstCoalescesToLatestValue(t *testing.T) {
	binance := newFakeClient(exchange.Binance)
	m := newTestMonitor(t, map[exchange.ExchangeID]*fakeClient{exchange.Binance: binance}, Config{
		Symbols:        []string{"BTCUSDT"},
		Exchanges:      []exchange.ExchangeID{exchange.Binance},
		CoalesceWindow: 50 * time.Millisecond,
	})
	require.NoError(t, m.Start(context.Background()))

	var mu sync.Mutex
	var updates []exchange.FundingRatePair
	m.OnRateUpdated(func(p exchange.FundingRatePair) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})

	// Burst of 10 updates within the window.
	for i := 1; i <= 10; i++ {
		binance.fire(event(exchange.Binance, "BTCUSDT", float64(i)*0.0001))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1, "burst collapses to one emission")
	got := updates[0].Exchanges[exchange.Binance]
	assert.Equal(t, "0.001", got.Rate.FundingRate.String(), "the latest value wins")
}

func TestCrossExchangePairReachesCache(t *testing.T) {
	binance := newFakeClient(exchange.Binance)
	okx := newFakeClient(exchange.OKX)
	c := cache.New()
	m := newTestMonitor(t, map[exchange.ExchangeID]*fakeClient{
		exchange.Binance: binance,
		exchange.OKX:     okx,
	}, Config{
		Symbols:   []string{"BTCUSDT"},
		Exchanges: []exchange.ExchangeID{exchange.Binance, exchange.OKX},
		Cache:     c,
	})
	require.NoError(t, m.Start(context.Background()))

	binance.fire(event(exchange.Binance, "BTCUSDT", 0.0001))
	okx.fire(event(exchange.OKX, "BTCUSDT", -0.0002))

	assert.Eventually(t, func() bool {
		p, ok := c.Get("BTCUSDT")
		return ok && len(p.Exchanges) == 2 && p.BestPair != nil
	}, time.Second, 10*time.Millisecond)

	p, _ := c.Get("BTCUSDT")
	assert.Equal(t, exchange.OKX, p.BestPair.LongExchange)
	assert.Equal(t, exchange.Binance, p.BestPair.ShortExchange)
}

func TestFailedExchangeDoesNotBlockOthers(t *testing.T) {
	healthy := newFakeClient(exchange.Binance)
	failing := newFakeClient(exchange.OKX)
	failing.dialErr = errors.New("dial tcp: i/o timeout")

	c := cache.New()
	m := newTestMonitor(t, map[exchange.ExchangeID]*fakeClient{
		exchange.Binance: healthy,
		exchange.OKX:     failing,
	}, Config{
		Symbols:   []string{"BTCUSDT"},
		Exchanges: []exchange.ExchangeID{exchange.Binance, exchange.OKX},
		Cache:     c,
	})
	require.NoError(t, m.Start(context.Background()), "start succeeds despite one failing exchange")

	assert.True(t, m.PoolReady(exchange.Binance))
	assert.False(t, m.PoolReady(exchange.OKX))

	healthy.fire(event(exchange.Binance, "BTCUSDT", 0.0001))
	assert.Eventually(t, func() bool {
		_, ok := c.Get("BTCUSDT")
		return ok
	}, time.Second, 10*time.Millisecond, "healthy exchange keeps flowing")
}

func TestSubscriptionHandleOwnsDeregistration(t *testing.T) {
	m := newTestMonitor(t, nil, Config{Exchanges: []exchange.ExchangeID{}})

	var calls int
	sub := m.OnRateUpdated(func(exchange.FundingRatePair) { calls++ })

	p := exchange.FundingRatePair{Symbol: "BTCUSDT"}
	m.emitRateUpdated(p)
	assert.Equal(t, 1, calls)

	sub.Unsubscribe()
	m.emitRateUpdated(p)
	assert.Equal(t, 1, calls, "detached observer no longer fires")

	sub.Unsubscribe() // second call is safe
}

func TestOpportunityHysteresis(t *testing.T) {
	m := newTestMonitor(t, nil, Config{
		Exchanges:      []exchange.ExchangeID{},
		EntryThreshold: 800,
		ExitThreshold:  0,
	})

	var detected, disappeared []float64
	m.SetOpportunityDetectedHandler(func(symbol string, p exchange.FundingRatePair) {
		detected = append(detected, p.BestPair.SpreadAnnualized)
	})
	m.SetOpportunityDisappearedHandler(func(symbol string, p exchange.FundingRatePair) {
		disappeared = append(disappeared, p.BestPair.SpreadAnnualized)
	})

	emit := func(apy float64) {
		m.emitRateUpdated(exchange.FundingRatePair{
			Symbol: "BTCUSDT",
			BestPair: &exchange.BestArbitragePair{
				LongExchange:     exchange.OKX,
				ShortExchange:    exchange.Binance,
				SpreadAnnualized: apy,
			},
		})
	}

	for _, apy := range []float64{850, 700, 500, 100, -10, 50} {
		emit(apy)
	}

	assert.Equal(t, []float64{850}, detected, "single entry at the first crossing")
	assert.Equal(t, []float64{-10}, disappeared, "exit only below the exit threshold")
}

func TestObserverPanicIsContained(t *testing.T) {
	m := newTestMonitor(t, nil, Config{Exchanges: []exchange.ExchangeID{}})

	m.OnRateUpdated(func(exchange.FundingRatePair) { panic("boom") })
	var after int
	m.OnRateUpdated(func(exchange.FundingRatePair) { after++ })

	assert.NotPanics(t, func() {
		m.emitRateUpdated(exchange.FundingRatePair{Symbol: "BTCUSDT"})
	})
	assert.Equal(t, 1, after, "later observers still run")
}

func TestStopHaltsEmissions(t *testing.T) {
	binance := newFakeClient(exchange.Binance)
	m := newTestMonitor(t, map[exchange.ExchangeID]*fakeClient{exchange.Binance: binance}, Config{
		Symbols:   []string{"BTCUSDT"},
		Exchanges: []exchange.ExchangeID{exchange.Binance},
	})
	require.NoError(t, m.Start(context.Background()))

	var calls int
	var mu sync.Mutex
	m.OnRateUpdated(func(exchange.FundingRatePair) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	m.Stop()
	binance.fire(event(exchange.Binance, "BTCUSDT", 0.0001))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "no emissions after stop")
}
