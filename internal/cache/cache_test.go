package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb-engine/internal/exchange"
)

// fakeClock is an adjustable clock for staleness tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func pairAt(symbol string, recordedAt time.Time) exchange.FundingRatePair {
	return exchange.FundingRatePair{
		Symbol:     symbol,
		Exchanges:  map[exchange.ExchangeID]exchange.ExchangeRateData{},
		RecordedAt: recordedAt,
	}
}

func TestStaleEntriesEvictedOnRead(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	require.True(t, c.Set("BTCUSDT", pairAt("BTCUSDT", clock.Now())))
	_, ok := c.Get("BTCUSDT")
	require.True(t, ok)

	clock.Advance(DefaultStaleThreshold + time.Second)
	_, ok = c.Get("BTCUSDT")
	assert.False(t, ok, "read path evicts, not skips")
	assert.Equal(t, 0, c.Size(), "entry is gone, not hidden")
}

func TestGetAllEvictsOnlyStale(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	c.Set("OLD", pairAt("OLD", clock.Now()))
	clock.Advance(DefaultStaleThreshold + time.Second)
	c.Set("FRESH", pairAt("FRESH", clock.Now()))

	all := c.GetAll()
	assert.Len(t, all, 1)
	_, ok := all["FRESH"]
	assert.True(t, ok)
	assert.Equal(t, 1, c.Size())
}

func TestValidatedCoalescingRejectsOlderWrites(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	base := clock.Now()
	require.True(t, c.Set("BTCUSDT", pairAt("BTCUSDT", base)))

	assert.False(t, c.Set("BTCUSDT", pairAt("BTCUSDT", base.Add(-time.Second))), "older write rejected")
	assert.False(t, c.Set("BTCUSDT", pairAt("BTCUSDT", base)), "equal timestamp rejected")
	assert.True(t, c.Set("BTCUSDT", pairAt("BTCUSDT", base.Add(time.Second))), "strictly newer accepted")

	got, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), got.RecordedAt)
}

func TestUpdateFromWebSocketCreatesSingleExchangePair(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	price := decimal.NewFromFloat(42000.5)
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:             exchange.OKX,
		Symbol:               "BTCUSDT",
		FundingRate:          decimal.NewFromFloat(0.0001),
		NextFundingTime:      time.UnixMilli(1_700_028_800_000),
		MarkPrice:            &price,
		FundingIntervalHours: 4,
		ReceivedAt:           clock.Now(),
	})

	got, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	require.Len(t, got.Exchanges, 1)
	data := got.Exchanges[exchange.OKX]
	assert.Equal(t, "0.0001", data.Rate.FundingRate.String())
	assert.Equal(t, 4, data.OriginalFundingInterval)
	require.NotNil(t, data.Price)
	assert.True(t, data.Price.Equal(price))
	assert.Nil(t, got.BestPair, "WS merge never computes the best pair")
}

func TestUpdateFromWebSocketPreservesPriorInterval(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:             exchange.MEXC,
		Symbol:               "ETHUSDT",
		FundingRate:          decimal.NewFromFloat(0.0001),
		FundingIntervalHours: 4,
		ReceivedAt:           clock.Now(),
	})
	// Second event does not report an interval.
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:    exchange.MEXC,
		Symbol:      "ETHUSDT",
		FundingRate: decimal.NewFromFloat(0.0002),
		ReceivedAt:  clock.Now().Add(time.Second),
	})

	got, ok := c.Get("ETHUSDT")
	require.True(t, ok)
	data := got.Exchanges[exchange.MEXC]
	assert.Equal(t, 4, data.OriginalFundingInterval, "prior interval preserved")
	assert.Equal(t, "0.0002", data.Rate.FundingRate.String())
}

func TestUpdateFromWebSocketDefaultsIntervalTo8(t *testing.T) {
	c := New()
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:    exchange.Binance,
		Symbol:      "SOLUSDT",
		FundingRate: decimal.NewFromFloat(0.0001),
		ReceivedAt:  time.Now(),
	})
	got, ok := c.Get("SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, exchange.DefaultFundingIntervalHours, got.Exchanges[exchange.Binance].OriginalFundingInterval)
}

func TestUpdateFromWebSocketAcceptsZeroRate(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	// A venue can legitimately settle at exactly zero and omit the next
	// funding time. The event still carries a rate and must be cached.
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:    exchange.GateIO,
		Symbol:      "BTCUSDT",
		FundingRate: decimal.Zero,
		ReceivedAt:  clock.Now(),
	})

	got, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	data, ok := got.Exchanges[exchange.GateIO]
	require.True(t, ok)
	assert.True(t, data.Rate.FundingRate.IsZero())
}

func TestUpdateFromWebSocketDropsRateAbsentEvents(t *testing.T) {
	c := New()

	price := decimal.NewFromFloat(42000.5)
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:   exchange.Binance,
		Symbol:     "BTCUSDT",
		MarkPrice:  &price,
		RateAbsent: true,
		ReceivedAt: time.Now(),
	})

	_, ok := c.Get("BTCUSDT")
	assert.False(t, ok, "price-only events must not create entries")
}

func TestUpdateFromWebSocketIgnoresStaleLegReplay(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:    exchange.Binance,
		Symbol:      "BTCUSDT",
		FundingRate: decimal.NewFromFloat(0.0002),
		ReceivedAt:  clock.Now().Add(time.Second),
	})
	// A frame replayed after reconnect carries an older timestamp and must
	// not roll the leg back; an equal timestamp is no update either.
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:    exchange.Binance,
		Symbol:      "BTCUSDT",
		FundingRate: decimal.NewFromFloat(0.0001),
		ReceivedAt:  clock.Now(),
	})
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:    exchange.Binance,
		Symbol:      "BTCUSDT",
		FundingRate: decimal.NewFromFloat(0.0003),
		ReceivedAt:  clock.Now().Add(time.Second),
	})
	// Another exchange's leg is untouched by the guard.
	c.UpdateFromWebSocket(&exchange.FundingRateReceived{
		Exchange:    exchange.OKX,
		Symbol:      "BTCUSDT",
		FundingRate: decimal.NewFromFloat(0.0005),
		ReceivedAt:  clock.Now(),
	})

	got, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "0.0002", got.Exchanges[exchange.Binance].Rate.FundingRate.String())
	assert.Equal(t, "0.0005", got.Exchanges[exchange.OKX].Rate.FundingRate.String())
}

func TestSetAllNotifiesObserversOutsideLock(t *testing.T) {
	c := New()

	notified := make(chan map[string]exchange.FundingRatePair, 1)
	c.AddObserver(func(pairs map[string]exchange.FundingRatePair) {
		// Reading under the observer proves the lock is not held.
		c.Size()
		notified <- pairs
	})

	now := time.Now()
	c.SetAll(map[string]exchange.FundingRatePair{
		"BTCUSDT": pairAt("BTCUSDT", now),
		"ETHUSDT": pairAt("ETHUSDT", now),
	})

	select {
	case pairs := <-notified:
		assert.Len(t, pairs, 2)
	case <-time.After(time.Second):
		t.Fatal("observer not notified")
	}
}

func TestGetStats(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.MarkStart()
	clock.Advance(10 * time.Second)

	mk := func(symbol string, apy, spread float64) exchange.FundingRatePair {
		p := pairAt(symbol, clock.Now())
		p.BestPair = &exchange.BestArbitragePair{
			LongExchange:     exchange.Binance,
			ShortExchange:    exchange.OKX,
			SpreadPercent:    spread,
			SpreadAnnualized: apy,
		}
		return p
	}
	c.SetAll(map[string]exchange.FundingRatePair{
		"HOT":   mk("HOT", 900, 0.9),  // opportunity
		"WARM":  mk("WARM", 700, 0.7), // approaching band [600, 800)
		"COLD":  mk("COLD", 100, 2.5), // normal, but widest raw spread
		"EMPTY": pairAt("EMPTY", clock.Now()),
	})

	stats := c.GetStats(nil, 800)
	assert.Equal(t, 4, stats.TotalSymbols)
	assert.Equal(t, 1, stats.OpportunityCount)
	assert.Equal(t, 1, stats.ApproachingCount)
	require.NotNil(t, stats.MaxSpread)
	assert.Equal(t, "COLD", stats.MaxSpread.Symbol)
	assert.InDelta(t, 10.0, stats.UptimeSeconds, 0.001)
}

func TestCleanupSweep(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithCleanupInterval(10*time.Millisecond))

	c.Set("BTCUSDT", pairAt("BTCUSDT", clock.Now()))
	clock.Advance(DefaultStaleThreshold + time.Second)

	c.StartCleanup()
	defer c.StopCleanup()

	assert.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.entries) == 0
	}, time.Second, 10*time.Millisecond, "sweep evicts without a read")
}

func TestInstanceSingleton(t *testing.T) {
	DestroyInstance()
	a := Instance()
	b := Instance()
	assert.Same(t, a, b)

	DestroyInstance()
	assert.NotSame(t, a, Instance(), "destroy resets the process instance")
	DestroyInstance()
}

func TestDestroyStopsEverything(t *testing.T) {
	c := New(WithCleanupInterval(10 * time.Millisecond))
	c.StartCleanup()
	c.AddObserver(func(map[string]exchange.FundingRatePair) {})
	c.Set("BTCUSDT", pairAt("BTCUSDT", time.Now()))

	c.Destroy()
	assert.Equal(t, 0, c.Size())

	// SetAll after destroy must not panic even with observers cleared.
	c.SetAll(map[string]exchange.FundingRatePair{"ETHUSDT": pairAt("ETHUSDT", time.Now())})
}
