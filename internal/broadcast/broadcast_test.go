package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb-engine/internal/cache"
	"fundingarb-engine/internal/exchange"
)

// memSubscriber collects broadcast frames in memory.
type memSubscriber struct {
	mu     sync.Mutex
	frames [][]byte
	dead   bool
}

func (s *memSubscriber) Send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	s.frames = append(s.frames, msg)
	return true
}

func (s *memSubscriber) byType(msgType string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, f := range s.frames {
		var envelope struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f, &envelope) == nil && envelope.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func seedPair(c *cache.RatesCache, symbol string, apy float64, recordedAt time.Time) {
	rec, _ := exchange.NewFundingRateRecord(exchange.Binance, symbol, decimal.NewFromFloat(0.0001), time.Time{}, recordedAt)
	c.Set(symbol, exchange.FundingRatePair{
		Symbol: symbol,
		Exchanges: map[exchange.ExchangeID]exchange.ExchangeRateData{
			exchange.Binance: {Rate: rec, OriginalFundingInterval: 8},
		},
		BestPair: &exchange.BestArbitragePair{
			LongExchange:     exchange.OKX,
			ShortExchange:    exchange.Binance,
			SpreadPercent:    apy / 1095,
			SpreadAnnualized: apy,
		},
		RecordedAt: recordedAt,
	})
}

func TestHubRooms(t *testing.T) {
	hub := NewHub()
	a, b := &memSubscriber{}, &memSubscriber{}

	hub.Join(RoomRates, a)
	hub.Join(RoomRates, b)
	assert.Equal(t, 2, hub.Count(RoomRates))

	sent := hub.Broadcast(RoomRates, []byte("x"))
	assert.Equal(t, 2, sent)

	hub.Leave(RoomRates, b)
	assert.Equal(t, 1, hub.Count(RoomRates))
}

func TestHubPrunesDeadSubscribers(t *testing.T) {
	hub := NewHub()
	dead := &memSubscriber{dead: true}
	hub.Join(RoomRates, dead)

	sent := hub.Broadcast(RoomRates, []byte("x"))
	assert.Zero(t, sent)
	assert.Zero(t, hub.Count(RoomRates), "failed send removes the subscriber")
}

func TestUnchangedSnapshotEmitsOnce(t *testing.T) {
	c := cache.New()
	hub := NewHub()
	b := New(c, hub)
	sub := &memSubscriber{}
	hub.Join(RoomRates, sub)

	seedPair(c, "BTCUSDT", 900, time.Unix(1_700_000_000, 0))

	b.Tick()
	b.Tick()

	assert.Len(t, sub.byType("rates:update"), 1, "unchanged best pair and recordedAt broadcast once")
	assert.Len(t, sub.byType("rates:stats"), 1)
}

func TestChangedSnapshotEmitsAgain(t *testing.T) {
	c := cache.New()
	hub := NewHub()
	b := New(c, hub)
	sub := &memSubscriber{}
	hub.Join(RoomRates, sub)

	seedPair(c, "BTCUSDT", 900, time.Unix(1_700_000_000, 0))
	b.Tick()
	seedPair(c, "BTCUSDT", 950, time.Unix(1_700_000_001, 0))
	b.Tick()

	assert.Len(t, sub.byType("rates:update"), 2)
}

func TestZeroSubscribersSkipsAllWork(t *testing.T) {
	c := cache.New()
	hub := NewHub()
	b := New(c, hub)

	seedPair(c, "BTCUSDT", 900, time.Unix(1_700_000_000, 0))
	b.Tick()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Zero(t, b.lastRatesHash, "no hash computed without subscribers")
	assert.Empty(t, b.formats)
}

func TestBurstCollapsesToSinglePayload(t *testing.T) {
	c := cache.New()
	hub := NewHub()
	b := New(c, hub)
	sub := &memSubscriber{}
	hub.Join(RoomRates, sub)

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 500; i++ {
		seedPair(c, fmt.Sprintf("SYM%03dUSDT", i), 900, base.Add(time.Duration(i)))
	}

	b.Tick()

	updates := sub.byType("rates:update")
	require.Len(t, updates, 1, "one frame per tick regardless of burst size")

	var msg struct {
		Rates []json.RawMessage `json:"rates"`
	}
	require.NoError(t, json.Unmarshal(updates[0], &msg))
	assert.Len(t, msg.Rates, 500, "payload carries every distinct symbol")
}

func TestStatusClassification(t *testing.T) {
	b := New(cache.New(), NewHub(), WithThreshold(800))

	assert.Equal(t, StatusNormal, b.status(nil))
	assert.Equal(t, StatusOpportunity, b.status(&exchange.BestArbitragePair{SpreadAnnualized: 800}))
	assert.Equal(t, StatusApproaching, b.status(&exchange.BestArbitragePair{SpreadAnnualized: 700}))
	assert.Equal(t, StatusNormal, b.status(&exchange.BestArbitragePair{SpreadAnnualized: 100}))
}

func TestWireShape(t *testing.T) {
	c := cache.New()
	hub := NewHub()
	b := New(c, hub)
	sub := &memSubscriber{}
	hub.Join(RoomRates, sub)

	seedPair(c, "BTCUSDT", 900, time.Unix(1_700_000_000, 0))
	b.Tick()

	updates := sub.byType("rates:update")
	require.Len(t, updates, 1)

	var msg struct {
		Type  string `json:"type"`
		Rates []struct {
			Symbol    string                      `json:"symbol"`
			Status    string                      `json:"status"`
			BestPair  *exchange.BestArbitragePair `json:"bestPair"`
			Exchanges map[string]struct {
				Rate          string `json:"rate"`
				IntervalHours int    `json:"intervalHours"`
			} `json:"exchanges"`
			Timestamp int64 `json:"timestamp"`
		} `json:"rates"`
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(updates[0], &msg))
	require.Len(t, msg.Rates, 1)
	row := msg.Rates[0]
	assert.Equal(t, "BTCUSDT", row.Symbol)
	assert.Equal(t, StatusOpportunity, row.Status)
	require.NotNil(t, row.BestPair)
	assert.Equal(t, exchange.OKX, row.BestPair.LongExchange)
	require.Contains(t, row.Exchanges, "binance")
	assert.Equal(t, "0.0001", row.Exchanges["binance"].Rate)
	assert.Equal(t, 8, row.Exchanges["binance"].IntervalHours)
	assert.NotZero(t, msg.Timestamp)

	stats := sub.byType("rates:stats")
	require.Len(t, stats, 1)
	var statsMsg struct {
		Data cache.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(stats[0], &statsMsg))
	assert.Equal(t, 1, statsMsg.Data.TotalSymbols)
	assert.Equal(t, 1, statsMsg.Data.OpportunityCount)
}

func TestFormatCacheEvictsAbsentSymbols(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	c := cache.New(cache.WithClock(clock))
	hub := NewHub()
	b := New(c, hub)
	sub := &memSubscriber{}
	hub.Join(RoomRates, sub)

	seedPair(c, "BTCUSDT", 900, clock())
	b.Tick()
	b.mu.Lock()
	cached := len(b.formats)
	b.mu.Unlock()
	require.Equal(t, 1, cached)

	// The entry goes stale and disappears from the snapshot.
	mu.Lock()
	now = now.Add(cache.DefaultStaleThreshold + time.Second)
	mu.Unlock()
	b.Tick()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.formats, "rows for vanished symbols are evicted")
}
