package broadcast

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundingarb-engine/internal/cache"
	"fundingarb-engine/internal/exchange"
	"fundingarb-engine/internal/metrics"
)

const (
	// DefaultInterval is the snapshot cadence.
	DefaultInterval = 2 * time.Second
	// formatCacheCap bounds the per-symbol wire-format LRU.
	formatCacheCap = 500

	// Status values on the wire.
	StatusOpportunity = "opportunity"
	StatusApproaching = "approaching"
	StatusNormal      = "normal"
)

// ExchangeRow is the per-exchange wire shape inside a rate row.
type ExchangeRow struct {
	Rate            string `json:"rate"`
	Price           string `json:"price,omitempty"`
	IntervalHours   int    `json:"intervalHours"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// RateRow is the per-symbol wire shape of the rates:update stream.
type RateRow struct {
	Symbol    string                      `json:"symbol"`
	Exchanges map[string]ExchangeRow      `json:"exchanges"`
	BestPair  *exchange.BestArbitragePair `json:"bestPair,omitempty"`
	Status    string                      `json:"status"`
	Timestamp int64                       `json:"timestamp"`
}

type ratesUpdateMsg struct {
	Type      string     `json:"type"`
	Rates     []*RateRow `json:"rates"`
	Timestamp int64      `json:"timestamp"`
}

type ratesStatsMsg struct {
	Type string      `json:"type"`
	Data cache.Stats `json:"data"`
}

// formatEntry is one cached wire row, validated by a content hash.
type formatEntry struct {
	hash uint64
	row  *RateRow
}

// Broadcaster periodically snapshots the cache and pushes the two diff
// streams (rates:update, rates:stats) into the hub.
type Broadcaster struct {
	cache     *cache.RatesCache
	hub       *Hub
	interval  time.Duration
	threshold float64
	mirror    *redis.Client

	mu            sync.Mutex
	formats       map[string]formatEntry
	formatOrder   []string
	lastRatesHash uint64
	lastStatsHash uint64

	stopOnce sync.Once
	stop     chan struct{}
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithInterval overrides the snapshot cadence.
func WithInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.interval = d }
}

// WithThreshold overrides the annualized opportunity threshold used for
// status and stats.
func WithThreshold(t float64) Option {
	return func(b *Broadcaster) { b.threshold = t }
}

// WithRedisMirror mirrors each emitted snapshot to Redis.
func WithRedisMirror(client *redis.Client) Option {
	return func(b *Broadcaster) { b.mirror = client }
}

// New builds a Broadcaster over a cache and hub.
func New(c *cache.RatesCache, hub *Hub, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		cache:     c,
		hub:       hub,
		interval:  DefaultInterval,
		threshold: cache.DefaultOpportunityThreshold,
		formats:   make(map[string]formatEntry),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the broadcast loop.
func (b *Broadcaster) Start() {
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				b.Tick()
			}
		}
	}()
	log.Info().Dur("interval", b.interval).Msg("Broadcaster started")
}

// Stop halts the loop.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Tick runs one broadcast pass. Exported so tests can drive it without
// the ticker. With zero subscribers all computation is skipped.
func (b *Broadcaster) Tick() {
	if b.hub.Count(RoomRates) == 0 {
		return
	}

	snapshot := b.cache.GetAll()
	rows := b.formatRows(snapshot)

	b.broadcastRates(rows)
	b.broadcastStats(snapshot)
}

// formatRows transforms the snapshot through the per-symbol format LRU and
// evicts symbols absent from the snapshot. Rows come back sorted by symbol
// so the stream hash is stable.
func (b *Broadcaster) formatRows(snapshot map[string]exchange.FundingRatePair) []*RateRow {
	b.mu.Lock()
	defer b.mu.Unlock()

	for symbol := range b.formats {
		if _, ok := snapshot[symbol]; !ok {
			b.evictFormatLocked(symbol)
		}
	}

	symbols := make([]string, 0, len(snapshot))
	for s := range snapshot {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	rows := make([]*RateRow, 0, len(symbols))
	for _, symbol := range symbols {
		p := snapshot[symbol]
		h := pairHash(p)
		if entry, ok := b.formats[symbol]; ok && entry.hash == h {
			b.touchFormatLocked(symbol)
			rows = append(rows, entry.row)
			continue
		}
		row := b.buildRow(p)
		b.storeFormatLocked(symbol, formatEntry{hash: h, row: row})
		rows = append(rows, row)
	}
	return rows
}

// pairHash validates a cached wire row: recordedAt, best-pair spreads and
// the number of exchange legs.
func pairHash(p exchange.FundingRatePair) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	writeU64(uint64(p.RecordedAt.UnixNano()))
	if p.BestPair != nil {
		writeU64(math.Float64bits(p.BestPair.SpreadPercent))
		writeU64(math.Float64bits(p.BestPair.SpreadAnnualized))
	}
	writeU64(uint64(len(p.Exchanges)))
	return h.Sum64()
}

func (b *Broadcaster) buildRow(p exchange.FundingRatePair) *RateRow {
	row := &RateRow{
		Symbol:    p.Symbol,
		Exchanges: make(map[string]ExchangeRow, len(p.Exchanges)),
		BestPair:  p.BestPair,
		Status:    b.status(p.BestPair),
		Timestamp: p.RecordedAt.UnixMilli(),
	}
	for id, data := range p.Exchanges {
		er := ExchangeRow{
			Rate:            data.Rate.FundingRate.String(),
			IntervalHours:   data.OriginalFundingInterval,
			NextFundingTime: data.Rate.NextFundingTime.UnixMilli(),
		}
		if data.Price != nil {
			er.Price = data.Price.String()
		}
		row.Exchanges[string(id)] = er
	}
	return row
}

func (b *Broadcaster) status(bp *exchange.BestArbitragePair) string {
	if bp == nil {
		return StatusNormal
	}
	switch {
	case bp.SpreadAnnualized >= b.threshold:
		return StatusOpportunity
	case bp.SpreadAnnualized >= b.threshold*0.75:
		return StatusApproaching
	default:
		return StatusNormal
	}
}

// Format-LRU bookkeeping: insertion-order slice, delete-then-append on
// touch, evict the head on overflow.

func (b *Broadcaster) storeFormatLocked(symbol string, entry formatEntry) {
	if _, ok := b.formats[symbol]; ok {
		b.removeOrderLocked(symbol)
	} else if len(b.formats) >= formatCacheCap {
		oldest := b.formatOrder[0]
		b.evictFormatLocked(oldest)
	}
	b.formats[symbol] = entry
	b.formatOrder = append(b.formatOrder, symbol)
}

func (b *Broadcaster) touchFormatLocked(symbol string) {
	b.removeOrderLocked(symbol)
	b.formatOrder = append(b.formatOrder, symbol)
}

func (b *Broadcaster) evictFormatLocked(symbol string) {
	delete(b.formats, symbol)
	b.removeOrderLocked(symbol)
}

func (b *Broadcaster) removeOrderLocked(symbol string) {
	for i, s := range b.formatOrder {
		if s == symbol {
			b.formatOrder = append(b.formatOrder[:i], b.formatOrder[i+1:]...)
			return
		}
	}
}

// broadcastRates hashes the sorted rows and emits rates:update only when
// the hash moved.
func (b *Broadcaster) broadcastRates(rows []*RateRow) {
	h := fnv.New64a()
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			log.Error().Err(err).Str("symbol", row.Symbol).Msg("Rate row marshal failed")
			return
		}
		h.Write(raw)
	}
	sum := h.Sum64()

	b.mu.Lock()
	unchanged := sum == b.lastRatesHash
	b.lastRatesHash = sum
	b.mu.Unlock()
	if unchanged {
		return
	}

	msg := ratesUpdateMsg{Type: "rates:update", Rates: rows, Timestamp: time.Now().UnixMilli()}
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("rates:update marshal failed")
		return
	}
	sent := b.hub.Broadcast(RoomRates, raw)
	metrics.BroadcastsSent.WithLabelValues("rates:update").Inc()
	log.Debug().Int("symbols", len(rows)).Int("subscribers", sent).Msg("rates:update broadcast")
	b.mirrorSnapshot("rates:update", raw)
}

// broadcastStats hashes the stable stats fields (uptime and lastUpdate
// churn every tick and are excluded) and emits rates:stats on change.
func (b *Broadcaster) broadcastStats(snapshot map[string]exchange.FundingRatePair) {
	stats := b.cache.GetStats(snapshot, b.threshold)

	h := fnv.New64a()
	stable := struct {
		Total       int
		Opportunity int
		Approaching int
		Max         *cache.MaxSpread
	}{stats.TotalSymbols, stats.OpportunityCount, stats.ApproachingCount, stats.MaxSpread}
	raw, _ := json.Marshal(stable)
	h.Write(raw)
	sum := h.Sum64()

	b.mu.Lock()
	unchanged := sum == b.lastStatsHash
	b.lastStatsHash = sum
	b.mu.Unlock()
	if unchanged {
		return
	}

	msg := ratesStatsMsg{Type: "rates:stats", Data: stats}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("rates:stats marshal failed")
		return
	}
	b.hub.Broadcast(RoomRates, payload)
	metrics.BroadcastsSent.WithLabelValues("rates:stats").Inc()
	b.mirrorSnapshot("rates:stats", payload)
}

// mirrorSnapshot best-effort copies emitted frames into Redis for external
// consumers.
func (b *Broadcaster) mirrorSnapshot(channel string, payload []byte) {
	if b.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.mirror.Set(ctx, "broadcast:"+channel, payload, 30*time.Second).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("Redis mirror set failed")
		return
	}
	if err := b.mirror.Publish(ctx, channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("Redis mirror publish failed")
	}
}
