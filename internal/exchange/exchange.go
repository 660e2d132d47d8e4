// Package exchange defines the normalized funding-rate data model and the
// WebSocket client interface shared by all exchange implementations.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeID identifies a supported exchange.
type ExchangeID string

const (
	Binance ExchangeID = "binance"
	OKX     ExchangeID = "okx"
	MEXC    ExchangeID = "mexc"
	GateIO  ExchangeID = "gateio"
	BingX   ExchangeID = "bingx"
)

// All returns every supported exchange in canonical order. The order is
// stable so pair iteration downstream is deterministic.
func All() []ExchangeID {
	return []ExchangeID{Binance, OKX, MEXC, GateIO, BingX}
}

// Valid reports whether the ID is one of the supported exchanges.
func (id ExchangeID) Valid() bool {
	switch id {
	case Binance, OKX, MEXC, GateIO, BingX:
		return true
	}
	return false
}

// ParseExchangeID parses a case-insensitive exchange name.
func ParseExchangeID(s string) (ExchangeID, error) {
	id := ExchangeID(strings.ToLower(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, s)
	}
	return id, nil
}

// MaxSymbolsPerConnection returns the per-socket subscription limit for an
// exchange. Exceeding it requires another physical connection.
func MaxSymbolsPerConnection(id ExchangeID) int {
	switch id {
	case GateIO:
		return 20
	case BingX:
		return 50
	default:
		return 100
	}
}

// DefaultFundingIntervalHours is assumed when an exchange does not report
// its funding interval.
const DefaultFundingIntervalHours = 8

// Sentinel errors for programmer-error paths. I/O failures are surfaced via
// error handlers instead.
var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrEmptySymbol     = errors.New("symbol must not be empty")
	ErrNotReady        = errors.New("client not ready")
	ErrDestroyed       = errors.New("client destroyed")
)

// FundingRateRecord is the validated, immutable form of a single funding
// rate observation. Construct via NewFundingRateRecord.
type FundingRateRecord struct {
	Exchange        ExchangeID
	Symbol          string
	FundingRate     decimal.Decimal
	NextFundingTime time.Time
	MarkPrice       *decimal.Decimal
	IndexPrice      *decimal.Decimal
	RecordedAt      time.Time
}

// NewFundingRateRecord validates and builds a record.
func NewFundingRateRecord(ex ExchangeID, symbol string, rate decimal.Decimal, nextFunding, recordedAt time.Time) (FundingRateRecord, error) {
	if !ex.Valid() {
		return FundingRateRecord{}, fmt.Errorf("%w: %q", ErrUnknownExchange, ex)
	}
	if symbol == "" {
		return FundingRateRecord{}, ErrEmptySymbol
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	return FundingRateRecord{
		Exchange:        ex,
		Symbol:          symbol,
		FundingRate:     rate,
		NextFundingTime: nextFunding,
		RecordedAt:      recordedAt,
	}, nil
}

// Annualized returns the rate scaled to annual terms for the given funding
// interval in hours.
func (r FundingRateRecord) Annualized(intervalHours int) decimal.Decimal {
	if intervalHours <= 0 {
		intervalHours = DefaultFundingIntervalHours
	}
	periodsPerYear := decimal.NewFromInt(int64(365 * 24 / intervalHours))
	return r.FundingRate.Mul(periodsPerYear)
}

// Percent renders the rate as a percentage string, e.g. "0.0100%".
func (r FundingRateRecord) Percent() string {
	return r.FundingRate.Mul(decimal.NewFromInt(100)).StringFixed(4) + "%"
}

// ExchangeRateData is the latest known state for one exchange leg of a
// symbol: the funding record, an optional mark price, the native funding
// interval and optional pre-normalized rates per time basis.
type ExchangeRateData struct {
	Rate FundingRateRecord
	// Price is the latest mark price, when known.
	Price *decimal.Decimal
	// OriginalFundingInterval is the exchange-native interval in hours
	// (1, 2, 4, 8 or 24). Zero means unknown.
	OriginalFundingInterval int
	// Normalized carries pre-converted rates keyed by basis hours.
	Normalized map[int]decimal.Decimal
}

// BestArbitragePair is the highest-spread long/short combination for a
// symbol. Long receives funding (smaller rate), short pays (larger rate).
type BestArbitragePair struct {
	LongExchange     ExchangeID `json:"longExchange"`
	ShortExchange    ExchangeID `json:"shortExchange"`
	SpreadPercent    float64    `json:"spreadPercent"`
	SpreadAnnualized float64    `json:"spreadAnnualized"`
	PriceDiffPercent *float64   `json:"priceDiffPercent,omitempty"`
	// PriceDirectionOK is nil when either leg is missing a price.
	PriceDirectionOK *bool `json:"isPriceDirectionCorrect,omitempty"`
}

// FundingRatePair is the combined cross-exchange view of one symbol.
// Invariant: every Exchanges[e].Rate.Symbol equals Symbol.
type FundingRatePair struct {
	Symbol     string
	Exchanges  map[ExchangeID]ExchangeRateData
	BestPair   *BestArbitragePair
	RecordedAt time.Time
}

// FundingRateReceived is the normalized event emitted by exchange clients
// for every decoded funding-rate message.
type FundingRateReceived struct {
	Exchange        ExchangeID
	Symbol          string
	FundingRate     decimal.Decimal
	NextFundingTime time.Time
	NextFundingRate *decimal.Decimal
	MarkPrice       *decimal.Decimal
	// RateAbsent marks events that intentionally carry no funding rate,
	// such as price-only pushes. Decoders that parsed a rate leave it
	// false, so a genuine zero rate is still a rate.
	RateAbsent bool
	// FundingIntervalHours is zero when the exchange does not report it.
	FundingIntervalHours int
	Source               string
	ReceivedAt           time.Time
}

// Handler signatures for the client event surface.
type (
	FundingRateHandler      func(ev *FundingRateReceived)
	FundingRateBatchHandler func(evs []*FundingRateReceived)
	MarkPriceHandler        func(symbol string, price decimal.Decimal)
	ConnectedHandler        func()
	DisconnectedHandler     func()
	ErrorHandler            func(err error)
	ReconnectingHandler     func(attempt int)
	MaxRetriesHandler       func()
	ResubscribedHandler     func(count int)
)

// ClientStats is a point-in-time snapshot of a client's health counters.
type ClientStats struct {
	Exchange         ExchangeID
	Connected        bool
	Authenticated    bool
	SubscribedCount  int
	MessagesReceived int64
	ReconnectCount   int
	LastMessageAt    time.Time
	Latency          LatencyStats
}

// Client is the common surface of a single-socket exchange WebSocket client.
// The connection pool depends only on this interface.
type Client interface {
	ID() ExchangeID

	// Connect dials the exchange endpoint. The dial has a 10 s deadline;
	// later transport failures surface via the error handler, not here.
	Connect(ctx context.Context) error
	Disconnect() error
	// Destroy performs idempotent synchronous cleanup: stops timers and
	// loops, closes the socket, drops handlers.
	Destroy()

	// Subscribe and Unsubscribe fail synchronously when the client is not
	// ready.
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	SubscribedSymbols() []string

	IsReady() bool
	Stats() ClientStats

	SetFundingRateHandler(FundingRateHandler)
	SetFundingRateBatchHandler(FundingRateBatchHandler)
	SetMarkPriceHandler(MarkPriceHandler)
	SetConnectedHandler(ConnectedHandler)
	SetDisconnectedHandler(DisconnectedHandler)
	SetErrorHandler(ErrorHandler)
	SetReconnectingHandler(ReconnectingHandler)
	SetMaxRetriesHandler(MaxRetriesHandler)
	SetResubscribedHandler(ResubscribedHandler)
}

// IsGzip reports whether the payload starts with the gzip magic bytes.
// Gzip frames bypass text decoding and are handed raw to the exchange
// handler for decompression.
func IsGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}
