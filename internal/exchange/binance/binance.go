// Package binance implements the Binance USD-M futures WebSocket protocol.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb-engine/internal/exchange"
)

const wsURL = "wss://fstream.binance.com/ws"

// Protocol decodes the mark-price stream, which carries both the funding
// rate and the mark price in a single event.
type Protocol struct {
	reqID atomic.Int64
}

// New returns a ready-to-use Binance exchange client.
func New(cfg exchange.ClientConfig) exchange.Client {
	return exchange.NewWSClient(&Protocol{}, cfg)
}

func (p *Protocol) Exchange() exchange.ExchangeID { return exchange.Binance }
func (p *Protocol) Endpoint() string              { return wsURL }

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (p *Protocol) frames(method string, symbols []string) ([][]byte, error) {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@markPrice@1s")
	}
	raw, err := json.Marshal(wsRequest{Method: method, Params: params, ID: p.reqID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}

func (p *Protocol) SubscribeFrames(symbols []string) ([][]byte, error) {
	return p.frames("SUBSCRIBE", symbols)
}

func (p *Protocol) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return p.frames("UNSUBSCRIBE", symbols)
}

// Ping is protocol-level on Binance: the server pings, gorilla answers.
func (p *Protocol) Ping() ([]byte, bool) { return nil, false }

func (p *Protocol) AfterConnect(*exchange.Emitter) error { return nil }

// markPriceEvent mirrors the markPriceUpdate payload. All numerics are
// strings on the wire.
type markPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// HandleMessage routes single events and the aggregated !markPrice@arr
// array. The type peek uses jsonparser to avoid a full decode on every
// frame.
func (p *Protocol) HandleMessage(raw []byte, em *exchange.Emitter) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var events []markPriceEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			em.EmitError(fmt.Errorf("binance decode array: %w", err))
			return
		}
		batch := make([]*exchange.FundingRateReceived, 0, len(events))
		for i := range events {
			if ev := p.toEvent(&events[i], em); ev != nil {
				batch = append(batch, ev)
			}
		}
		if len(batch) > 0 {
			em.EmitFundingRateBatch(batch)
		}
		return
	}

	eventType, err := jsonparser.GetString(raw, "e")
	if err != nil {
		// Subscription acks carry only {"result":null,"id":N}.
		return
	}
	if eventType != "markPriceUpdate" {
		log.Trace().Str("event", eventType).Msg("binance: unhandled event type")
		return
	}
	var event markPriceEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		em.EmitError(fmt.Errorf("binance decode: %w", err))
		return
	}
	if ev := p.toEvent(&event, em); ev != nil {
		em.EmitFundingRate(ev)
	}
}

func (p *Protocol) toEvent(e *markPriceEvent, em *exchange.Emitter) *exchange.FundingRateReceived {
	if e.EventTime > 0 {
		em.ObserveServerTime(time.UnixMilli(e.EventTime))
	}
	symbol := exchange.FromNative(exchange.Binance, e.Symbol)

	if e.MarkPrice != "" {
		if price, err := decimal.NewFromString(e.MarkPrice); err == nil {
			em.EmitMarkPrice(symbol, price)
		}
	}
	if e.FundingRate == "" {
		return nil
	}
	rate, err := decimal.NewFromString(e.FundingRate)
	if err != nil {
		em.EmitError(fmt.Errorf("binance funding rate %q: %w", e.FundingRate, err))
		return nil
	}
	ev := &exchange.FundingRateReceived{
		Exchange:             exchange.Binance,
		Symbol:               symbol,
		FundingRate:          rate,
		NextFundingTime:      time.UnixMilli(e.NextFundingTime),
		FundingIntervalHours: 8,
	}
	if e.MarkPrice != "" {
		if price, err := decimal.NewFromString(e.MarkPrice); err == nil {
			ev.MarkPrice = &price
		}
	}
	return ev
}
