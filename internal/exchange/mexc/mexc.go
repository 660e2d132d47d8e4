// Package mexc implements the MEXC contract WebSocket protocol.
package mexc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb-engine/internal/exchange"
)

const wsURL = "wss://contract.mexc.com/edge"

// Protocol subscribes to funding-rate and ticker pushes. MEXC sends
// numeric fields as JSON numbers, so decoding goes through json.Number to
// keep full precision.
type Protocol struct{}

// New returns a ready-to-use MEXC exchange client.
func New(cfg exchange.ClientConfig) exchange.Client {
	return exchange.NewWSClient(&Protocol{}, cfg)
}

func (p *Protocol) Exchange() exchange.ExchangeID { return exchange.MEXC }
func (p *Protocol) Endpoint() string              { return wsURL }

type wsRequest struct {
	Method string         `json:"method"`
	Param  map[string]any `json:"param,omitempty"`
}

func frames(subscribe bool, symbols []string) ([][]byte, error) {
	prefix := "sub."
	if !subscribe {
		prefix = "unsub."
	}
	out := make([][]byte, 0, len(symbols)*2)
	for _, s := range symbols {
		native := exchange.ToNative(exchange.MEXC, s)
		for _, topic := range []string{"funding.rate", "ticker"} {
			raw, err := json.Marshal(wsRequest{
				Method: prefix + topic,
				Param:  map[string]any{"symbol": native},
			})
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
	}
	return out, nil
}

func (p *Protocol) SubscribeFrames(symbols []string) ([][]byte, error) {
	return frames(true, symbols)
}

func (p *Protocol) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return frames(false, symbols)
}

// Ping is the MEXC keep-alive frame {"method":"ping"}.
func (p *Protocol) Ping() ([]byte, bool) {
	return []byte(`{"method":"ping"}`), true
}

func (p *Protocol) AfterConnect(*exchange.Emitter) error { return nil }

type wsPush struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

type fundingData struct {
	Rate           json.Number `json:"fundingRate"`
	NextSettleTime int64       `json:"nextSettleTime"`
	CollectCycle   int         `json:"collectCycle"`
}

type tickerData struct {
	FairPrice  json.Number `json:"fairPrice"`
	IndexPrice json.Number `json:"indexPrice"`
}

func (p *Protocol) HandleMessage(raw []byte, em *exchange.Emitter) {
	var msg wsPush
	if err := json.Unmarshal(raw, &msg); err != nil {
		em.EmitError(fmt.Errorf("mexc decode: %w", err))
		return
	}
	if msg.Ts > 0 {
		em.ObserveServerTime(time.UnixMilli(msg.Ts))
	}
	symbol := exchange.FromNative(exchange.MEXC, msg.Symbol)

	switch msg.Channel {
	case "push.funding.rate":
		var data fundingData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			em.EmitError(fmt.Errorf("mexc funding decode: %w", err))
			return
		}
		rate, err := decimal.NewFromString(data.Rate.String())
		if err != nil {
			em.EmitError(fmt.Errorf("mexc funding rate %q: %w", data.Rate, err))
			return
		}
		ev := &exchange.FundingRateReceived{
			Exchange:             exchange.MEXC,
			Symbol:               symbol,
			FundingRate:          rate,
			NextFundingTime:      time.UnixMilli(data.NextSettleTime),
			FundingIntervalHours: data.CollectCycle,
		}
		em.EmitFundingRate(ev)

	case "push.ticker":
		var data tickerData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		if price, err := decimal.NewFromString(data.FairPrice.String()); err == nil && !price.IsZero() {
			em.EmitMarkPrice(symbol, price)
		}

	case "pong", "rs.sub.funding.rate", "rs.sub.ticker":
		// Keep-alive and subscription acks.
	}
}
