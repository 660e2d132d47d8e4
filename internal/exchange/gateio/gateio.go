// Package gateio implements the Gate.io USDT-settled futures WebSocket
// protocol. Funding rate and mark price both arrive on the tickers channel.
package gateio

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb-engine/internal/exchange"
)

const wsURL = "wss://fx-ws.gateio.ws/v4/ws/usdt"

type Protocol struct{}

// New returns a ready-to-use Gate.io exchange client.
func New(cfg exchange.ClientConfig) exchange.Client {
	return exchange.NewWSClient(&Protocol{}, cfg)
}

func (p *Protocol) Exchange() exchange.ExchangeID { return exchange.GateIO }
func (p *Protocol) Endpoint() string              { return wsURL }

type wsRequest struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload"`
}

func frames(event string, symbols []string) ([][]byte, error) {
	payload := make([]string, 0, len(symbols))
	for _, s := range symbols {
		payload = append(payload, exchange.ToNative(exchange.GateIO, s))
	}
	raw, err := json.Marshal(wsRequest{
		Time:    time.Now().Unix(),
		Channel: "futures.tickers",
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}

func (p *Protocol) SubscribeFrames(symbols []string) ([][]byte, error) {
	return frames("subscribe", symbols)
}

func (p *Protocol) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return frames("unsubscribe", symbols)
}

// Ping is the futures.ping application frame.
func (p *Protocol) Ping() ([]byte, bool) {
	raw, _ := json.Marshal(wsRequest{Time: time.Now().Unix(), Channel: "futures.ping"})
	return raw, true
}

func (p *Protocol) AfterConnect(*exchange.Emitter) error { return nil }

type wsMessage struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *wsError        `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tickerRow struct {
	Contract              string `json:"contract"`
	Last                  string `json:"last"`
	MarkPrice             string `json:"mark_price"`
	FundingRate           string `json:"funding_rate"`
	FundingRateIndicative string `json:"funding_rate_indicative"`
	FundingNextApply      int64  `json:"funding_next_apply"`
}

func (p *Protocol) HandleMessage(raw []byte, em *exchange.Emitter) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		em.EmitError(fmt.Errorf("gateio decode: %w", err))
		return
	}
	if msg.Error != nil {
		em.EmitError(fmt.Errorf("gateio error %d: %s", msg.Error.Code, msg.Error.Message))
		return
	}
	if msg.Channel != "futures.tickers" || msg.Event != "update" {
		return
	}
	if msg.Time > 0 {
		em.ObserveServerTime(time.Unix(msg.Time, 0))
	}

	var rows []tickerRow
	if err := json.Unmarshal(msg.Result, &rows); err != nil {
		em.EmitError(fmt.Errorf("gateio tickers decode: %w", err))
		return
	}
	for _, row := range rows {
		symbol := exchange.FromNative(exchange.GateIO, row.Contract)

		if row.MarkPrice != "" {
			if price, err := decimal.NewFromString(row.MarkPrice); err == nil {
				em.EmitMarkPrice(symbol, price)
			}
		}
		if row.FundingRate == "" {
			continue
		}
		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			em.EmitError(fmt.Errorf("gateio funding rate %q: %w", row.FundingRate, err))
			continue
		}
		ev := &exchange.FundingRateReceived{
			Exchange:             exchange.GateIO,
			Symbol:               symbol,
			FundingRate:          rate,
			NextFundingTime:      time.Unix(row.FundingNextApply, 0),
			FundingIntervalHours: 8,
		}
		if row.FundingRateIndicative != "" {
			if next, err := decimal.NewFromString(row.FundingRateIndicative); err == nil {
				ev.NextFundingRate = &next
			}
		}
		em.EmitFundingRate(ev)
	}
}
