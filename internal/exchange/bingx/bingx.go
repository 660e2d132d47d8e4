// Package bingx implements the BingX swap WebSocket protocol. BingX frames
// arrive gzip-compressed; the raw buffer is decompressed here before any
// text handling.
package bingx

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"fundingarb-engine/internal/exchange"
)

const wsURL = "wss://open-api-swap.bingx.com/swap-market"

type Protocol struct {
	reqID atomic.Int64
}

// New returns a ready-to-use BingX exchange client.
func New(cfg exchange.ClientConfig) exchange.Client {
	return exchange.NewWSClient(&Protocol{}, cfg)
}

func (p *Protocol) Exchange() exchange.ExchangeID { return exchange.BingX }
func (p *Protocol) Endpoint() string              { return wsURL }

type wsRequest struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

func (p *Protocol) frames(reqType string, symbols []string) ([][]byte, error) {
	out := make([][]byte, 0, len(symbols))
	for _, s := range symbols {
		native := exchange.ToNative(exchange.BingX, s)
		raw, err := json.Marshal(wsRequest{
			ID:       strconv.FormatInt(p.reqID.Add(1), 10),
			ReqType:  reqType,
			DataType: native + "@markPrice",
		})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (p *Protocol) SubscribeFrames(symbols []string) ([][]byte, error) {
	return p.frames("sub", symbols)
}

func (p *Protocol) UnsubscribeFrames(symbols []string) ([][]byte, error) {
	return p.frames("unsub", symbols)
}

// Ping is the BingX text "Ping" keep-alive.
func (p *Protocol) Ping() ([]byte, bool) { return []byte("Ping"), true }

func (p *Protocol) AfterConnect(*exchange.Emitter) error { return nil }

// markPriceData mirrors the Binance-style payload BingX pushes.
type markPriceData struct {
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

func (p *Protocol) HandleMessage(raw []byte, em *exchange.Emitter) {
	// The gzip magic check runs before any text decoding.
	if exchange.IsGzip(raw) {
		decompressed, err := decompress(raw)
		if err != nil {
			em.EmitError(fmt.Errorf("bingx gunzip: %w", err))
			return
		}
		raw = decompressed
	}

	text := strings.TrimSpace(string(raw))
	if text == "Ping" {
		if err := em.Send([]byte("Pong")); err != nil {
			em.EmitError(fmt.Errorf("bingx pong: %w", err))
		}
		return
	}
	if text == "Pong" || text == "" {
		return
	}

	dataType, err := jsonparser.GetString(raw, "dataType")
	if err != nil || !strings.HasSuffix(dataType, "@markPrice") {
		// Subscription acks carry code/id only.
		return
	}

	var data markPriceData
	dataRaw, _, _, err := jsonparser.Get(raw, "data")
	if err != nil {
		return
	}
	if err := json.Unmarshal(dataRaw, &data); err != nil {
		em.EmitError(fmt.Errorf("bingx decode: %w", err))
		return
	}
	if data.Symbol == "" {
		data.Symbol = strings.TrimSuffix(dataType, "@markPrice")
	}
	if data.EventTime > 0 {
		em.ObserveServerTime(time.UnixMilli(data.EventTime))
	}
	symbol := exchange.FromNative(exchange.BingX, data.Symbol)

	if data.MarkPrice != "" {
		if price, err := decimal.NewFromString(data.MarkPrice); err == nil {
			em.EmitMarkPrice(symbol, price)
		}
	}
	if data.FundingRate == "" {
		return
	}
	rate, err := decimal.NewFromString(data.FundingRate)
	if err != nil {
		em.EmitError(fmt.Errorf("bingx funding rate %q: %w", data.FundingRate, err))
		return
	}
	ev := &exchange.FundingRateReceived{
		Exchange:             exchange.BingX,
		Symbol:               symbol,
		FundingRate:          rate,
		NextFundingTime:      time.UnixMilli(data.NextFundingTime),
		FundingIntervalHours: 8,
	}
	if data.MarkPrice != "" {
		if price, err := decimal.NewFromString(data.MarkPrice); err == nil {
			ev.MarkPrice = &price
		}
	}
	em.EmitFundingRate(ev)
}

func decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
