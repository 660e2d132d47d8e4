// Package okx implements the OKX v5 public WebSocket protocol, with
// optional private-channel login.
package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb-engine/internal/exchange"
)

const wsURL = "wss://ws.okx.com:8443/ws/v5/public"

// codeSymbolNotFound is OKX error 60018: the instrument does not exist.
// It is a debug-level drop, not an error.
const codeSymbolNotFound = "60018"

// Credentials hold the API key triple for private-channel login.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

func (c Credentials) empty() bool { return c.APIKey == "" || c.APISecret == "" }

// Protocol decodes funding-rate and mark-price channels.
type Protocol struct {
	creds Credentials

	mu             sync.Mutex
	pendingPrivate [][]byte
}

// New returns a ready-to-use OKX exchange client.
func New(cfg exchange.ClientConfig, creds Credentials) exchange.Client {
	return exchange.NewWSClient(&Protocol{creds: creds}, cfg)
}

func (p *Protocol) Exchange() exchange.ExchangeID { return exchange.OKX }
func (p *Protocol) Endpoint() string              { return wsURL }

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsOp struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

func frames(op string, symbols []string) ([][]byte, error) {
	args := make([]any, 0, len(symbols)*2)
	for _, s := range symbols {
		inst := exchange.ToNative(exchange.OKX, s)
		args = append(args,
			wsArg{Channel: "funding-rate", InstID: inst},
			wsArg{Channel: "mark-price", InstID: inst},
		)
	}
	raw, err := json.Marshal(wsOp{Op: op, Args: args})
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

// Ping is the OKX text "ping"; the server answers "pong".
func (p *Protocol) Ping() ([]byte, bool) { return []byte("ping"), true }

// AfterConnect sends the private-channel login when credentials are
// configured. Sign: HMAC-SHA256(timestamp + "GET" + "/users/self/verify"),
// base64.
func (p *Protocol) AfterConnect(em *exchange.Emitter) error {
	if p.creds.empty() {
		return nil
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(p.creds.APISecret))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	login := wsOp{Op: "login", Args: []any{struct {
		APIKey     string `json:"apiKey"`
		Passphrase string `json:"passphrase"`
		Timestamp  string `json:"timestamp"`
		Sign       string `json:"sign"`
	}{p.creds.APIKey, p.creds.Passphrase, ts, sign}}}

	raw, err := json.Marshal(login)
	if err != nil {
		return err
	}
	return em.Send(raw)
}

// QueuePrivateSubscription defers a private-channel frame until login is
// acknowledged; if already authenticated it is sent on the next ack.
func (p *Protocol) QueuePrivateSubscription(frame []byte) {
	p.mu.Lock()
	p.pendingPrivate = append(p.pendingPrivate, frame)
	p.mu.Unlock()
}

type wsMessage struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   wsArg           `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type fundingRateData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingRate string `json:"nextFundingRate"`
	FundingTime     string `json:"fundingTime"`
	Ts              string `json:"ts"`
}

type markPriceData struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
	Ts     string `json:"ts"`
}

func (p *Protocol) HandleMessage(raw []byte, em *exchange.Emitter) {
	if string(raw) == "pong" {
		return
	}
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		em.EmitError(fmt.Errorf("okx decode: %w", err))
		return
	}

	switch msg.Event {
	case "error":
		if msg.Code == codeSymbolNotFound {
			log.Debug().Str("msg", msg.Msg).Msg("okx: symbol does not exist, dropping")
			return
		}
		em.EmitError(fmt.Errorf("okx error %s: %s", msg.Code, msg.Msg))
		return
	case "login":
		if msg.Code == "0" || msg.Code == "" {
			em.MarkAuthenticated()
			p.flushPrivate(em)
		} else {
			em.EmitError(fmt.Errorf("okx login failed %s: %s", msg.Code, msg.Msg))
		}
		return
	case "subscribe", "unsubscribe":
		return
	}

	switch msg.Arg.Channel {
	case "funding-rate":
		p.handleFunding(msg.Data, em)
	case "mark-price":
		p.handleMarkPrice(msg.Data, em)
	}
}

func (p *Protocol) flushPrivate(em *exchange.Emitter) {
	p.mu.Lock()
	pending := p.pendingPrivate
	p.pendingPrivate = nil
	p.mu.Unlock()
	for _, frame := range pending {
		if err := em.Send(frame); err != nil {
			em.EmitError(fmt.Errorf("okx private subscribe: %w", err))
			return
		}
	}
}

func (p *Protocol) handleFunding(data json.RawMessage, em *exchange.Emitter) {
	var rows []fundingRateData
	if err := json.Unmarshal(data, &rows); err != nil {
		em.EmitError(fmt.Errorf("okx funding decode: %w", err))
		return
	}
	for _, row := range rows {
		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			em.EmitError(fmt.Errorf("okx funding rate %q: %w", row.FundingRate, err))
			continue
		}
		if ts := parseMillis(row.Ts); !ts.IsZero() {
			em.ObserveServerTime(ts)
		}
		ev := &exchange.FundingRateReceived{
			Exchange:             exchange.OKX,
			Symbol:               exchange.FromNative(exchange.OKX, row.InstID),
			FundingRate:          rate,
			NextFundingTime:      parseMillis(row.FundingTime),
			FundingIntervalHours: 8,
		}
		if row.NextFundingRate != "" {
			if next, err := decimal.NewFromString(row.NextFundingRate); err == nil {
				ev.NextFundingRate = &next
			}
		}
		em.EmitFundingRate(ev)
	}
}

func (p *Protocol) handleMarkPrice(data json.RawMessage, em *exchange.Emitter) {
	var rows []markPriceData
	if err := json.Unmarshal(data, &rows); err != nil {
		em.EmitError(fmt.Errorf("okx mark price decode: %w", err))
		return
	}
	for _, row := range rows {
		price, err := decimal.NewFromString(row.MarkPx)
		if err != nil {
			continue
		}
		if ts := parseMillis(row.Ts); !ts.IsZero() {
			em.ObserveServerTime(ts)
		}
		em.EmitMarkPrice(exchange.FromNative(exchange.OKX, row.InstID), price)
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
