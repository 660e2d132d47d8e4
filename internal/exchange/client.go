package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb-engine/internal/metrics"
)

// Protocol is the exchange-specific half of a client: endpoint, wire frames
// and message decoding. The WSClient owns the socket, reconnect, health and
// subscription state; the protocol owns parsing and translation.
type Protocol interface {
	Exchange() ExchangeID
	Endpoint() string

	// SubscribeFrames and UnsubscribeFrames build the native wire frames
	// for a set of canonical symbols.
	SubscribeFrames(symbols []string) ([][]byte, error)
	UnsubscribeFrames(symbols []string) ([][]byte, error)

	// HandleMessage decodes one raw frame and emits normalized events.
	// Must not block: parse, emit, return.
	HandleMessage(raw []byte, em *Emitter)

	// Ping returns an application-level ping payload, or ok=false when the
	// exchange uses protocol-level pings.
	Ping() (payload []byte, ok bool)

	// AfterConnect runs on a fresh connection before resubscription, e.g.
	// the OKX private-channel login.
	AfterConnect(em *Emitter) error
}

// ClientConfig tunes a WSClient. Zero values fall back to defaults.
type ClientConfig struct {
	// URL overrides the protocol endpoint (tests, regional mirrors).
	URL          string
	Reconnect    ReconnectConfig
	PingInterval time.Duration
	// StaleAfter is the health-watchdog threshold: no decoded message for
	// this long triggers a reconnect.
	StaleAfter    time.Duration
	HealthTick    time.Duration
	DialTimeout   time.Duration
	PriceCacheCap int
}

const (
	defaultPingInterval = 20 * time.Second
	defaultStaleAfter   = 60 * time.Second
	defaultHealthTick   = 15 * time.Second
	defaultDialTimeout  = 10 * time.Second
)

// WSClient owns one physical WebSocket to an exchange. Exchange specifics
// are delegated to the Protocol.
type WSClient struct {
	proto Protocol
	cfg   ClientConfig

	connMu  sync.Mutex
	conn    *websocket.Conn
	connGen uint64
	done    chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]struct{}

	handlersMu          sync.RWMutex
	fundingRateHandler  FundingRateHandler
	fundingBatchHandler FundingRateBatchHandler
	markPriceHandler    MarkPriceHandler
	connectedHandler    ConnectedHandler
	disconnectedHandler DisconnectedHandler
	errorHandler        ErrorHandler
	reconnectingHandler ReconnectingHandler
	maxRetriesHandler   MaxRetriesHandler
	resubscribedHandler ResubscribedHandler

	ready         atomic.Bool
	destroyed     atomic.Bool
	authenticated atomic.Bool
	reconnecting  atomic.Bool

	lastMessage atomic.Int64 // unix nano
	messages    atomic.Int64
	reconnects  atomic.Int64

	latency *LatencyWindow
	prices  *PriceLRU
	backoff *ReconnectManager

	rootDone chan struct{}
	emitter  *Emitter
}

// NewWSClient builds a client for the given protocol.
func NewWSClient(proto Protocol, cfg ClientConfig) *WSClient {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.HealthTick <= 0 {
		cfg.HealthTick = defaultHealthTick
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Reconnect == (ReconnectConfig{}) {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	c := &WSClient{
		proto:    proto,
		cfg:      cfg,
		subs:     make(map[string]struct{}),
		latency:  NewLatencyWindow(),
		prices:   NewPriceLRU(cfg.PriceCacheCap),
		backoff:  NewReconnectManager(cfg.Reconnect),
		rootDone: make(chan struct{}),
	}
	c.emitter = &Emitter{c: c}
	return c
}

func (c *WSClient) ID() ExchangeID { return c.proto.Exchange() }

// Emitter exposes the client's event emitter, mainly so protocol decoders
// can be driven without a live socket.
func (c *WSClient) Emitter() *Emitter { return c.emitter }

func (c *WSClient) endpoint() string {
	if c.cfg.URL != "" {
		return c.cfg.URL
	}
	return c.proto.Endpoint()
}

// Connect dials the exchange. Only the initial dial error is returned;
// everything after surfaces through the error handler.
func (c *WSClient) Connect(ctx context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if c.ready.Load() {
		return nil
	}
	return c.connectOnce(ctx)
}

func (c *WSClient) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.ID(), err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.done = make(chan struct{})
	done := c.done
	c.connMu.Unlock()

	c.ready.Store(true)
	c.backoff.Reset()
	c.lastMessage.Store(time.Now().UnixNano())

	c.wg.Add(3)
	go c.readLoop(conn, done, gen)
	go c.pingLoop(conn, done)
	go c.healthLoop(conn, done, gen)

	if err := c.proto.AfterConnect(c.emitter); err != nil {
		c.emitError(fmt.Errorf("%s post-connect: %w", c.ID(), err))
	}

	c.resubscribe()
	c.emitConnected()
	metrics.RecordConnectionStatus(string(c.ID()), true)
	log.Info().Str("exchange", string(c.ID())).Msg("Exchange WebSocket connected")
	return nil
}

// resubscribe replays the full recorded subscription set on the fresh
// connection, then reports the count.
func (c *WSClient) resubscribe() {
	symbols := c.SubscribedSymbols()
	if len(symbols) == 0 {
		return
	}
	frames, err := c.proto.SubscribeFrames(symbols)
	if err != nil {
		c.emitError(fmt.Errorf("%s resubscribe: %w", c.ID(), err))
		return
	}
	for _, f := range frames {
		if err := c.send(f); err != nil {
			c.emitError(fmt.Errorf("%s resubscribe send: %w", c.ID(), err))
			return
		}
	}
	c.handlersMu.RLock()
	h := c.resubscribedHandler
	c.handlersMu.RUnlock()
	if h != nil {
		h(len(symbols))
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}, gen uint64) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-c.rootDone:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onTransportDown(gen, err)
			return
		}
		c.lastMessage.Store(time.Now().UnixNano())
		c.messages.Add(1)

		// Gzip frames bypass any text handling; the protocol decompresses.
		c.proto.HandleMessage(raw, c.emitter)
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.rootDone:
			return
		case <-ticker.C:
			if payload, ok := c.proto.Ping(); ok {
				if err := c.send(payload); err != nil {
					return
				}
			} else {
				c.writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}
}

// healthLoop reconnects (not disconnects) when no decoded message has
// arrived within StaleAfter.
func (c *WSClient) healthLoop(conn *websocket.Conn, done chan struct{}, gen uint64) {
	defer c.wg.Done()
	if !c.cfg.Reconnect.AutoReconnect {
		return
	}
	ticker := time.NewTicker(c.cfg.HealthTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.rootDone:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastMessage.Load())
			if time.Since(last) > c.cfg.StaleAfter {
				log.Warn().
					Str("exchange", string(c.ID())).
					Dur("silent", time.Since(last)).
					Msg("No messages within health window, forcing reconnect")
				// Closing the socket routes through the standard
				// transport-down reconnect path.
				conn.Close()
				return
			}
		}
	}
}

// onTransportDown marks the client unready and kicks the reconnect loop.
// gen guards against a stale loop racing a newer connection.
func (c *WSClient) onTransportDown(gen uint64, cause error) {
	c.connMu.Lock()
	if gen != c.connGen {
		c.connMu.Unlock()
		return
	}
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	c.connMu.Unlock()

	wasReady := c.ready.Swap(false)
	if !wasReady || c.destroyed.Load() {
		return
	}
	metrics.RecordConnectionStatus(string(c.ID()), false)
	metrics.RecordConnectionError(string(c.ID()), "transport")
	c.emitError(fmt.Errorf("%s transport: %w", c.ID(), cause))
	c.emitDisconnected()

	if c.cfg.Reconnect.AutoReconnect && c.reconnecting.CompareAndSwap(false, true) {
		go c.reconnectLoop()
	}
}

func (c *WSClient) reconnectLoop() {
	defer c.reconnecting.Store(false)
	for {
		if c.destroyed.Load() {
			return
		}
		if !c.backoff.CanRetry() {
			log.Error().Str("exchange", string(c.ID())).Msg("Reconnect retry cap reached")
			c.handlersMu.RLock()
			h := c.maxRetriesHandler
			c.handlersMu.RUnlock()
			if h != nil {
				h()
			}
			return
		}
		attempt, delay := c.backoff.NextDelay()
		c.handlersMu.RLock()
		rh := c.reconnectingHandler
		c.handlersMu.RUnlock()
		if rh != nil {
			rh(attempt)
		}
		log.Info().
			Str("exchange", string(c.ID())).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting")

		select {
		case <-c.rootDone:
			return
		case <-time.After(delay):
		}

		c.reconnects.Add(1)
		metrics.RecordReconnect(string(c.ID()))
		if err := c.connectOnce(context.Background()); err != nil {
			c.emitError(err)
			continue
		}
		return
	}
}

// Disconnect closes the socket and stops the connection loops. The
// subscription set is kept for a later Connect.
func (c *WSClient) Disconnect() error {
	c.ready.Store(false)
	c.connMu.Lock()
	c.connGen++ // invalidate loops so they do not trigger reconnect
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Destroy is idempotent synchronous cleanup: stops every loop and timer,
// closes the socket and drops the handlers.
func (c *WSClient) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	close(c.rootDone)
	_ = c.Disconnect()

	c.handlersMu.Lock()
	c.fundingRateHandler = nil
	c.fundingBatchHandler = nil
	c.markPriceHandler = nil
	c.connectedHandler = nil
	c.disconnectedHandler = nil
	c.errorHandler = nil
	c.reconnectingHandler = nil
	c.maxRetriesHandler = nil
	c.resubscribedHandler = nil
	c.handlersMu.Unlock()
}

// Subscribe records and sends subscriptions for canonical symbols. Fails
// synchronously when the client is not ready.
func (c *WSClient) Subscribe(symbols []string) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if !c.ready.Load() {
		return fmt.Errorf("%s subscribe: %w", c.ID(), ErrNotReady)
	}
	frames, err := c.proto.SubscribeFrames(symbols)
	if err != nil {
		return fmt.Errorf("%s subscribe: %w", c.ID(), err)
	}
	for _, f := range frames {
		if err := c.send(f); err != nil {
			return fmt.Errorf("%s subscribe send: %w", c.ID(), err)
		}
	}
	c.subsMu.Lock()
	for _, s := range symbols {
		c.subs[s] = struct{}{}
	}
	c.subsMu.Unlock()
	return nil
}

// Unsubscribe removes subscriptions. Fails synchronously when not ready.
func (c *WSClient) Unsubscribe(symbols []string) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if !c.ready.Load() {
		return fmt.Errorf("%s unsubscribe: %w", c.ID(), ErrNotReady)
	}
	frames, err := c.proto.UnsubscribeFrames(symbols)
	if err != nil {
		return fmt.Errorf("%s unsubscribe: %w", c.ID(), err)
	}
	for _, f := range frames {
		if err := c.send(f); err != nil {
			return fmt.Errorf("%s unsubscribe send: %w", c.ID(), err)
		}
	}
	c.subsMu.Lock()
	for _, s := range symbols {
		delete(c.subs, s)
	}
	c.subsMu.Unlock()
	return nil
}

// SubscribedSymbols returns the recorded canonical subscription set.
func (c *WSClient) SubscribedSymbols() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *WSClient) IsReady() bool { return c.ready.Load() }

// Stats returns a snapshot of the client's health counters.
func (c *WSClient) Stats() ClientStats {
	c.subsMu.RLock()
	subCount := len(c.subs)
	c.subsMu.RUnlock()
	return ClientStats{
		Exchange:         c.ID(),
		Connected:        c.ready.Load(),
		Authenticated:    c.authenticated.Load(),
		SubscribedCount:  subCount,
		MessagesReceived: c.messages.Load(),
		ReconnectCount:   int(c.reconnects.Load()),
		LastMessageAt:    time.Unix(0, c.lastMessage.Load()),
		Latency:          c.latency.Stats(),
	}
}

func (c *WSClient) send(payload []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotReady
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Handler setters. Installing nil detaches a handler.

func (c *WSClient) SetFundingRateHandler(h FundingRateHandler) {
	c.handlersMu.Lock()
	c.fundingRateHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetFundingRateBatchHandler(h FundingRateBatchHandler) {
	c.handlersMu.Lock()
	c.fundingBatchHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetMarkPriceHandler(h MarkPriceHandler) {
	c.handlersMu.Lock()
	c.markPriceHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetConnectedHandler(h ConnectedHandler) {
	c.handlersMu.Lock()
	c.connectedHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetDisconnectedHandler(h DisconnectedHandler) {
	c.handlersMu.Lock()
	c.disconnectedHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetErrorHandler(h ErrorHandler) {
	c.handlersMu.Lock()
	c.errorHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetReconnectingHandler(h ReconnectingHandler) {
	c.handlersMu.Lock()
	c.reconnectingHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetMaxRetriesHandler(h MaxRetriesHandler) {
	c.handlersMu.Lock()
	c.maxRetriesHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) SetResubscribedHandler(h ResubscribedHandler) {
	c.handlersMu.Lock()
	c.resubscribedHandler = h
	c.handlersMu.Unlock()
}

func (c *WSClient) emitConnected() {
	c.handlersMu.RLock()
	h := c.connectedHandler
	c.handlersMu.RUnlock()
	if h != nil {
		h()
	}
}

func (c *WSClient) emitDisconnected() {
	c.handlersMu.RLock()
	h := c.disconnectedHandler
	c.handlersMu.RUnlock()
	if h != nil {
		h()
	}
}

func (c *WSClient) emitError(err error) {
	c.handlersMu.RLock()
	h := c.errorHandler
	c.handlersMu.RUnlock()
	if h != nil {
		h(err)
	}
}

// Emitter is handed to protocol decoders: it joins cached mark prices onto
// funding emissions, records latency and routes events to handlers.
type Emitter struct {
	c *WSClient
}

// Send writes a raw frame on the current connection (e.g. a deferred
// private-channel subscribe after login ack).
func (e *Emitter) Send(payload []byte) error { return e.c.send(payload) }

// MarkAuthenticated flags the client as logged in on a private channel.
func (e *Emitter) MarkAuthenticated() { e.c.authenticated.Store(true) }

// Authenticated reports private-channel login state.
func (e *Emitter) Authenticated() bool { return e.c.authenticated.Load() }

// ObserveServerTime records message latency against the server timestamp.
func (e *Emitter) ObserveServerTime(serverTime time.Time) {
	now := time.Now()
	e.c.latency.Observe(serverTime, now)
	if d := now.Sub(serverTime); d >= 0 {
		metrics.MessageLatency.WithLabelValues(string(e.c.ID())).Observe(d.Seconds())
	}
}

// EmitMarkPrice caches the price for later joins and notifies the handler.
func (e *Emitter) EmitMarkPrice(symbol string, price decimal.Decimal) {
	e.c.prices.Set(symbol, price)
	metrics.MarkPriceUpdates.WithLabelValues(string(e.c.ID())).Inc()
	e.c.handlersMu.RLock()
	h := e.c.markPriceHandler
	e.c.handlersMu.RUnlock()
	if h != nil {
		h(symbol, price)
	}
}

// EmitFundingRate normalizes defaults, joins the cached mark price when the
// event carries none, and notifies the handler.
func (e *Emitter) EmitFundingRate(ev *FundingRateReceived) {
	e.finalize(ev)
	e.c.handlersMu.RLock()
	h := e.c.fundingRateHandler
	e.c.handlersMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// EmitFundingRateBatch emits an aggregated funding snapshot. When no batch
// handler is installed the events fan out individually.
func (e *Emitter) EmitFundingRateBatch(evs []*FundingRateReceived) {
	for _, ev := range evs {
		e.finalize(ev)
	}
	e.c.handlersMu.RLock()
	bh := e.c.fundingBatchHandler
	fh := e.c.fundingRateHandler
	e.c.handlersMu.RUnlock()
	if bh != nil {
		bh(evs)
		return
	}
	if fh != nil {
		for _, ev := range evs {
			fh(ev)
		}
	}
}

// EmitError surfaces a decode or protocol error.
func (e *Emitter) EmitError(err error) { e.c.emitError(err) }

func (e *Emitter) finalize(ev *FundingRateReceived) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	metrics.RecordFundingRate(string(ev.Exchange), ev.Symbol, ev.FundingRate.InexactFloat64())
	if ev.Source == "" {
		ev.Source = "websocket"
	}
	if ev.MarkPrice == nil {
		if p, ok := e.c.prices.Get(ev.Symbol); ok {
			ev.MarkPrice = &p
		}
	} else {
		e.c.prices.Set(ev.Symbol, *ev.MarkPrice)
	}
}
