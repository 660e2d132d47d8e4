// Package pool schedules symbol subscriptions across multiple WebSocket
// clients for one exchange, honoring the per-connection subscription limit.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fundingarb-engine/internal/exchange"
	"fundingarb-engine/internal/metrics"
)

// Factory builds a fresh client for the pool's exchange. The pool calls it
// whenever every existing connection is at its subscription limit.
type Factory func() (exchange.Client, error)

// ErrPoolDestroyed is returned by Subscribe after Destroy.
var ErrPoolDestroyed = errors.New("connection pool destroyed")

// Options tune a pool.
type Options struct {
	// MaxPerConnection caps symbols per client; zero uses the exchange
	// default.
	MaxPerConnection int
	// AutoScale prunes idle clients after unsubscribes, keeping one hot
	// socket.
	AutoScale bool
	// SubscribeRate paces subscribeAll batches; zero means 10 batches/s.
	SubscribeRate rate.Limit
}

// Event handler signatures. The pool republishes client events upward with
// the connection index attached for diagnostics.
type (
	FundingRateHandler      func(ev *exchange.FundingRateReceived, connIndex int)
	FundingRateBatchHandler func(evs []*exchange.FundingRateReceived, connIndex int)
	ConnectionHandler       func(connIndex int)
	ErrorHandler            func(err error, connIndex int)
	CountChangedHandler     func(count int)
)

// Pool owns {index → client} and {symbol → index} for one exchange.
// Invariant: each symbol is mapped to exactly one connection, and no
// connection holds more than MaxPerConnection symbols.
type Pool struct {
	exchangeID exchange.ExchangeID
	factory    Factory
	maxPerConn int
	autoScale  bool
	limiter    *rate.Limiter

	mu         sync.Mutex
	clients    map[int]exchange.Client
	symbolConn map[string]int
	nextIndex  int
	destroyed  bool

	handlersMu          sync.RWMutex
	fundingRateHandler  FundingRateHandler
	fundingBatchHandler FundingRateBatchHandler
	connectedHandler    ConnectionHandler
	disconnectedHandler ConnectionHandler
	errorHandler        ErrorHandler
	countHandler        CountChangedHandler
}

// New creates a pool for an exchange.
func New(id exchange.ExchangeID, factory Factory, opts Options) *Pool {
	maxPer := opts.MaxPerConnection
	if maxPer <= 0 {
		maxPer = exchange.MaxSymbolsPerConnection(id)
	}
	limit := opts.SubscribeRate
	if limit <= 0 {
		limit = 10
	}
	return &Pool{
		exchangeID: id,
		factory:    factory,
		maxPerConn: maxPer,
		autoScale:  opts.AutoScale,
		limiter:    rate.NewLimiter(limit, 1),
		clients:    make(map[int]exchange.Client),
		symbolConn: make(map[string]int),
	}
}

func (p *Pool) Exchange() exchange.ExchangeID { return p.exchangeID }

// Subscribe places one symbol on the lowest-index connection with capacity,
// creating a connection when none has room. Already-subscribed symbols are
// a no-op.
func (p *Pool) Subscribe(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return fmt.Errorf("subscribe %s on %s: %w", symbol, p.exchangeID, ErrPoolDestroyed)
	}
	if _, ok := p.symbolConn[symbol]; ok {
		return nil
	}

	index, client, err := p.clientWithCapacityLocked(ctx)
	if err != nil {
		return err
	}
	if err := client.Subscribe([]string{symbol}); err != nil {
		return fmt.Errorf("subscribe %s on %s[%d]: %w", symbol, p.exchangeID, index, err)
	}
	p.symbolConn[symbol] = index
	return nil
}

// SubscribeAll greedily fills connections up to their remaining capacity,
// creating connections as needed, pacing batches through the rate limiter.
func (p *Pool) SubscribeAll(ctx context.Context, symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return fmt.Errorf("subscribeAll on %s: %w", p.exchangeID, ErrPoolDestroyed)
	}

	pending := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := p.symbolConn[s]; !ok {
			pending = append(pending, s)
		}
	}

	placed := 0
	for len(pending) > 0 {
		index, client, err := p.clientWithCapacityLocked(ctx)
		if err != nil {
			return fmt.Errorf("subscribeAll on %s after %d placed: %w", p.exchangeID, placed, err)
		}
		room := p.maxPerConn - p.countLocked(index)
		if room <= 0 {
			return fmt.Errorf("subscribeAll on %s: connection %d reported no capacity", p.exchangeID, index)
		}
		batch := pending
		if len(batch) > room {
			batch = pending[:room]
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := client.Subscribe(batch); err != nil {
			return fmt.Errorf("subscribeAll batch on %s[%d]: %w", p.exchangeID, index, err)
		}
		for _, s := range batch {
			p.symbolConn[s] = index
		}
		placed += len(batch)
		pending = pending[len(batch):]
		metrics.SymbolsSubscribed.WithLabelValues(string(p.exchangeID)).Set(float64(len(p.symbolConn)))
		log.Info().
			Str("exchange", string(p.exchangeID)).
			Int("connection", index).
			Int("batch", len(batch)).
			Int("placed", placed).
			Int("remaining", len(pending)).
			Msg("Subscription batch placed")
	}
	return nil
}

// Unsubscribe removes the symbol from its connection, then prunes idle
// connections when autoScale is on.
func (p *Pool) Unsubscribe(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil // destroyed pool silently drops unsubscribes
	}
	index, ok := p.symbolConn[symbol]
	if !ok {
		return nil
	}
	client := p.clients[index]
	if client != nil {
		if err := client.Unsubscribe([]string{symbol}); err != nil {
			return fmt.Errorf("unsubscribe %s on %s[%d]: %w", symbol, p.exchangeID, index, err)
		}
	}
	delete(p.symbolConn, symbol)

	if p.autoScale {
		p.shrinkLocked()
	}
	return nil
}

// clientWithCapacityLocked returns the lowest-index client below the limit,
// creating and connecting a new one when all are full.
func (p *Pool) clientWithCapacityLocked(ctx context.Context) (int, exchange.Client, error) {
	indices := make([]int, 0, len(p.clients))
	for i := range p.clients {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		if p.countLocked(i) < p.maxPerConn {
			return i, p.clients[i], nil
		}
	}
	return p.createClientLocked(ctx)
}

// createClientLocked builds, wires and connects a new client. On connect
// failure every installed listener is detached and the client destroyed
// before the original error propagates, so a failed dial cannot leak
// listeners.
func (p *Pool) createClientLocked(ctx context.Context) (int, exchange.Client, error) {
	client, err := p.factory()
	if err != nil {
		return 0, nil, fmt.Errorf("create client for %s: %w", p.exchangeID, err)
	}
	index := p.nextIndex
	p.installListeners(client, index)

	if err := client.Connect(ctx); err != nil {
		p.detachListeners(client)
		client.Destroy()
		return 0, nil, fmt.Errorf("connect %s[%d]: %w", p.exchangeID, index, err)
	}

	p.clients[index] = client
	p.nextIndex++
	log.Info().
		Str("exchange", string(p.exchangeID)).
		Int("connection", index).
		Int("connections", len(p.clients)).
		Msg("Connection added to pool")
	p.notifyCount(len(p.clients))
	return index, client, nil
}

func (p *Pool) countLocked(index int) int {
	n := 0
	for _, i := range p.symbolConn {
		if i == index {
			n++
		}
	}
	return n
}

// shrinkLocked prunes clients with zero subscriptions but always keeps one
// hot socket.
func (p *Pool) shrinkLocked() {
	if len(p.clients) <= 1 {
		return
	}
	indices := make([]int, 0, len(p.clients))
	for i := range p.clients {
		indices = append(indices, i)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))

	pruned := false
	for _, i := range indices {
		if len(p.clients) <= 1 {
			break
		}
		if p.countLocked(i) > 0 {
			continue
		}
		client := p.clients[i]
		p.detachListeners(client)
		client.Destroy()
		delete(p.clients, i)
		pruned = true
		log.Info().
			Str("exchange", string(p.exchangeID)).
			Int("connection", i).
			Msg("Idle connection pruned")
	}
	if pruned {
		p.notifyCount(len(p.clients))
	}
}

// installListeners wires the five upward-republished events, tagging each
// with the connection index.
func (p *Pool) installListeners(client exchange.Client, index int) {
	client.SetFundingRateHandler(func(ev *exchange.FundingRateReceived) {
		p.handlersMu.RLock()
		h := p.fundingRateHandler
		p.handlersMu.RUnlock()
		if h != nil {
			h(ev, index)
		}
	})
	client.SetFundingRateBatchHandler(func(evs []*exchange.FundingRateReceived) {
		p.handlersMu.RLock()
		h := p.fundingBatchHandler
		p.handlersMu.RUnlock()
		if h != nil {
			h(evs, index)
		}
	})
	client.SetConnectedHandler(func() {
		p.handlersMu.RLock()
		h := p.connectedHandler
		p.handlersMu.RUnlock()
		if h != nil {
			h(index)
		}
	})
	client.SetDisconnectedHandler(func() {
		p.handlersMu.RLock()
		h := p.disconnectedHandler
		p.handlersMu.RUnlock()
		if h != nil {
			h(index)
		}
	})
	client.SetErrorHandler(func(err error) {
		p.handlersMu.RLock()
		h := p.errorHandler
		p.handlersMu.RUnlock()
		if h != nil {
			h(err, index)
		}
	})
}

func (p *Pool) detachListeners(client exchange.Client) {
	client.SetFundingRateHandler(nil)
	client.SetFundingRateBatchHandler(nil)
	client.SetConnectedHandler(nil)
	client.SetDisconnectedHandler(nil)
	client.SetErrorHandler(nil)
}

func (p *Pool) notifyCount(count int) {
	metrics.PoolConnections.WithLabelValues(string(p.exchangeID)).Set(float64(count))
	p.handlersMu.RLock()
	h := p.countHandler
	p.handlersMu.RUnlock()
	if h != nil {
		h(count)
	}
}

// IsReady reports true when the pool has at least one client and every
// client reports ready.
func (p *Pool) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clients) == 0 {
		return false
	}
	for _, c := range p.clients {
		if !c.IsReady() {
			return false
		}
	}
	return true
}

// ConnectionCount returns the number of live clients.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// SubscriptionCount returns the number of symbols mapped to a connection.
func (p *Pool) SubscriptionCount(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(index)
}

// SubscribedSymbols returns every symbol the pool tracks.
func (p *Pool) SubscribedSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.symbolConn))
	for s := range p.symbolConn {
		out = append(out, s)
	}
	return out
}

// Disconnect detaches listeners and closes every client concurrently, then
// clears the maps. The pool can be rebuilt by subscribing again.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[int]exchange.Client)
	p.symbolConn = make(map[string]int)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for index, client := range clients {
		wg.Add(1)
		go func(i int, c exchange.Client) {
			defer wg.Done()
			p.detachListeners(c)
			if err := c.Disconnect(); err != nil {
				log.Warn().
					Err(err).
					Str("exchange", string(p.exchangeID)).
					Int("connection", i).
					Msg("Error disconnecting pooled client")
			}
		}(index, client)
	}
	wg.Wait()
	return nil
}

// Destroy is synchronous: marks the pool destroyed (subsequent Subscribe
// fails), destroys every client and clears the maps and handlers.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	clients := p.clients
	p.clients = make(map[int]exchange.Client)
	p.symbolConn = make(map[string]int)
	p.mu.Unlock()

	for _, client := range clients {
		p.detachListeners(client)
		client.Destroy()
	}

	p.handlersMu.Lock()
	p.fundingRateHandler = nil
	p.fundingBatchHandler = nil
	p.connectedHandler = nil
	p.disconnectedHandler = nil
	p.errorHandler = nil
	p.countHandler = nil
	p.handlersMu.Unlock()
}

// Handler setters.

func (p *Pool) SetFundingRateHandler(h FundingRateHandler) {
	p.handlersMu.Lock()
	p.fundingRateHandler = h
	p.handlersMu.Unlock()
}

func (p *Pool) SetFundingRateBatchHandler(h FundingRateBatchHandler) {
	p.handlersMu.Lock()
	p.fundingBatchHandler = h
	p.handlersMu.Unlock()
}

func (p *Pool) SetConnectedHandler(h ConnectionHandler) {
	p.handlersMu.Lock()
	p.connectedHandler = h
	p.handlersMu.Unlock()
}

func (p *Pool) SetDisconnectedHandler(h ConnectionHandler) {
	p.handlersMu.Lock()
	p.disconnectedHandler = h
	p.handlersMu.Unlock()
}

func (p *Pool) SetErrorHandler(h ErrorHandler) {
	p.handlersMu.Lock()
	p.errorHandler = h
	p.handlersMu.Unlock()
}

func (p *Pool) SetConnectionCountChangedHandler(h CountChangedHandler) {
	p.handlersMu.Lock()
	p.countHandler = h
	p.handlersMu.Unlock()
}
