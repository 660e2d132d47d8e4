package exchange

import (
	"sync"

	"github.com/shopspring/decimal"
)

// priceLRUCapacity bounds the per-client mark-price cache.
const priceLRUCapacity = 500

// PriceLRU caches the latest mark price per symbol so price-only streams can
// be joined onto subsequent funding-rate emissions. Recency is tracked by
// map insertion order: updates delete then set, and overflow evicts the
// first-iterated (oldest) key.
type PriceLRU struct {
	mu     sync.Mutex
	cap    int
	order  []string
	prices map[string]decimal.Decimal
}

func NewPriceLRU(capacity int) *PriceLRU {
	if capacity <= 0 {
		capacity = priceLRUCapacity
	}
	return &PriceLRU{
		cap:    capacity,
		prices: make(map[string]decimal.Decimal, capacity),
	}
}

// Set records the latest price for a symbol, refreshing its recency.
func (c *PriceLRU) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.prices[symbol]; ok {
		delete(c.prices, symbol)
		c.removeFromOrder(symbol)
	} else if len(c.prices) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.prices, oldest)
	}
	c.prices[symbol] = price
	c.order = append(c.order, symbol)
}

// Get returns the cached price for a symbol, if any.
func (c *PriceLRU) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	return p, ok
}

// Len returns the number of cached symbols.
func (c *PriceLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prices)
}

func (c *PriceLRU) removeFromOrder(symbol string) {
	for i, s := range c.order {
		if s == symbol {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
