package exchange

import (
	"sync"
	"time"
)

// ReconnectConfig tunes the exponential backoff used on transport failures.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	// AutoReconnect gates the health watchdog and post-disconnect retries.
	AutoReconnect bool
}

// DefaultReconnectConfig matches the production tuning: 1 s initial, 30 s
// ceiling, 10 attempts.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		MaxRetries:    10,
		AutoReconnect: true,
	}
}

// ReconnectManager tracks backoff state across reconnect attempts.
type ReconnectManager struct {
	mu       sync.Mutex
	cfg      ReconnectConfig
	attempts int
}

func NewReconnectManager(cfg ReconnectConfig) *ReconnectManager {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	return &ReconnectManager{cfg: cfg}
}

// CanRetry gates each attempt against the retry cap.
func (r *ReconnectManager) CanRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts < r.cfg.MaxRetries
}

// NextDelay increments the attempt counter and returns the backoff delay for
// this attempt: initial × 2^(attempt-1), capped at MaxDelay.
func (r *ReconnectManager) NextDelay() (attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	delay = r.cfg.InitialDelay << uint(r.attempts-1)
	if delay > r.cfg.MaxDelay || delay <= 0 {
		delay = r.cfg.MaxDelay
	}
	return r.attempts, delay
}

// Reset clears the attempt counter after a successful connection.
func (r *ReconnectManager) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Attempts returns the current attempt count.
func (r *ReconnectManager) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
