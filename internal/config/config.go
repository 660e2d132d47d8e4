// Package config loads engine settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb-engine/internal/exchange"
)

// Config is the full engine configuration.
type Config struct {
	// Symbols is the monitored canonical symbol set.
	Symbols []string
	// Exchanges is the monitored exchange subset.
	Exchanges []exchange.ExchangeID

	// CheckInterval is the periodic rate re-emission cadence.
	CheckInterval time.Duration
	// MinSpreadThreshold is the raw spread fraction of interest.
	MinSpreadThreshold float64
	// EntryThresholdAPY is MinSpreadThreshold restated as the annualized
	// percentage the opportunity thresholds are expressed in. Zero when
	// MIN_SPREAD_THRESHOLD is unset, so components keep their own entry
	// defaults.
	EntryThresholdAPY float64
	// EnablePriceMonitor joins mark prices onto funding pairs.
	EnablePriceMonitor bool
	// EnablePositionExitMonitor turns on exit-side tracking.
	EnablePositionExitMonitor bool
	// MemoryMonitorInterval drives the periodic runtime-stats log.
	MemoryMonitorInterval time.Duration

	RedisAddr   string
	MetricsPort string
	WSPort      string

	// OKX private-channel credentials; empty means public channels only.
	OKXAPIKey     string
	OKXAPISecret  string
	OKXPassphrase string
}

var defaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT",
	"DOGEUSDT", "ADAUSDT", "AVAXUSDT", "DOTUSDT", "LTCUSDT",
	"LINKUSDT", "UNIUSDT", "ATOMUSDT", "ETCUSDT", "TRXUSDT",
}

// Load reads the configuration from the environment, falling back to
// defaults for everything unset.
func Load() Config {
	cfg := Config{
		Symbols:                   splitList(getEnv("SYMBOLS", strings.Join(defaultSymbols, ","))),
		Exchanges:                 parseExchanges(getEnv("MONITORED_EXCHANGES", "")),
		CheckInterval:             getEnvMillis("FUNDING_RATE_CHECK_INTERVAL_MS", 300_000),
		MinSpreadThreshold:        getEnvFloat("MIN_SPREAD_THRESHOLD", 0.005),
		EnablePriceMonitor:        getEnvBool("ENABLE_PRICE_MONITOR", true),
		EnablePositionExitMonitor: getEnvBool("ENABLE_POSITION_EXIT_MONITOR", false),
		MemoryMonitorInterval:     getEnvMillis("MEMORY_MONITOR_INTERVAL_MS", 60_000),
		RedisAddr:                 getEnv("REDIS_ADDR", "localhost:6379"),
		MetricsPort:               getEnv("METRICS_PORT", "9090"),
		WSPort:                    getEnv("WS_PORT", "8080"),
		OKXAPIKey:                 getEnv("OKX_API_KEY", ""),
		OKXAPISecret:              getEnv("OKX_API_SECRET", ""),
		OKXPassphrase:             getEnv("OKX_PASSPHRASE", ""),
	}
	if raw := os.Getenv("MIN_SPREAD_THRESHOLD"); raw != "" {
		if _, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.EntryThresholdAPY = annualizedPercent(cfg.MinSpreadThreshold, exchange.DefaultFundingIntervalHours)
		}
	}
	return cfg
}

// annualizedPercent converts a per-period spread fraction on the given
// funding basis into an annualized percentage.
func annualizedPercent(fraction float64, intervalHours int) float64 {
	return fraction * float64(365*24/intervalHours) * 100
}

func parseExchanges(raw string) []exchange.ExchangeID {
	if raw == "" {
		return exchange.All()
	}
	out := make([]exchange.ExchangeID, 0, 5)
	for _, part := range splitList(raw) {
		id, err := exchange.ParseExchangeID(part)
		if err != nil {
			log.Warn().Str("exchange", part).Msg("Unknown exchange in MONITORED_EXCHANGES, skipping")
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return exchange.All()
	}
	return out
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean env value, using default")
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid numeric env value, using default")
		return fallback
	}
	return parsed
}

func getEnvMillis(key string, fallbackMs int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallbackMs) * time.Millisecond
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil || parsed <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid millisecond env value, using default")
		return time.Duration(fallbackMs) * time.Millisecond
	}
	return time.Duration(parsed) * time.Millisecond
}
