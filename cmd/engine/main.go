package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fundingarb-engine/internal/broadcast"
	"fundingarb-engine/internal/cache"
	"fundingarb-engine/internal/config"
	"fundingarb-engine/internal/exchange"
	"fundingarb-engine/internal/exchange/binance"
	"fundingarb-engine/internal/exchange/bingx"
	"fundingarb-engine/internal/exchange/gateio"
	"fundingarb-engine/internal/exchange/mexc"
	"fundingarb-engine/internal/exchange/okx"
	"fundingarb-engine/internal/metrics"
	"fundingarb-engine/internal/monitor"
	"fundingarb-engine/internal/tracker"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	log.Info().
		Int("symbols", len(cfg.Symbols)).
		Int("exchanges", len(cfg.Exchanges)).
		Dur("checkInterval", cfg.CheckInterval).
		Str("redis", cfg.RedisAddr).
		Str("metrics", ":"+cfg.MetricsPort).
		Str("ws", ":"+cfg.WSPort).
		Msg("Starting funding-rate arbitrage engine")

	// Metrics server
	metricsServer := metrics.NewServer(":" + cfg.MetricsPort)
	go func() {
		if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Redis: opportunity repository plus broadcast mirror.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable")
	}
	defer redisClient.Close()

	ratesCache := cache.Instance()
	defer cache.DestroyInstance()

	// MIN_SPREAD_THRESHOLD, when set, drives every opportunity threshold;
	// zero leaves each component on its default.
	mon := monitor.New(monitor.Config{
		Symbols:        cfg.Symbols,
		Exchanges:      cfg.Exchanges,
		UpdateInterval: cfg.CheckInterval,
		EnablePrices:   cfg.EnablePriceMonitor,
		EntryThreshold: cfg.EntryThresholdAPY,
		Factory:        clientFactory(cfg),
		Cache:          ratesCache,
	})

	mon.SetOpportunityDetectedHandler(func(symbol string, p exchange.FundingRatePair) {
		if p.BestPair != nil {
			metrics.RecordOpportunity(symbol,
				string(p.BestPair.LongExchange),
				string(p.BestPair.ShortExchange),
				p.BestPair.SpreadAnnualized)
		}
	})

	repo := tracker.NewRedisRepositoryFromClient(redisClient)
	trackerOpts := []tracker.Option{}
	if cfg.EntryThresholdAPY > 0 {
		trackerOpts = append(trackerOpts, tracker.WithThresholds(cfg.EntryThresholdAPY, monitor.DefaultExitThreshold))
	}
	trk := tracker.New(repo, trackerOpts...)
	trk.Attach(mon)
	defer trk.Detach()

	go observeTracker(trk)

	// Broadcast hub + WebSocket endpoint
	hub := broadcast.NewHub()
	casterOpts := []broadcast.Option{broadcast.WithRedisMirror(redisClient)}
	if cfg.EntryThresholdAPY > 0 {
		casterOpts = append(casterOpts, broadcast.WithThreshold(cfg.EntryThresholdAPY))
	}
	caster := broadcast.New(ratesCache, hub, casterOpts...)
	caster.Start()
	defer caster.Stop()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/rates", broadcast.ServeWS(hub))
	wsServer := &http.Server{Addr: ":" + cfg.WSPort, Handler: wsMux}
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("WebSocket server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mon.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Monitor failed to start")
	}

	go observeMemory(cfg.MemoryMonitorInterval, ratesCache, hub)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	caster.Stop()
	mon.Destroy()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("WebSocket server shutdown error")
	}
	if err := metricsServer.Stop(); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown error")
	}
	log.Info().Msg("Engine stopped")
}

// clientFactory maps each exchange to its protocol implementation. OKX gets
// private-channel credentials when configured.
func clientFactory(cfg config.Config) monitor.ClientFactory {
	return func(id exchange.ExchangeID) (exchange.Client, error) {
		clientCfg := exchange.ClientConfig{}
		switch id {
		case exchange.Binance:
			return binance.New(clientCfg), nil
		case exchange.OKX:
			return okx.New(clientCfg, okx.Credentials{
				APIKey:     cfg.OKXAPIKey,
				APISecret:  cfg.OKXAPISecret,
				Passphrase: cfg.OKXPassphrase,
			}), nil
		case exchange.MEXC:
			return mexc.New(clientCfg), nil
		case exchange.GateIO:
			return gateio.New(clientCfg), nil
		case exchange.BingX:
			return bingx.New(clientCfg), nil
		default:
			return nil, exchange.ErrUnknownExchange
		}
	}
}

// observeTracker mirrors tracker gauges into Prometheus every 15 s.
func observeTracker(trk *tracker.Tracker) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.ActiveOpportunities.Set(float64(trk.ActiveCount()))
	}
}

// observeMemory periodically logs runtime stats and refreshes the cache
// and subscriber gauges.
func observeMemory(interval time.Duration, c *cache.RatesCache, hub *broadcast.Hub) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		metrics.CacheSize.Set(float64(c.Size()))
		metrics.BroadcastSubscribers.Set(float64(hub.Count(broadcast.RoomRates)))
		log.Debug().
			Uint64("heapAllocMB", ms.HeapAlloc/1024/1024).
			Int("goroutines", runtime.NumGoroutine()).
			Int("cachedSymbols", c.Size()).
			Msg("Runtime stats")
	}
}
