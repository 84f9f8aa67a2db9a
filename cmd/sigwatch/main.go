package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rewired-gh/sigwatch/internal/config"
	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/metrics"
	"github.com/rewired-gh/sigwatch/internal/models"
	"github.com/rewired-gh/sigwatch/internal/monitor"
	"github.com/rewired-gh/sigwatch/internal/notify"
	"github.com/rewired-gh/sigwatch/internal/okx"
	"github.com/rewired-gh/sigwatch/internal/scheduler"
	"github.com/rewired-gh/sigwatch/internal/storage"
	"github.com/rewired-gh/sigwatch/internal/telegram"
	"github.com/rewired-gh/sigwatch/internal/tracker"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxSignals, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	okxClient := okx.NewClient(okx.Config{
		BaseURL:        cfg.OKX.BaseURL,
		Bar:            cfg.OKX.Bar,
		Swap:           cfg.OKX.Swap,
		ConfirmedOnly:  cfg.OKX.ConfirmedOnly,
		Timeout:        cfg.OKX.Timeout,
		MaxRetries:     cfg.OKX.MaxRetries,
		RetryBaseDelay: cfg.OKX.RetryBaseDelay,
		RateLimit:      cfg.OKX.RateLimit,
		RateBurst:      cfg.OKX.RateBurst,
	})

	instruments := cfg.InstrumentList()
	if cfg.Scheduler.Discover {
		instruments = discoverInstruments(okxClient, instruments, cfg.Scheduler.MaxDiscovered)
	}
	if err := store.SeedInstruments(instruments); err != nil {
		logger.Fatal("Failed to seed instruments: %v", err)
	}
	if n, err := store.CountSignals(); err != nil {
		logger.Warn("Failed to count stored signals: %v", err)
	} else {
		logger.Info("Signal log holds %d signals", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus(3 * cfg.Scheduler.Interval)
	health.AddDependency("storage", store)

	sinks := []notify.Sink{notify.NewSignalLogSink(store)}

	var tr *tracker.Tracker
	if cfg.Tracker.Enabled {
		tr = tracker.New(cfg.Tracker.ExpireAfter, m)
		sinks = append(sinks, tr)
	}

	if cfg.Redis.Enabled {
		redisSink, err := notify.ConnectRedis(ctx, notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			logger.Fatal("Failed to connect to redis: %v", err)
		}
		defer redisSink.Close()
		health.AddDependency("redis", redisSink)
		sinks = append(sinks, redisSink)
	} else {
		logger.Debug("Redis signal stream disabled")
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		if err := telegramClient.Route(cfg.Telegram.MainChatID, cfg.Telegram.DetailChatID); err != nil {
			logger.Fatal("Failed to route Telegram channels: %v", err)
		}
		sinks = append(sinks, telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	params := cfg.IndicatorParams()
	evaluator := monitor.NewEvaluator(params, cfg.ScoreWeights())

	signals := make(chan models.Signal, cfg.Scheduler.QueueSize)
	deps := scheduler.Deps{
		Fetcher:   okxClient,
		Evaluator: evaluator,
		Registry:  store,
		States:    store,
		Out:       signals,
		Metrics:   m,
		Health:    health,
	}
	if telegramClient != nil {
		deps.Alerter = telegramClient
	}
	if tr != nil {
		deps.OnPrice = func(instrument string, price float64, at time.Time) {
			tr.Update(instrument, price, at)
		}
	}

	sched := scheduler.New(scheduler.Config{
		Interval:           cfg.Scheduler.Interval,
		MaxConcurrency:     cfg.Scheduler.MaxConcurrency,
		Window:             max(cfg.OKX.HistoryLimit, params.Lookback()+1),
		AlertAfterFailures: cfg.Scheduler.AlertAfterFailures,
	}, deps)

	if telegramClient != nil {
		telegramClient.HandleWatchlist(store, func(symbol string, watched bool) {
			if !watched {
				sched.Remove(symbol)
				return
			}
			if err := sched.Sync(ctx); err != nil {
				logger.Warn("Failed to sync instruments: %v", err)
			}
		})
		telegramClient.HandleHistory(store)
		if tr != nil {
			telegramClient.Handle("stats", func(string) string { return tr.Summary() })
		}
		telegramClient.ListenForCommands(ctx)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, reg, health)
		metricsServer.Start()
		health.StartLivenessChecker(ctx, 30*time.Second)
	}

	dispatcher := notify.NewDispatcher(m, sinks...)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		// Signals queued before shutdown are still delivered.
		dispatcher.Run(context.WithoutCancel(ctx), signals)
	}()

	logger.Info("Starting signal engine (instruments: %v, interval: %v, bar: %s, concurrency: %d)",
		instruments,
		cfg.Scheduler.Interval,
		cfg.OKX.Bar,
		cfg.Scheduler.MaxConcurrency,
	)

	sched.Run(ctx, cfg.Scheduler.SyncInterval)

	close(signals)
	<-dispatched

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down metrics server: %v", err)
		}
	}
	logger.Info("Service stopped")
}

// discoverInstruments lists the exchange's USDT swaps and falls back to the
// configured instruments when that fails.
func discoverInstruments(c *okx.Client, fallback []string, limit int) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	found, err := c.ListSwapInstruments(ctx, limit)
	if err != nil {
		logger.Error("Failed to discover instruments, using configured list: %v", err)
		return fallback
	}
	if len(found) == 0 {
		logger.Warn("Discovery found no instruments, using configured list")
		return fallback
	}
	logger.Info("Discovered %d USDT swap instruments", len(found))
	return found
}
