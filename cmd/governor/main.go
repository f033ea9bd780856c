// Command governor runs the resilience governance layer: the shared
// store client, the five governance components, the replay worker,
// recovery monitoring, scheduled maintenance and the ops HTTP
// endpoints.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Morse2580/Mimir-sub001/internal/breaker"
	"github.com/Morse2580/Mimir-sub001/internal/budget"
	"github.com/Morse2580/Mimir-sub001/internal/cache"
	"github.com/Morse2580/Mimir-sub001/internal/degraded"
	"github.com/Morse2580/Mimir-sub001/internal/governor"
	"github.com/Morse2580/Mimir-sub001/internal/notify"
	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/internal/recovery"
	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/health"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
	"github.com/Morse2580/Mimir-sub001/pkg/metrics"
	"github.com/Morse2580/Mimir-sub001/pkg/tracing"

	_ "go.uber.org/automaxprocs"
)

// version is stamped at build time: -ldflags "-X main.version=x.y.z"
var version = "dev"

// collectInterval is how often the gauge collectors poll component state
const collectInterval = 15 * time.Second

func main() {
	// A .env file is optional; deployments configure through the
	// environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "governor",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	st, err := store.NewClient(&cfg.Store)
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := st.Health(ctx); err != nil {
		log.Fatalf("Store health check failed: %v", err)
	}
	cancel()
	logger.Info("Store connection established", "addr", cfg.StoreAddr())

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	m := metrics.NewMetrics(&metrics.Config{Namespace: "governor", Enabled: true})

	// Governance events fan out to the store stream, the log and the
	// metric recorders; the notifier joins when channels are configured
	fanout := events.NewFanout(logger,
		events.NewStorePublisher(st, &cfg.Events),
		events.NewLogPublisher(logger),
		newMetricsSink(m),
	)

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = newNotifier(&cfg.Notify)
		fanout.AddSink(notifier)
	}

	bud, err := budget.NewGovernor(st, fanout, logger, &cfg.Budget)
	if err != nil {
		log.Fatalf("Failed to initialize budget governor: %v", err)
	}
	brk, err := breaker.New(st, fanout, logger, &cfg.Breaker)
	if err != nil {
		log.Fatalf("Failed to initialize circuit breaker: %v", err)
	}
	cch, err := cache.NewService(st, fanout, logger, &cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	q, err := queue.New(st, fanout, logger, &cfg.Queue)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	deg := degraded.New(st, fanout, logger)

	gov := governor.New(bud, brk, cch, q, deg, logger)
	gov.SetMetrics(m)

	exec := newReplayExecutor(gov, cch, logger, cfg, ts)
	worker, err := queue.NewWorker(q, exec, logger, &cfg.Queue)
	if err != nil {
		log.Fatalf("Failed to initialize replay worker: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := worker.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start replay worker: %v", err)
	}

	// The prober gets a traced client; with tracing disabled the client
	// passes through untouched and inherits the configured probe timeout
	prober := recovery.NewHTTPProber(&cfg.Recovery).
		WithClient(ts.InstrumentHTTPClient(&http.Client{}))

	detector, err := recovery.New(st, prober, fanout, logger, &cfg.Recovery)
	if err != nil {
		log.Fatalf("Failed to initialize recovery detector: %v", err)
	}
	detector.SetBreakerControl(brk)
	detector.SetDegradedControl(deg)
	detector.SetDrainer(worker)

	targets, err := recovery.ParseTargets(cfg.Recovery.Targets)
	if err != nil {
		log.Fatalf("Failed to parse recovery targets: %v", err)
	}
	if len(targets) > 0 {
		if err := detector.StartMonitoring(rootCtx, targets); err != nil {
			log.Fatalf("Failed to start recovery monitoring: %v", err)
		}
		logger.Info("Recovery monitoring started", "targets", len(targets))
	} else {
		logger.Info("No recovery targets configured, monitoring disabled")
	}

	collector := metrics.NewCollector(m, collectInterval, collectFuncs(st, bud, q, deg, detector)...)
	go collector.Start(rootCtx)

	healthSvc := health.NewService(logger, &health.Config{
		Timeout: 5 * time.Second,
		Metadata: map[string]string{
			"service": "governor",
			"version": version,
		},
	})
	healthSvc.RegisterChecker("store", health.NewStoreChecker(st, "store"))
	healthSvc.RegisterChecker("degraded_mode", health.NewDegradedChecker(deg, "degraded_mode"))

	maintenance := startCron(logger, bud, q, detector)

	router := newRouter(cfg, logger, m, ts, healthSvc, gov)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting ops server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start ops server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server forced to shutdown", "error", err)
	}

	// Stop producers before sinks: cron and monitors first, then the
	// worker, then the collector; the notifier drains last so final
	// events still go out.
	if maintenance != nil {
		<-maintenance.Stop().Done()
	}
	detector.StopMonitoring(shutdownCtx)
	if err := worker.Stop(); err != nil {
		logger.Error("Replay worker shutdown failed", "error", err)
	}
	collector.Stop()
	rootCancel()
	if notifier != nil {
		notifier.Close()
	}
	if err := ts.Shutdown(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown failed", "error", err)
	}

	logger.Info("Governor exited")
}

// newNotifier builds the notification publisher from the configured
// channel URLs
func newNotifier(cfg *config.NotifyConfig) *notify.Notifier {
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}

	var channels []notify.Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, notify.NewSlackChannel(zl, cfg.SlackWebhookURL, cfg.Timeout))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(zl, cfg.WebhookURL, cfg.Timeout))
	}
	return notify.NewNotifier(zl, channels...)
}
