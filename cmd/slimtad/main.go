// Command slimtad wires the edge, queue, and relay packages into a running
// mail transfer agent. Grounded on teacher cmd/mailit/main.go's subcommand
// dispatch and errgroup-supervised serve loop, with the database/worker/HTTP
// stack replaced by the SMTP edge, queue scheduler, and relay pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/slimta/slimta-go/internal/config"
	"github.com/slimta/slimta-go/internal/edge"
	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/observability"
	"github.com/slimta/slimta-go/internal/queue"
	"github.com/slimta/slimta-go/internal/relay"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		serveCmd.StringVar(&configPath, "config", "config/slimtad.yaml", "config file path")
		serveCmd.Parse(os.Args[2:])
		runServe(configPath)
	case "version":
		fmt.Printf("slimtad %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("slimtad - modular SMTP relay and queue daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  slimtad serve   [--config path]   Start the SMTP edge, queue, and relay pool")
	fmt.Println("  slimtad version                   Print version")
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting slimtad", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		Endpoint:    cfg.Observability.OTLPEndpoint,
		SampleRate:  cfg.Observability.SampleRate,
		ServiceName: cfg.Observability.ServiceName,
		Insecure:    cfg.Observability.OTLPInsecure,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	rel, err := buildRelay(cfg.Relay)
	if err != nil {
		logger.Error("building relay", "error", err)
		os.Exit(1)
	}

	store, err := buildStorage(cfg.Storage)
	if err != nil {
		logger.Error("building queue storage", "error", err)
		os.Exit(1)
	}

	backoff, err := buildBackoff(cfg.Queue)
	if err != nil {
		logger.Error("building backoff schedule", "error", err)
		os.Exit(1)
	}

	q := queue.New(store, rel, queue.Config{
		StorePoolSize:  cfg.Queue.StorePoolSize,
		RelayPoolSize:  cfg.Queue.RelayPoolSize,
		BouncePoolSize: cfg.Queue.BouncePoolSize,
		Backoff:        backoff,
		Logger:         logger.With("component", "queue"),
		Metrics:        &queueMetrics{m: metrics, queue: "default"},
	})

	var enqueuer edge.Enqueuer = q
	if cfg.Edges.SMTP.ProxyMode {
		enqueuer = queue.NewProxyQueue(rel)
	}

	smtpEdge := edge.NewSMTPEdge(edge.Config{
		ListenAddr:        cfg.Edges.SMTP.ListenAddr,
		Hostname:          cfg.Edges.SMTP.Hostname,
		MaxConns:          cfg.Edges.SMTP.MaxConns,
		MaxSize:           cfg.Edges.SMTP.MaxMessageBytes,
		RequireAuth:       cfg.Edges.SMTP.RequireAuth,
		AllowInsecureAuth: cfg.Edges.SMTP.AllowInsecureAuth,
		Mechanisms:        cfg.Auth.Mechanisms,
		TLSImmediately:    cfg.Edges.SMTP.TLSImmediately,
		CommandTimeout:    cfg.Edges.SMTP.CommandTimeout,
		DataTimeout:       cfg.Edges.SMTP.DataTimeout,
		ProxyMode:         cfg.Edges.SMTP.ProxyMode,
		Logger:            logger.With("component", "edge.smtp"),
		Metrics:           &edgeMetrics{m: metrics, edge: "smtp"},
	}, enqueuer)

	debugServer := observability.NewDebugServer(cfg.Observability.MetricsAddr, reg)

	g, gctx := errgroup.WithContext(ctx)

	if stater, ok := rel.(relay.PoolStater); ok {
		g.Go(func() error {
			samplePoolInFlight(gctx, metrics, "default", stater)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting queue", "store_pool", cfg.Queue.StorePoolSize, "relay_pool", cfg.Queue.RelayPoolSize)
		if err := q.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting SMTP edge", "addr", cfg.Edges.SMTP.ListenAddr)
		if err := smtpEdge.ListenAndServe(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("smtp edge: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting debug server", "addr", cfg.Observability.MetricsAddr)
		if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := debugServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("debug server shutdown", "error", err)
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("tracer shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("slimtad stopped")
}

func buildRelay(cfg config.RelayConfig) (relay.Relay, error) {
	if cfg.Static.Enabled {
		return relay.NewStaticSmtpRelay(cfg.Static.Address, cfg.Static.PoolSize, cfg.Static.LMTP, func() relay.ClientConfig {
			return relay.ClientConfig{
				Address:        cfg.Static.Address,
				EhloAs:         cfg.Static.EhloAs,
				LMTP:           cfg.Static.LMTP,
				TLSRequired:    cfg.Static.TLSRequired,
				ConnectTimeout: cfg.Static.ConnectTimeout,
				CommandTimeout: cfg.Static.CommandTimeout,
				DataTimeout:    cfg.Static.DataTimeout,
				IdleTimeout:    cfg.Static.IdleTimeout,
			}
		}), nil
	}
	if cfg.MX.Enabled {
		resolver := relay.NewDNSResolver(cfg.MX.Nameserver, cfg.MX.ResolverTimeout)
		breaker := relay.NewCircuitBreaker(cfg.MX.BreakerThreshold, cfg.MX.BreakerReset)
		return relay.NewMxSmtpRelay(resolver, 25, cfg.MX.PoolSize, false, func() relay.ClientConfig {
			return relay.ClientConfig{
				EhloAs:         cfg.MX.EhloAs,
				ConnectTimeout: cfg.MX.ConnectTimeout,
				CommandTimeout: cfg.MX.CommandTimeout,
				DataTimeout:    cfg.MX.DataTimeout,
			}
		}, breaker), nil
	}
	return nil, fmt.Errorf("no relay enabled: set relay.mx.enabled or relay.static.enabled")
}

func buildStorage(cfg config.StorageConfig) (queue.Storage, error) {
	switch cfg.Type {
	case "memory":
		return queue.NewMemStorage(), nil
	case "disk":
		return queue.NewDiskStorage(cfg.Disk.Dir), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return queue.NewRedisStorage(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// buildBackoff turns a configured schedule of delay strings into a
// BackoffFunc that retries once per schedule entry and then gives up,
// grounded on the same fixed-schedule shape teacher WorkersConfig's
// RetryDelays feeds to asynq's per-task retry policy.
func buildBackoff(cfg config.QueueConfig) (queue.BackoffFunc, error) {
	delays, err := cfg.ParseBackoffSchedule()
	if err != nil {
		return nil, err
	}
	if len(delays) == 0 {
		return queue.NoRetryBackoff, nil
	}
	return func(_ *envelope.Envelope, attempts int) (time.Duration, bool) {
		// attempts is the count after the failed attempt was recorded, so
		// the first retry (attempts == 1) uses delays[0].
		if attempts < 1 || attempts > len(delays) {
			return 0, false
		}
		return delays[attempts-1], true
	}, nil
}

// setupLogger creates a slog.Logger based on the logging config, wrapping
// it with observability.TracingHandler so every log line carries the
// active span's trace_id/span_id, grounded on teacher main.go's
// setupLogger.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(observability.NewTracingHandler(handler))
}

// queueMetrics adapts observability.Metrics to queue.Metrics, labeling
// every series with the queue name so a daemon running multiple named
// queues (not yet exposed by config, but supported by the queue package)
// doesn't collide on a single "default" series.
type queueMetrics struct {
	m     *observability.Metrics
	queue string
}

func (q *queueMetrics) SetDepth(n int) {
	q.m.QueueDepth.WithLabelValues(q.queue).Set(float64(n))
}

func (q *queueMetrics) Enqueued() {
	q.m.QueueEnqueuedTotal.WithLabelValues(q.queue).Inc()
}

func (q *queueMetrics) AttemptResult(result string) {
	q.m.QueueAttemptsTotal.WithLabelValues(q.queue, result).Inc()
}

func (q *queueMetrics) Bounced(reason string) {
	q.m.QueueBouncesTotal.WithLabelValues(q.queue, reason).Inc()
}

// edgeMetrics adapts observability.Metrics to edge.Metrics.
type edgeMetrics struct {
	m    *observability.Metrics
	edge string
}

func (e *edgeMetrics) Connection() {
	e.m.SMTPConnectionsTotal.WithLabelValues(e.edge).Inc()
}

func (e *edgeMetrics) Command(command, replyClass string) {
	e.m.SMTPCommandsTotal.WithLabelValues(command, replyClass).Inc()
}

func (e *edgeMetrics) SessionDuration(d time.Duration) {
	e.m.SMTPSessionDuration.Observe(d.Seconds())
}

// samplePoolInFlight polls a relay's in-flight connection count on an
// interval and reports it to the relay pool in-flight gauge, since
// PoolStater is a point-in-time query rather than an event a relay pushes
// on its own. Runs until ctx is cancelled.
func samplePoolInFlight(ctx context.Context, m *observability.Metrics, relayName string, stater relay.PoolStater) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RelayPoolInFlight.WithLabelValues(relayName).Set(float64(stater.InFlight()))
		}
	}
}
