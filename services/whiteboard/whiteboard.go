// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package whiteboard hosts the collaborative whiteboard service.
//
// The service wires the board engine (session documents, relay, sanitizer,
// ephemeral sweeper, snapshots and digest) behind a Gin HTTP API and
// websocket endpoint, with Prometheus metrics and optional OTLP tracing.
//
// # Usage
//
//	cfg, err := config.Load("boardsync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := whiteboard.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
//
// Deployments with their own identity provider pass it through
// extensions.ServiceOptions:
//
//	opts := &extensions.ServiceOptions{AuthProvider: myAuth}
//	svc, err := whiteboard.New(cfg, opts)
package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/boardsync/pkg/extensions"
	"github.com/AleutianAI/boardsync/pkg/logging"
	"github.com/AleutianAI/boardsync/services/whiteboard/board"
	"github.com/AleutianAI/boardsync/services/whiteboard/config"
	"github.com/AleutianAI/boardsync/services/whiteboard/observability"
	"github.com/AleutianAI/boardsync/services/whiteboard/relay"
	"github.com/AleutianAI/boardsync/services/whiteboard/routes"
	"github.com/AleutianAI/boardsync/services/whiteboard/snapshot"
	"github.com/AleutianAI/boardsync/services/whiteboard/storage/badger"
	"github.com/AleutianAI/boardsync/services/whiteboard/ttl"
)

// Service is the whiteboard HTTP service.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully
	// and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine.
	Router() *gin.Engine

	// Board returns the board engine.
	Board() *board.Board

	// Reload applies the hot-reloadable parts of cfg (static auth tokens).
	Reload(cfg config.Config) error

	// Close releases resources without serving. Run calls it on exit.
	Close() error
}

// service implements Service.
//
// # Fields
//
//   - config: Validated configuration.
//   - opts: Auth extension points with defaults applied.
//   - logger: Service logger; owns the optional log file.
//   - registry: Prometheus registry served at /metrics.
//   - board: The board engine.
//   - router: Gin engine with all routes.
//   - tokens: Static token auth. Nil unless tokens were configured.
//   - closers: Store resources released after the board closes.
//   - tracerCleanup: Flushes the OTLP exporter. Nil when tracing is off.
//   - closeOnce: Guards cleanup.
//
// # Thread Safety
//
// Thread-safe after construction.
type service struct {
	config        config.Config
	opts          extensions.ServiceOptions
	logger        *logging.Logger
	registry      *prometheus.Registry
	metrics       *observability.BoardMetrics
	board         *board.Board
	router        *gin.Engine
	tokens        *extensions.ReloadableTokenProvider
	closers       []func() error
	tracerCleanup func(context.Context)
	closeOnce     sync.Once
}

var _ Service = (*service)(nil)

// =============================================================================
// Constructor
// =============================================================================

// New creates the whiteboard service.
//
// # Description
//
//  1. Sets up logging
//  2. Initializes OpenTelemetry tracing when enabled
//  3. Initializes Prometheus metrics
//  4. Opens the configured snapshot store
//  5. Builds the board engine
//  6. Sets up HTTP routes with extension options
//
// If opts is nil, DefaultOptions() is used. Configured static tokens
// replace a default AuthProvider.
//
// # Inputs
//
//   - cfg: Validated configuration (config.Load or config.Default).
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a dependency could not be initialized.
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &service{config: cfg}

	if opts != nil {
		s.opts = opts.WithDefaults()
	} else {
		s.opts = extensions.DefaultOptions()
	}

	if err := s.initLogger(); err != nil {
		return nil, err
	}

	if err := s.initAuth(); err != nil {
		s.cleanup()
		return nil, err
	}

	if cfg.Tracing.Enabled {
		cleanup, err := s.initTracer()
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.initMetrics()

	store, err := s.initStore()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	if err := s.initBoard(store); err != nil {
		s.cleanup()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts sweeping and serving, blocking until ctx is cancelled or the
// listener fails.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	if err := s.board.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweep scheduler: %w", err)
	}

	server := &http.Server{
		Addr:              s.config.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting whiteboard server", "addr", s.config.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down whiteboard server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the board
	// closes them in cleanup.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Board returns the board engine.
func (s *service) Board() *board.Board {
	return s.board
}

// Reload swaps the static token set. Other settings need a restart.
func (s *service) Reload(cfg config.Config) error {
	if s.tokens == nil {
		if len(cfg.Auth.Tokens) > 0 {
			slog.Warn("auth tokens added to config; restart to enable token authentication")
		}
		return nil
	}
	if len(cfg.Auth.Tokens) == 0 {
		return errors.New("refusing to reload an empty token set; restart to disable token authentication")
	}
	if err := s.tokens.Update(cfg.Auth.Tokens); err != nil {
		return fmt.Errorf("invalid auth tokens: %w", err)
	}
	slog.Info("Static auth tokens reloaded", "tokens", len(cfg.Auth.Tokens))
	return nil
}

// Close releases all resources.
func (s *service) Close() error {
	s.cleanup()
	return nil
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initLogger() error {
	level, err := logging.ParseLevel(s.config.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	s.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  s.config.Logging.Dir,
		Service: "boardsync",
		JSON:    s.config.Logging.JSON,
	})
	slog.SetDefault(s.logger.Slog())
	return nil
}

// initAuth installs static token auth when tokens are configured and the
// caller did not supply an AuthProvider.
func (s *service) initAuth() error {
	if len(s.config.Auth.Tokens) == 0 {
		return nil
	}
	if _, isDefault := s.opts.AuthProvider.(*extensions.NopAuthProvider); !isDefault {
		return nil
	}
	provider, err := extensions.NewReloadableTokenProvider(s.config.Auth.Tokens)
	if err != nil {
		return fmt.Errorf("invalid auth tokens: %w", err)
	}
	s.tokens = provider
	s.opts = s.opts.WithAuth(provider)
	slog.Info("Static token authentication enabled", "tokens", len(s.config.Auth.Tokens))
	return nil
}

// initTracer initializes OpenTelemetry tracing with an OTLP gRPC exporter.
//
// # Outputs
//
//   - func(context.Context): Flushes and shuts down the exporter.
//   - error: Non-nil if the exporter could not be created.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal collector)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.Tracing.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.config.Tracing.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
		_ = conn.Close()
	}

	return cleanup, nil
}

// initMetrics creates a private registry with runtime collectors and the
// board metrics.
func (s *service) initMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewBoardMetrics(s.registry)
}

// initStore opens the configured snapshot backend.
func (s *service) initStore() (snapshot.Store, error) {
	cfg := s.config.Snapshot
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Backend {
	case "badger":
		dbCfg := badger.DefaultConfig(cfg.BadgerPath)
		dbCfg.Logger = slog.Default().With("component", "badger")
		db, err := badger.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		slog.Info("Snapshot store: badger", "path", db.Path())
		return snapshot.NewBadgerStore(db), nil

	case "redis":
		client, err := snapshot.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		slog.Info("Snapshot store: redis", "ttl", cfg.RedisTTL.String())
		return snapshot.NewRedisStore(client, cfg.RedisTTL), nil

	case "gcs":
		store, err := snapshot.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		slog.Info("Snapshot store: gcs", "bucket", cfg.GCSBucket, "prefix", cfg.GCSPrefix)
		return store, nil

	default:
		slog.Warn("Snapshot store: memory; snapshots do not survive a restart")
		return snapshot.NewMemoryStore(), nil
	}
}

func (s *service) initBoard(store snapshot.Store) error {
	compression, err := snapshot.ParseCompression(s.config.Snapshot.Compression)
	if err != nil {
		return err
	}

	var audit ttl.AuditLogger
	if path := s.config.Sweep.AuditLog; path != "" {
		audit, err = ttl.NewAuditLogger(path)
		if err != nil {
			return fmt.Errorf("failed to open sweep audit log: %w", err)
		}
	}

	s.board = board.New(board.Options{
		Store:             store,
		Compression:       compression,
		SnapshotOnIdle:    s.config.Snapshot.OnIdle,
		RestoreOnJoin:     s.config.Snapshot.RestoreOnJoin,
		SnapshotOnDestroy: s.config.Snapshot.OnDestroy,
		FrameRate:         rate.Limit(s.config.Relay.FrameRate),
		FrameBurst:        s.config.Relay.FrameBurst,
		SweepInterval:     s.config.Sweep.Interval,
		SweepConcurrency:  s.config.Sweep.Concurrency,
		Audit:             audit,
		Logger:            slog.Default(),
		Metrics:           s.metrics,
	})
	return nil
}

func (s *service) webSocketConfig() relay.WebSocketConfig {
	r := s.config.Relay
	return relay.WebSocketConfig{
		SendQueueSize: r.SendQueueSize,
		WriteTimeout:  r.WriteTimeout,
		PongTimeout:   r.PongTimeout,
		MaxFrameBytes: r.MaxFrameBytes,
	}
}

func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.Tracing.ServiceName))

	routes.SetupRoutes(s.router, s.board, s.registry, s.opts, s.webSocketConfig())
}

// cleanup releases all resources held by the service. Safe to call more
// than once.
func (s *service) cleanup() {
	s.closeOnce.Do(func() {
		if s.board != nil {
			if err := s.board.Close(); err != nil {
				slog.Warn("board close error", "error", err)
			}
		}

		for _, closeFn := range s.closers {
			if err := closeFn(); err != nil {
				slog.Warn("snapshot store close error", "error", err)
			}
		}

		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}

		if s.logger != nil {
			_ = s.logger.Close()
		}
	})
}
