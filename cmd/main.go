package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/akii1234/yogya-sub001/config"
	"github.com/akii1234/yogya-sub001/internal/metrics"
	"github.com/akii1234/yogya-sub001/internal/postgres"
	"github.com/akii1234/yogya-sub001/internal/security"
	"github.com/akii1234/yogya-sub001/internal/service"
	"github.com/akii1234/yogya-sub001/internal/sqlite"
	"github.com/akii1234/yogya-sub001/internal/storage/memory"
	grpcx "github.com/akii1234/yogya-sub001/internal/transport/grpc"
	httpx "github.com/akii1234/yogya-sub001/internal/transport/http"
	"github.com/akii1234/yogya-sub001/internal/transport/ws"
	"github.com/akii1234/yogya-sub001/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

type stores struct {
	rooms        service.RoomStore
	participants service.ParticipantStore
	chat         service.ChatStore
	close        func()
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config.yaml (default: $CONFIG_PATH or ./config/config.yaml)")
	pflag.Parse()

	// .env необязателен
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	// --- config ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logging.level: %v", err)
	}
	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     level,
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting coordinator",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "storage", cfg.Storage.Driver)

	if err := run(cfg); err != nil {
		slog.Error("coordinator stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- tracing ---
	tp := newTracerProvider(cfg)
	otel.SetTracerProvider(tp)
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shCtx); err != nil {
			slog.Warn("tracer shutdown", "err", err)
		}
	}()

	// --- storage ---
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// --- metrics ---
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// --- auth ---
	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// --- rooms ---
	if err := service.ValidateICEServers(cfg.WebRTC.ToICEServers()); err != nil {
		return fmt.Errorf("webrtc.iceServers: %w", err)
	}
	registry := service.NewRegistry(st.rooms, st.participants, st.chat, m, service.Options{
		DefaultICEServers: cfg.WebRTC.ToICEServers(),
		IdleTimeout:       cfg.Rooms.IdleTimeout,
		EmptyGrace:        cfg.Rooms.EmptyGrace,
		MaxChatLength:     cfg.Rooms.MaxChatLength,
		StoreTimeout:      cfg.Rooms.StoreTimeout,
	})
	// комнаты, оставшиеся active после падения прошлого процесса
	if _, err := registry.Recover(ctx); err != nil {
		return fmt.Errorf("recover rooms: %w", err)
	}

	// --- WS ---
	wsServer := ws.NewServer(registry, verifier, m, ws.Config{
		AuthTimeout:    cfg.WS.AuthTimeout,
		PingInterval:   cfg.WS.PingInterval,
		WriteTimeout:   cfg.WS.WriteTimeout,
		SendQueue:      cfg.WS.SendQueue,
		ReadLimit:      cfg.WS.ReadLimit,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	})

	// --- HTTP ---
	deps := httpx.Deps{
		Handler:     httpx.NewHandler(registry),
		WS:          wsServer,
		Verifier:    verifier,
		Metrics:     m,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsPath = cfg.Metrics.Path
		deps.MetricsHTTP = metrics.Handler(promReg)
	}
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpx.NewRouter(deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// --- gRPC ---
	var grpcSrv *grpcx.Server
	if cfg.GRPC.Addr != "" {
		grpcSrv = grpcx.NewServer(verifier, registry)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
			grpcSrv.SetServing(true)
			if err := grpcSrv.GRPC.Serve(lis); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}

	// --- graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "rooms", registry.ActiveRooms(), "sessions", wsServer.Sessions())

		shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		// комнаты закрываем до HTTP: Shutdown не ждёт hijacked WS-соединения
		if err := registry.Shutdown(shCtx); err != nil {
			slog.Warn("registry shutdown", "err", err)
		}
		if err := wsServer.Shutdown(shCtx); err != nil {
			slog.Warn("ws shutdown", "err", err)
		}
		return httpSrv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres.ToPGConfig())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		return &stores{
			rooms:        postgres.NewRoomRepository(pool),
			participants: postgres.NewParticipantRepository(pool),
			chat:         postgres.NewChatRepository(pool),
			close:        pool.Close,
		}, nil
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return &stores{rooms: db, participants: db, chat: db, close: func() { _ = db.Close() }}, nil
	default:
		mem := memory.New()
		return &stores{rooms: mem, participants: mem, chat: mem, close: func() {}}, nil
	}
}

// newTracerProvider ставит sdk-провайдер без экспортёра: спаны реестра
// получают валидный контекст, и logger.From пишет trace_id/span_id.
func newTracerProvider(cfg *config.Config) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.Logging.Service),
		attribute.String("service.version", cfg.Logging.Version),
		attribute.String("deployment.environment", cfg.Logging.Env),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))),
	)
}

func newVerifier(a config.Auth) (*security.TokenVerifier, error) {
	vc := security.VerifierConfig{
		Alg:       a.Alg,
		Issuer:    a.Issuer,
		Audience:  a.Audience,
		ClockSkew: a.ClockSkew,
	}
	switch a.Alg {
	case security.AlgRS256:
		key, err := security.LoadRSAPublicKeyFromPEM(a.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		vc.PublicKey = key
	case security.AlgHS256:
		vc.Secret = []byte(a.Secret)
	}
	return security.NewTokenVerifier(vc)
}
