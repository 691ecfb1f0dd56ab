package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/collab/sim"
	"HedgeVault/internal/config"
	"HedgeVault/internal/core"
	"HedgeVault/internal/ingestion"
	"HedgeVault/internal/keeper"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/persistence"
	"HedgeVault/internal/query"
	"HedgeVault/internal/rangemath"
	"HedgeVault/internal/server"
	"HedgeVault/internal/state"
)

func main() {
	configPath := flag.String("config", envOr("VAULT_CONFIG", "configs/config.yaml"), "config file")
	flag.Parse()

	boot := observability.NewLogger("main")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("invalid config")
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)
	logger.Info().Str("config", *configPath).Msg("HedgeVault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir,
		observability.NewLoggerWithLevel("migrate", level))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Recovery ---
	loader := persistence.NewSnapshotLoader(db)
	snap, err := loader.Load(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load state")
	}
	logger.Info().
		Int64("next_sequence", snap.NextSequence).
		Int("vaults", len(snap.Vaults)).
		Int("participants", len(snap.Participants)).
		Msg("state loaded")

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	persistChan := make(chan core.CoreOutput, cfg.Persistence.ChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Publish.ChanSize)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	rm := rangemath.New()

	engine := core.NewEngine(core.Options{
		StartSequence:       snap.NextSequence,
		PrevHash:            snap.ChainTip,
		IdempotencyCapacity: cfg.Idempotency.LRUCapacity,
		DBChecker:           dbChecker,
		Resolver:            simResolver(rm, cfg.Collaborators.InitialTick),
		RangeMath:           rm,
		Metrics:             metrics,
		Logger:              observability.NewLoggerWithLevel("engine", level),
		PersistChan:         persistChan,
		PublishChan:         publishChan,
	})
	if err := engine.Restore(snap.Vaults, snap.Participants); err != nil {
		logger.Fatal().Err(err).Msg("restore state")
	}

	keys, err := dbChecker.RecentKeys(ctx, cfg.Idempotency.WarmKeys)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else {
		engine.WarmIdempotency(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency cache warmed")
	}

	// --- Persistence worker ---
	// Started before config vaults are created so their commits are not
	// stuck on a full persist channel.
	var workers sync.WaitGroup
	errChan := make(chan error, 8)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	persistWorker := persistence.NewWorker(
		persistence.NewStateWriter(db),
		persistChan,
		cfg.Persistence.BatchSize,
		cfg.Persistence.FlushTimeout,
		metrics,
		observability.NewLoggerWithLevel("persistence", level),
	)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	if err := initVaults(ctx, engine, cfg.Vaults, logger); err != nil {
		logger.Fatal().Err(err).Msg("initialize configured vaults")
	}

	// --- NATS ---
	natsLogger := observability.NewLoggerWithLevel("nats", level)
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, cfg.NATS.PriceStream, cfg.NATS.EventsStream, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, natsLogger)
	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	// --- Keeper ---
	kp := keeper.New(ctx, engine, cfg.Engine.StaleRetries, metrics,
		observability.NewLoggerWithLevel("keeper", level))
	if cfg.Keeper.Enabled {
		if err := kp.Register(cfg.Keeper.RefreshCron, cfg.Keeper.RebalanceCron); err != nil {
			logger.Fatal().Err(err).Msg("register keeper jobs")
		}
		kp.Start()
		defer kp.Stop()
	}

	subscriber := ingestion.NewPriceSubscriber(js, core.NewSequenceValidator(), kp, metrics, natsLogger)
	if err := subscriber.Subscribe(ctx, cfg.NATS.PriceStream, "hedgevault-prices"); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- API ---
	srv, err := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Engine:            engine,
		Query:             query.NewQueryService(engine, loader),
		Checker:           kp,
		StaleRetries:      cfg.Engine.StaleRetries,
		CommandsPerMinute: cfg.Server.CommandsPerMinute,
		HealthChecker:     healthChecker,
		Metrics:           metrics,
		Logger:            observability.NewLoggerWithLevel("server", level),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}
	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go serveMetrics(ctx, cfg.Server.MetricsAddr, logger, errChan)

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})
	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("HedgeVault ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// Stop intake first, then let the worker drain what the engine already
	// committed.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()
	cancel()

	drained := make(chan struct{})
	go func() {
		for len(persistChan) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		stopWorker()
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Error().Int("pending", len(persistChan)).Msg("persistence drain timed out")
	}
	logger.Info().Int64("sequence", engine.Sequence()).Msg("HedgeVault shutdown complete")
}

// simResolver backs every vault with its own in-memory market and lender.
func simResolver(rm collab.RangeMath, tick int32) core.CollaboratorResolver {
	var mu sync.Mutex
	cache := make(map[uuid.UUID]core.Collaborators)
	return core.ResolverFunc(func(id uuid.UUID, _ state.VaultConfig) (core.Collaborators, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := cache[id]; ok {
			return c, nil
		}
		market, err := sim.NewMarket(rm, tick)
		if err != nil {
			return core.Collaborators{}, err
		}
		c := core.Collaborators{Market: market, Lender: sim.NewLender()}
		cache[id] = c
		return c, nil
	})
}

// initVaults creates configured vaults that are not in the restored state
// and opens their first market position.
func initVaults(ctx context.Context, engine *core.Engine, specs []config.VaultSpec, logger zerolog.Logger) error {
	for _, spec := range specs {
		id := uuid.MustParse(spec.ID)
		if _, ok := engine.Vault(id); ok {
			continue
		}
		cmd := core.Command{VaultID: id, IdempotencyKey: "config:" + spec.ID}
		if err := engine.InitializeVault(ctx, cmd, spec.VaultConfig); err != nil {
			return fmt.Errorf("vault %s: %w", id, err)
		}
		epoch, err := engine.OpenMarketPosition(ctx, cmd)
		if err != nil {
			return fmt.Errorf("vault %s: open market position: %w", id, err)
		}
		logger.Info().Str("vault_id", spec.ID).Uint64("epoch_id", epoch).Msg("vault initialized from config")
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
