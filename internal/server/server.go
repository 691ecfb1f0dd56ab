package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/core"
	"HedgeVault/internal/keeper"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/query"
	"HedgeVault/internal/state"
)

// Engine is the command side of core.Engine served over HTTP.
type Engine interface {
	InitializeVault(ctx context.Context, cmd core.Command, cfg state.VaultConfig) error
	OpenMarketPosition(ctx context.Context, cmd core.Command) (uint64, error)
	OpenHedgePosition(ctx context.Context, cmd core.Command) (uint64, error)
	RefreshVault(ctx context.Context, cmd core.Command) error
	CheckRebalance(ctx context.Context, vaultID uuid.UUID) (core.RebalanceCheck, error)
	RebalanceMarket(ctx context.Context, cmd core.Command) (core.MarketRebalance, error)
	RebalanceHedge(ctx context.Context, cmd core.Command) (core.HedgeRebalance, error)

	OpenParticipant(ctx context.Context, cmd core.Command) (*state.Participant, error)
	CloseParticipant(ctx context.Context, cmd core.Command) error
	DepositLiquidity(ctx context.Context, req core.LiquidityRequest) (collab.TokenAmounts, error)
	WithdrawLiquidity(ctx context.Context, req core.LiquidityRequest) (collab.TokenAmounts, error)
	ClaimFees(ctx context.Context, cmd core.Command) (collab.TokenAmounts, error)
	ClaimCollateralInterest(ctx context.Context, cmd core.Command) (uint64, error)
	RepayBorrowInterest(ctx context.Context, cmd core.Command) (uint64, error)
	IncreaseHedge(ctx context.Context, req core.HedgeRequest) (uint64, error)
	DecreaseHedge(ctx context.Context, req core.HedgeRequest) (core.UnhedgeReceipt, error)
	Sync(ctx context.Context, req core.SyncRequest) (core.SyncResult, error)
	SyncAll(ctx context.Context, cmd core.Command) (core.SyncResult, error)
}

// VaultChecker runs the combined market and hedge rebalance check.
type VaultChecker interface {
	CheckVault(ctx context.Context, vaultID uuid.UUID) (keeper.Outcome, error)
}

// Deps holds everything the API serves.
type Deps struct {
	Engine       Engine
	Query        *query.QueryService
	Checker      VaultChecker
	StaleRetries int
	// CommandsPerMinute caps POST and DELETE requests; zero disables it.
	CommandsPerMinute int
	HealthChecker     *observability.HealthChecker
	Metrics           *observability.Metrics
	Logger            zerolog.Logger
}

// Server wraps the gRPC server (health and reflection) and the HTTP/JSON
// API served through a gRPC-Gateway mux.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	handler    http.Handler
	limiter    *commandLimiter
	deps       Deps
	logger     zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		limiter:    newCommandLimiter(deps.CommandsPerMinute),
		deps:       deps,
		logger:     deps.Logger,
	}

	gw := runtime.NewServeMux()
	if err := s.registerRoutes(gw); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", gw)
	s.handler = httpMux
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
