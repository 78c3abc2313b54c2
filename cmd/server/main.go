// Package main provides the entry point for the leaselockd server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/leaselock/internal/api"
	"github.com/kneutral-org/leaselock/internal/config"
	"github.com/kneutral-org/leaselock/internal/lock"
	"github.com/kneutral-org/leaselock/internal/logging"
	"github.com/kneutral-org/leaselock/internal/metrics"
	"github.com/kneutral-org/leaselock/internal/middleware"
)

const serviceName = "leaselockd"

// leaderResourceID is the resource the server instances contend for.
const leaderResourceID = "_leaselockd"

func main() {
	config.LoadDotEnv()
	cfg := config.Load()

	logger := logging.New(serviceName, cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Backend).Msg("failed to open lock backend")
	}
	defer closeStore()

	lockOpts := []lock.Option{
		lock.WithStaleMultiplier(cfg.StaleMultiplier),
		lock.WithBackoff(cfg.AcquireBackoff),
	}

	elector, err := startLeaderElection(ctx, store, logger, lockOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start leader election")
	}

	// Setup Gin router
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(logging.RequestLogger(logger))
	router.Use(metrics.HTTPMetrics())
	router.Use(middleware.PayloadLimit(cfg.MaxPayloadSize, logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"backend": cfg.Backend,
			"leader":  elector.IsLeader(),
		})
	})
	metrics.RegisterMetricsEndpoint(router)

	apiHandler := api.NewHandler(store, logger, lockOpts...)
	apiHandler.RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: api.MaxAcquireWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	grpcServer, healthServer := newGRPCServer(cfg, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for gRPC")
	}
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal().Err(err).Msg("failed to serve gRPC")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	grpcServer.GracefulStop()

	apiHandler.Close()
	elector.Stop(shutdownCtx)

	logger.Info().Msg("server exited properly")
}

// newGRPCServer builds the gRPC server carrying the standard health service.
func newGRPCServer(cfg *config.Config, logger zerolog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.GRPCMaxMessageSize),
		grpc.MaxSendMsgSize(cfg.GRPCMaxMessageSize),
		grpc.ChainUnaryInterceptor(logging.GRPCLogger(logger)),
		grpc.ChainStreamInterceptor(logging.GRPCStreamLogger(logger)),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}

// startLeaderElection makes this instance contend for the leader resource, creating
// it on first start.
func startLeaderElection(ctx context.Context, store lock.Backend[api.Resource], logger zerolog.Logger, lockOpts []lock.Option) (*lock.LeaderElector, error) {
	err := store.Create(ctx, leaderResourceID, &api.Resource{
		Record: lock.Record{ID: leaderResourceID},
		Name:   serviceName + " leader",
		Slots:  []lock.Record{},
	})
	if err != nil && !errors.Is(err, lock.ErrDocumentExists) {
		return nil, err
	}

	handle := lock.New[api.Resource](store, api.ResourceSelector(), append(lockOpts, lock.WithLogger(logger))...)
	renewal := store.LeaseDuration() / 3

	elector := lock.NewLeaderElector(
		lock.NewContender(handle, leaderResourceID, ""),
		logger,
		lock.WithRenewalRate(renewal),
		lock.WithRetryBackoff(renewal),
		lock.WithOnBecomeLeader(func() {
			logger.Info().Str("resourceId", leaderResourceID).Msg("this instance is now the leader")
		}),
		lock.WithOnLoseLeader(func() {
			logger.Warn().Str("resourceId", leaderResourceID).Msg("this instance is no longer the leader")
		}),
	)
	elector.Start(ctx)
	return elector, nil
}
