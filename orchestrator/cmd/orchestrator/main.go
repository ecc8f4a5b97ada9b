package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pipforge/distbuild/orchestrator/internal/orchestratorservice"
	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	grpcAddr      string
	metricsAddr   string
	slots         int
	sessionID     string
	environment   string
	engineVersion string
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "distbuild-orchestrator",
		Short: "Distributed build orchestrator — drives pip execution across remote workers",
		Long: `distbuild-orchestrator is the driver of a distributed build: it holds a
fixed-size array of worker slots, admits workers through the Hello
handshake, dispatches pips for execution, and ingests pip results,
execution-log blobs, and forwarded diagnostic events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("DISTBUILD_GRPC_ADDR", ":7777"), "gRPC listen address for workers")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("DISTBUILD_METRICS_ADDR", ":9100"), "Prometheus metrics listen address")
	root.PersistentFlags().IntVar(&cfg.slots, "slots", envOrDefaultInt("DISTBUILD_SLOTS", 4), "Fixed number of worker slots for this build")
	root.PersistentFlags().StringVar(&cfg.sessionID, "session-id", envOrDefault("DISTBUILD_SESSION_ID", uuid.NewString()), "Build session id, part of the invocation identity")
	root.PersistentFlags().StringVar(&cfg.environment, "environment", envOrDefault("DISTBUILD_ENVIRONMENT", "dev"), "Build environment, part of the invocation identity")
	root.PersistentFlags().StringVar(&cfg.engineVersion, "engine-version", envOrDefault("DISTBUILD_ENGINE_VERSION", version), "Engine version, part of the invocation identity")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DISTBUILD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("distbuild-orchestrator %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.slots <= 0 {
		return fmt.Errorf("slots must be positive, got %d", cfg.slots)
	}

	invocation := distid.Invocation{
		SessionID:     cfg.sessionID,
		Environment:   cfg.environment,
		EngineVersion: cfg.engineVersion,
	}

	logger.Info("starting distbuild orchestrator",
		zap.String("version", version),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.Int("slots", cfg.slots),
		zap.String("invocation", invocation.String()),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := orchestratorservice.New(invocation, cfg.slots, logger, nil, nil, nil)
	svc.EnableAutoAttach()

	// A bind failure makes run return an error before any server starts;
	// failures after this point are logged (a gRPC Serve error also
	// cancels ctx, which starts the shutdown below).
	lis, err := net.Listen("tcp", cfg.grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to bind grpc listener on %s: %w", cfg.grpcAddr, err)
	}

	grpcSrv := grpc.NewServer()
	distpb.RegisterOrchestratorServiceServer(grpcSrv, svc)

	go func() {
		logger.Info("grpc server listening", zap.String("addr", cfg.grpcAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server error", zap.Error(err))
			cancel()
		}
	}()

	metricsSrv := &http.Server{
		Addr:         cfg.metricsAddr,
		Handler:      promhttp.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down distbuild orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator service shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("distbuild orchestrator stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return defaultVal
	}
	return parsed
}
