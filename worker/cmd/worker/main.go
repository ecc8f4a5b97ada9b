package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pipforge/distbuild/worker/internal/localscheduler"
	"github.com/pipforge/distbuild/worker/internal/notifymanager"
	"github.com/pipforge/distbuild/worker/internal/perfreporter"
	"github.com/pipforge/distbuild/worker/internal/workerservice"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/rpcclient"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	orchestratorAddr string
	listenAddr       string
	advertiseIP      string
	advertisePort    int
	requestedSlotID  uint32
	sessionID        string
	environment      string
	engineVersion    string
	logLevel         string
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
		Use:   "distbuild-worker",
		Short: "Distributed build worker — attaches to an orchestrator and executes pips",
		Long: `distbuild-worker says Hello to an orchestrator, waits to be attached, and
then executes whatever pips it is dispatched, reporting results, forwarded
diagnostic events, and execution-log blobs back in batches.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.orchestratorAddr, "orchestrator-addr", envOrDefault("DISTBUILD_ORCHESTRATOR_ADDR", "127.0.0.1:7777"), "Orchestrator gRPC address")
	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("DISTBUILD_WORKER_LISTEN_ADDR", ":7778"), "Listen address for the WorkerService RPCs the orchestrator drives")
	root.PersistentFlags().StringVar(&cfg.advertiseIP, "advertise-ip", envOrDefault("DISTBUILD_WORKER_ADVERTISE_IP", "127.0.0.1"), "IP address advertised to the orchestrator in Hello")
	root.PersistentFlags().IntVar(&cfg.advertisePort, "advertise-port", envOrDefaultInt("DISTBUILD_WORKER_ADVERTISE_PORT", 7778), "Port advertised to the orchestrator in Hello")
	root.PersistentFlags().Uint32Var(&cfg.requestedSlotID, "requested-slot-id", 0, "Specific slot id to request on reconnect; 0 means any free slot")
	root.PersistentFlags().StringVar(&cfg.sessionID, "session-id", envOrDefault("DISTBUILD_SESSION_ID", "local"), "Build session id, part of the invocation id checked on Hello, Attach and the worker's reports")
	root.PersistentFlags().StringVar(&cfg.environment, "environment", envOrDefault("DISTBUILD_ENVIRONMENT", "dev"), "Build environment, part of the invocation id checked on Hello, Attach and the worker's reports")
	root.PersistentFlags().StringVar(&cfg.engineVersion, "engine-version", envOrDefault("DISTBUILD_ENGINE_VERSION", version), "Engine version, part of the invocation id checked on Hello, Attach and the worker's reports")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DISTBUILD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("distbuild-worker %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	invocation := distid.Invocation{SessionID: cfg.sessionID, Environment: cfg.environment, EngineVersion: cfg.engineVersion}

	orchestratorConn := rpcclient.NewClientConnectionManager(cfg.orchestratorAddr, logger)

	helloCtx, helloCancel := context.WithTimeout(ctx, 30*time.Second)
	workerID, err := sayHello(helloCtx, orchestratorConn, cfg, invocation)
	helloCancel()
	if err != nil {
		return err
	}

	notifier := notifymanager.New(workerID, invocation, cfg.orchestratorAddr, logger, clockwork.NewRealClock(), nil)
	scheduler := localscheduler.NewStub(notifier, clockwork.NewRealClock(), logger)
	perf := perfreporter.New(workerID, invocation, orchestratorConn, logger)

	svc := workerservice.New(invocation, 1, notifier, scheduler, perf, orchestratorConn, logger)

	lis, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind worker listener on %s: %w", cfg.listenAddr, err)
	}

	grpcSrv := grpc.NewServer()
	distpb.RegisterWorkerServiceServer(grpcSrv, svc)

	go func() {
		logger.Info("worker service listening", zap.String("addr", cfg.listenAddr), zap.Uint32("worker_id", workerID))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("worker grpc server error", zap.Error(err))
			cancel()
		}
	}()

	go perf.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down distbuild worker")
	grpcSrv.GracefulStop()

	var shutdownErr *multierror.Error
	shutdownErr = multierror.Append(shutdownErr, notifier.Close())
	shutdownErr = multierror.Append(shutdownErr, orchestratorConn.Close())
	if err := shutdownErr.ErrorOrNil(); err != nil {
		logger.Warn("errors while closing outbound connections", zap.Error(err))
	}

	logger.Info("distbuild worker stopped")
	return nil
}

// sayHello performs the worker-initiated handshake of spec §4.4: announce
// this worker's location, and learn which slot (if any) it has been
// assigned before it starts listening for Attach.
func sayHello(ctx context.Context, conn *rpcclient.ClientConnectionManager, cfg *config, invocation distid.Invocation) (uint32, error) {
	res := rpcclient.CallAsync(ctx, conn, rpcclient.DefaultUnaryPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.HelloResponse, error) {
		return distpb.NewOrchestratorServiceClient(cc).Hello(ctx, &distpb.HelloRequest{
			IPAddress:     cfg.advertiseIP,
			Port:          uint16(cfg.advertisePort),
			RequestedID:   cfg.requestedSlotID,
			SessionID:     invocation.SessionID,
			Environment:   invocation.Environment,
			EngineVersion: invocation.EngineVersion,
		})
	})
	if res.State != rpcclient.StateSucceeded {
		return 0, fmt.Errorf("distbuild-worker: hello failed: %s", res.State)
	}

	resp := res.Value()
	switch resp.Outcome {
	case distpb.HelloOutcomeOk:
		return resp.WorkerID, nil
	case distpb.HelloOutcomeReleased:
		return 0, fmt.Errorf("distbuild-worker: requested slot was released, exiting without attaching")
	default:
		return 0, fmt.Errorf("distbuild-worker: no slots available (%s)", resp.Outcome)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config
	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zcfg.Build()
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
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return parsed
}
