package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/runplane/internal/adapter/browser"
	"github.com/xiaot623/gogo/runplane/internal/adapter/relay"
	"github.com/xiaot623/gogo/runplane/internal/broker"
	"github.com/xiaot623/gogo/runplane/internal/config"
	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/invocation"
	"github.com/xiaot623/gogo/runplane/internal/logging"
	"github.com/xiaot623/gogo/runplane/internal/metrics"
	"github.com/xiaot623/gogo/runplane/internal/process"
	"github.com/xiaot623/gogo/runplane/internal/repository"
	"github.com/xiaot623/gogo/runplane/internal/sandbox"
	"github.com/xiaot623/gogo/runplane/internal/service"
	"github.com/xiaot623/gogo/runplane/internal/tools"
	transport "github.com/xiaot623/gogo/runplane/internal/transport/http"
	"github.com/xiaot623/gogo/runplane/internal/transport/rpc"
	"github.com/xiaot623/gogo/runplane/policy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane",
	Long: `Start the public HTTP API, the internal worker API and the JSON-RPC
endpoint. Configuration comes from the environment, an optional .env file
and the YAML file named by CONFIG_FILE.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger.Info("starting runplane",
		"version", Version,
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"rpc_addr", cfg.RPCAddr,
		"workspace_root", cfg.WorkspaceRoot)

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	sb, err := sandbox.New(cfg.WorkspaceRoot, sandbox.Options{
		MaxReadBytes:  cfg.WorkspaceMaxReadBytes,
		MaxWriteBytes: cfg.WorkspaceMaxWriteBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sandbox: %w", err)
	}

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy, cfg.PolicyProfiles)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Optional collaborators
	var eventRelay *relay.Relay
	if cfg.NATSURL != "" {
		eventRelay, err = relay.Connect(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event relay: %w", err)
		}
		defer eventRelay.Close()
	}
	var browserClient *browser.Client
	if cfg.BrowserWorkerURL != "" {
		browserClient = browser.NewClient(cfg.BrowserWorkerURL, cfg.ToolTimeout)
	}

	// The registry hooks report into the service, which needs the registry.
	var svc *service.Service
	processes := process.NewRegistry(process.Options{
		LogMaxBytes:   cfg.ProcessLogMaxBytes,
		LogMaxEntries: cfg.ProcessLogMaxEntries,
		Retention:     cfg.ProcessRetention,
		StopGrace:     cfg.StopGrace,
		Logger:        logger,
		OnStart:       func(p domain.ManagedProcess) { svc.ProcessStarted(p) },
		OnExit:        func(p domain.ManagedProcess) { svc.ProcessExited(p) },
	})
	defer processes.Close()

	m := metrics.New(func() float64 { return float64(processes.Live()) })

	eventBroker := broker.New(cfg.SubscriberQueue)
	eventBroker.OnDrop = func(string) { m.BrokerDropped() }

	registry := tools.NewRegistry()
	toolbox := tools.NewToolbox(sb, process.NewGuard(cfg.AllowedCommands), processes, browserClient, tools.Limits{
		ExecTimeout:    cfg.ToolTimeout,
		ExecTimeoutMax: cfg.ExecTimeoutMax,
		OutputLimit:    cfg.ExecOutputLimit,
	})
	if err := toolbox.Register(registry); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	// Initialize service
	svc = service.New(service.Deps{
		Store:     db,
		Broker:    eventBroker,
		Relay:     eventRelay,
		Metrics:   m,
		Cache:     invocation.NewCache(cfg.InvocationCacheTTL, cfg.InvocationCacheCapacity),
		Policy:    policyEngine,
		Tools:     registry,
		Processes: processes,
		Browser:   browserClient,
		Config:    cfg,
		Logger:    logger,
	})

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go svc.RunProcessReaper(reaperCtx)

	externalServer := transport.NewExternalServer(svc, m, logger)
	internalServer := transport.NewInternalServer(svc, logger)
	rpcServer, err := rpc.NewServer(svc, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("external server: %w", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("internal server: %w", err)
		}
	}()

	// Start RPC server
	if cfg.RPCAddr != "" {
		go func() {
			if err := rpcServer.Start(cfg.RPCAddr); err != nil {
				errCh <- fmt.Errorf("rpc server: %w", err)
			}
		}()
	}

	logger.Info("runplane started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down runplane", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown external server gracefully", "error", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown internal server gracefully", "error", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown rpc server gracefully", "error", err)
	}

	logger.Info("runplane stopped")
	return runErr
}
