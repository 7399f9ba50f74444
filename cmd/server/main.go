package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/entl/termcore/internal/config"
	"github.com/entl/termcore/internal/journal"
	"github.com/entl/termcore/internal/logging"
	"github.com/entl/termcore/internal/metrics"
	"github.com/entl/termcore/internal/server"
	"github.com/entl/termcore/internal/session"
	"github.com/entl/termcore/internal/storage"
)

// version and build are injected at link time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.build=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	build   = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termcored:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "termcored",
		Short:         "Terminal session daemon with resize redraw correction",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "termcored %s (%s)\n", version, build)
		},
	}
}

func newServeCmd() *cobra.Command {
	var grpcAddr, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session control server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (overrides TERMCORE_SERVER_GRPC_ADDR)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address, empty to disable (overrides TERMCORE_SERVER_METRICS_ADDR)")
	return cmd
}

func serve(cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// --- Storage & Journal ------------------------------------------------
	db, err := storage.NewDB(cfg.Journal.Path)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to open journal database: %w", err)
	}
	journalSvc := journal.NewService(db, cfg.Journal.Buffer,
		journal.WithLogger(logger),
		journal.WithMetrics(m),
	)

	sessionMgr := session.NewManager(cfg,
		session.WithLogger(logger),
		session.WithMetrics(m),
		session.WithRecorder(journalSvc),
	)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.UnaryInterceptor(logger, m)),
		grpc.StreamInterceptor(server.StreamInterceptor(logger, m)),
	)
	server.RegisterControlService(grpcServer, server.NewControlServer(sessionMgr,
		server.WithEvents(journalSvc),
		server.WithLogger(logger),
		server.WithVersion(version, build),
	))

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening",
			zap.Stringer("addr", lis.Addr()),
			zap.String("version", version),
			zap.String("run", journalSvc.RunID()))
		serveErr <- grpcServer.Serve(lis)
	}()

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	case runErr = <-serveErr:
		logger.Error("gRPC server stopped", zap.Error(runErr))
	}

	grpcServer.GracefulStop()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
		cancel()
	}
	if err := sessionMgr.Close(); err != nil {
		logger.Warn("session manager close error", zap.Error(err))
	}
	if err := journalSvc.Close(); err != nil {
		logger.Warn("journal close error", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		logger.Warn("db close error", zap.Error(err))
	}
	logger.Info("server stopped")
	return runErr
}
