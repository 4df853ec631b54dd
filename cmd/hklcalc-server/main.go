package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/hklcalc/internal/config"
	"github.com/signalsfoundry/hklcalc/internal/logging"
	"github.com/signalsfoundry/hklcalc/internal/observability"
	"github.com/signalsfoundry/hklcalc/internal/rpc"
	"github.com/signalsfoundry/hklcalc/internal/statefile"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	grpcAddr := flag.String("grpc-addr", "", "TCP address the gRPC server listens on (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides config)")
	stateFile := flag.String("state", "", "State file preloaded into an initial session (overrides config)")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewFromEnv().Error(ctx, "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if *stateFile != "" {
		cfg.StateFile = *stateFile
	}

	log := logging.New(cfg.LoggerConfig())

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ObservabilityTracing(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Server.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg, log, lis); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or a listener fails.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewRPCCollector(reg)
	if err != nil {
		return err
	}
	solver, err := observability.NewSolverCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(cfg.Server.MetricsAddr, collector)

	sessions := rpc.NewRegistry(cfg,
		rpc.WithRegistryLogger(log),
		rpc.WithRPCCollector(collector),
		rpc.WithSolveRecorder(solver))
	if cfg.StateFile != "" {
		if err := preload(ctx, sessions, cfg.StateFile, log); err != nil {
			return err
		}
	}

	server := rpc.NewServer(rpc.NewService(sessions, log), log, collector)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(ctx, "starting hklcalc gRPC server", logging.String("addr", lis.Addr().String()))
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info(ctx, "serving Prometheus metrics", logging.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down hklcalc server")
		server.GracefulStop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	sessions.CloseAll(context.Background())
	return err
}

// preload opens a session and applies the state file to it.
func preload(ctx context.Context, sessions *rpc.Registry, path string, log logging.Logger) error {
	doc, err := statefile.Load(path)
	if err != nil {
		return err
	}
	id, err := sessions.Create(ctx, doc.Geometry, doc.SignPolicy)
	if err != nil {
		return err
	}
	st, err := sessions.State(id)
	if err != nil {
		return err
	}
	if err := doc.Apply(ctx, st); err != nil {
		_ = sessions.Close(ctx, id)
		return err
	}
	log.Info(ctx, "preloaded state file",
		logging.String("path", path),
		logging.String("session_id", id),
		logging.Int("reflections", st.Reflections().Len()))
	return nil
}

func serveMetrics(addr string, collector *observability.RPCCollector) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
