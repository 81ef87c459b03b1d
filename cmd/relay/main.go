// RunPod relay: main entry point.
//
// `runpod-relay serve` reads its configuration from the environment (and a
// .env file when present; see package config for the variables) and serves:
//
//	HTTP_ADDR     POST /chat, GET /jobs/{jobID}
//	GRPC_ADDR     runpodrelay.v1.ChatRelay/Chat, grpc.health.v1
//	METRICS_ADDR  /metrics, /healthz
//
// `runpod-relay chat` is a small gRPC client for the relay.
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

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/abdhe/runpod-relay/pkg/config"
	"github.com/abdhe/runpod-relay/pkg/jobstore"
	"github.com/abdhe/runpod-relay/pkg/metrics"
	"github.com/abdhe/runpod-relay/pkg/proxy"
	"github.com/abdhe/runpod-relay/pkg/relay"
	"github.com/abdhe/runpod-relay/pkg/resilience"
	"github.com/abdhe/runpod-relay/pkg/runpod"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "runpod-relay",
	Short:         "Relay chat requests to a RunPod serverless endpoint",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		return config.LoadDotEnv(envFile)
	},
}

func main() {
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.AddCommand(newServeCommand(), newChatCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("runpod-relay failed")
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC and metrics listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("http-addr") {
				cfg.Server.HTTPAddr, _ = f.GetString("http-addr")
			}
			if f.Changed("grpc-addr") {
				cfg.Server.GRPCAddr, _ = f.GetString("grpc-addr")
			}
			if f.Changed("metrics-addr") {
				cfg.Server.MetricsAddr, _ = f.GetString("metrics-addr")
			}
			if f.Changed("log-level") {
				cfg.Log.Level, _ = f.GetString("log-level")
			}
			if err := setupLogger(cfg.Log); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("http-addr", "", "chat HTTP listen address (overrides HTTP_ADDR)")
	cmd.Flags().String("grpc-addr", "", "gRPC listen address (overrides GRPC_ADDR)")
	cmd.Flags().String("metrics-addr", "", "metrics listen address (overrides METRICS_ADDR)")
	cmd.Flags().String("log-level", "", "log level: trace, debug, info, warn, error (overrides LOG_LEVEL)")
	return cmd
}

func setupLogger(cfg config.LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return &config.ConfigError{Key: "LOG_LEVEL", Reason: "is not a valid level"}
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.DefaultContextLogger = &log.Logger
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Object("credentials", cfg.Credentials).
		Str("base_url", cfg.Endpoint.BaseURL).
		Dur("poll_interval", cfg.Poll.Interval).
		Int("poll_max_attempts", cfg.Poll.MaxAttempts).
		Msg("starting RunPod relay")

	// -------------------------------------------------------------------------
	// Job ledger
	// -------------------------------------------------------------------------
	var (
		store    *jobstore.RedisStore
		recorder relay.Recorder
		jobs     proxy.JobReader
	)
	if cfg.Redis.Enabled() {
		store = jobstore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.JobTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := store.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis connection failed, job ledger disabled")
			_ = store.Close()
			store = nil
		} else {
			recorder, jobs = store, store
			defer store.Close()
			log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.JobTTL).Msg("job ledger enabled")
		}
	} else {
		log.Info().Msg("REDIS_ADDR not set, job ledger disabled")
	}

	// -------------------------------------------------------------------------
	// Relay pipeline
	// -------------------------------------------------------------------------
	client := runpod.NewClient(runpod.Config{
		BaseURL:        cfg.Endpoint.BaseURL,
		EndpointID:     cfg.Credentials.EndpointID,
		RequestTimeout: cfg.Endpoint.RequestTimeout,
	})
	keys := resilience.NewKeyPool(cfg.Credentials.APIKeys)
	metrics.AvailableKeys.Set(float64(keys.Available()))

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Endpoint.MaxRetries
	retryCfg.BaseDelay = cfg.Endpoint.RetryDelay

	submitter := relay.NewSubmitter(client, relay.SubmitterConfig{
		Generation: cfg.Generation,
		Retry:      retryCfg,
		Keys:       keys,
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         cfg.CircuitBreaker.Cooldown,
		}),
	})
	poller := relay.NewPoller(client, relay.PollerConfig{
		Interval:               cfg.Poll.Interval,
		MaxAttempts:            cfg.Poll.MaxAttempts,
		InitialDelay:           cfg.Poll.InitialDelay,
		MaxConsecutiveFailures: cfg.Poll.MaxConsecutiveFailures,
	}, recorder)

	eg, gctx := errgroup.WithContext(ctx)

	pipeline := relay.NewPipeline(gctx, relay.PipelineConfig{
		Submitter: submitter,
		Poller:    poller,
		Recorder:  recorder,
	})
	handler := proxy.NewHandler(proxy.Config{Pipeline: pipeline, Jobs: jobs})

	// -------------------------------------------------------------------------
	// Listeners
	// -------------------------------------------------------------------------
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: responses stream for as long as the job polls
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)
	proxy.RegisterChatRelayServer(grpcServer, handler)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Server.GRPCAddr)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	metricsServer := &http.Server{
		Addr:         cfg.Server.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("gRPC server listening")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(proxy.ChatRelayServiceName, healthpb.HealthCheckResponse_SERVING)
		return errors.Wrap(grpcServer.Serve(grpcLis), "grpc server")
	})
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	eg.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// gctx is done, so the pipeline already refuses new jobs and its
		// pollers are stopping; close the listeners first, then the pollers
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		stopGRPC(shutdownCtx, grpcServer)
		if err := pipeline.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("pollers still running at shutdown")
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown error")
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	log.Info().Msg("RunPod relay shut down")
	return nil
}

// stopGRPC drains in-flight streams until ctx is done, then closes them.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("gRPC graceful stop timed out, forcing")
		s.Stop()
		<-done
	}
}
