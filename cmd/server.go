/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	mdlogger "github.com/valri11/go-servicepack/logger"
	"github.com/valri11/go-servicepack/telemetry"

	"github.com/valri11/proofgate/config"
	appmetrics "github.com/valri11/proofgate/metrics"
	"github.com/valri11/proofgate/pipeline"
	"github.com/valri11/proofgate/ratelimit"
	"github.com/valri11/proofgate/resolver"
	"github.com/valri11/proofgate/server"
)

const (
	serviceName = "proofgate"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve proof requests over JSON-RPC",
	Long: `Serve proof requests over JSON-RPC.

Each request's params are merged on top of the process flags, which are merged
on top of the config file; the result is handed to the execution pipeline.`,
	RunE: doServerCmd,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	flags := serverCmd.Flags()
	flags.String("address", "0.0.0.0:8080", "server bind address")
	flags.Int("concurrency-limit", 16, "limit the max number of in-flight requests")
	flags.String("config-path", "host/config/config.json", "config file with the default request arguments, request params override its contents")
	flags.String("cache", "", "local directory used as a cache for input")
	flags.String("log-level", "info", "log level (env LOG_LEVEL)")
	flags.String("admission-policy", config.AdmissionPolicyQueue, "what to do when all request slots are busy: queue or reject")
	flags.Duration("admission-timeout", 0, "max time a queued request waits for a slot, 0 waits for as long as the caller does")
	flags.Bool("reload-config", false, "re-read the config file on every request")
	flags.Bool("watch-config", false, "re-read the config file when it changes on disk")
	flags.String("pipeline-url", "", "execution service endpoint, empty answers with the resolved config only")
	flags.Duration("pipeline-timeout", 15*time.Minute, "execution service call timeout")
	flags.String("rate-limit-store", "", "request rate limiter: localFixedWindow, localSlidingWindow, localTokenBucket, redisFixedWindow or redisSlidingWindow")
	flags.Int("rate-limit-per-sec", 0, "requests per second allowed by the rate limiter")
	flags.String("rate-limit-connection", "", "redis address for the redis rate limiter")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-cert-key", "", "TLS certificate key file")
	flags.Bool("enable-telemetry", false, "enable telemetry publishing")
	flags.String("telemetry-collector", "localhost:4317", "open telemetry grpc collector")

	flags.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(f.Name, f)
	})
	viper.BindEnv("log-level", envPrefix+"_LOG_LEVEL", "LOG_LEVEL")
}

func loadConfiguration() (config.Configuration, error) {
	var cfg config.Configuration
	for _, target := range []any{&cfg.Process, &cfg.Server, &cfg.Admission, &cfg.RateLimit, &cfg.Pipeline} {
		if err := viper.Unmarshal(target); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func doServerCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	lvl, err := cfg.Process.Level()
	if err != nil {
		return err
	}
	logger, err := mdlogger.New(lvl, true)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Debug("config", zap.Any("cfg", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Process.Cache != "" {
		if err := os.MkdirAll(cfg.Process.Cache, 0o755); err != nil {
			return fmt.Errorf("cache directory: %w", err)
		}
	}

	res, err := newResolver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// fail before binding when the config file is unusable
	effective, err := res.Resolve(ctx, nil)
	if err != nil {
		logger.Error("startup config check failed", zap.Error(err))
		return err
	}
	logger.Debug("start config", zap.Stringer("config", effective))

	shutdown, err := telemetry.InitProvider(ctx, cfg.Server.EnableTelemetry, serviceName, cfg.Server.TelemetryCollector)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown TracerProvider", zap.Error(err))
		}
	}()

	handler, closeHandler, err := newHandler(cfg, res, logger)
	if err != nil {
		return err
	}
	defer closeHandler()

	srv := &http.Server{
		Handler:     handler,
		IdleTimeout: time.Minute,
		ReadTimeout: 10 * time.Second,
		// restarted per request once admitted, see server.Options
		WriteTimeout: dispatchTimeout(cfg.Pipeline),
	}

	ln, err := net.Listen("tcp", cfg.Process.Address)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("address", ln.Addr().String()),
		zap.Int("concurrency_limit", cfg.Process.ConcurrencyLimit),
		zap.String("admission_policy", cfg.Admission.Policy))

	if cfg.Server.TlsCertFile != "" {
		err = srv.ServeTLS(ln, cfg.Server.TlsCertFile, cfg.Server.TlsCertKeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newResolver(ctx context.Context, cfg config.Configuration, logger *zap.Logger) (*resolver.Resolver, error) {
	process, err := cfg.Process.Value()
	if err != nil {
		return nil, err
	}

	source := resolver.NewFileSource(cfg.Process.ConfigPath, cfg.Server.ReloadConfig, logger)
	if cfg.Server.WatchConfig && !cfg.Server.ReloadConfig {
		if err := source.Watch(ctx); err != nil {
			return nil, fmt.Errorf("watch config: %w", err)
		}
	}

	return resolver.New(source, process), nil
}

// dispatchTimeout is the write deadline of an admitted request: the
// pipeline call plus time to write the response.
func dispatchTimeout(p config.Pipeline) time.Duration {
	return p.Timeout + time.Minute
}

func newHandler(cfg config.Configuration, res *resolver.Resolver, logger *zap.Logger) (http.Handler, func(), error) {
	meter, err := appmetrics.NewMeterProvider(serviceName)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := appmetrics.NewAppMetrics(meter)
	if err != nil {
		return nil, nil, err
	}

	admission, err := ratelimit.NewAdmission(meter, cfg.Admission, cfg.Process.ConcurrencyLimit)
	if err != nil {
		return nil, nil, err
	}

	var executor pipeline.Executor = pipeline.DryRunExecutor{}
	if cfg.Pipeline.URL != "" {
		executor, err = pipeline.NewHTTPExecutor(cfg.Pipeline, logger)
		if err != nil {
			return nil, nil, err
		}
	} else {
		logger.Warn("no pipeline url set, answering with resolved config only")
	}

	var limitStore ratelimit.LimitStore
	if cfg.RateLimit.Type != "" {
		limitStore, err = ratelimit.NewLimitStore(cfg.RateLimit)
		if err != nil {
			return nil, nil, err
		}
	}
	closeStore := func() {
		if c, ok := limitStore.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Error("close rate limit store", zap.Error(err))
			}
		}
	}

	handler, err := server.NewHandler(server.Options{
		Resolver:   res,
		Admission:  admission,
		Executor:   executor,
		Metrics:    metrics,
		Meter:      meter,
		Tracer:     otel.Tracer(serviceName),
		Logger:     logger,
		LimitStore: limitStore,

		DispatchTimeout: dispatchTimeout(cfg.Pipeline),
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return handler, closeStore, nil
}
