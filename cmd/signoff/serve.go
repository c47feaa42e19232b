package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/signoff/internal/config"
	"github.com/jkaninda/signoff/internal/gateway"
	"github.com/jkaninda/signoff/internal/gateway/httpapi"
	"github.com/jkaninda/signoff/internal/ratelimit"
	"github.com/jkaninda/signoff/internal/retention"
)

var (
	configPath string
	servePort  string
	debugLogs  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the approval registry with its HTTP API",
	RunE:  runServe,
}

func init() {
	// Registered on root and serve so that `signoff --config path` and
	// `signoff serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "enable debug logging")
}

// runServe starts the registry, the retention sweeper and the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(debugLogs)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateway.HTTP == nil {
			cfg.Gateway.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateway.HTTP.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting signoff", slog.String("version", version), slog.String("config", configPath))

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if cfg.Retention != nil && cfg.Retention.Enabled && sc.Store != nil {
		var rm *retention.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			rm = retention.NewMetrics(sc.Obs.Metrics.Registry)
		}
		sweeper, err := retention.New(sc.Store.Approvals(), cfg.Retention, rm, logger)
		if err != nil {
			return err
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()
	}

	gateways := []gateway.Gateway{buildHTTPGateway(cfg, sc)}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = fmt.Errorf("gateway: %w", err)
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}

func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	httpCfg := cfg.Gateway.HTTP

	apiCfg := httpapi.Config{ListenAddr: httpCfg.Addr()}
	var limiter *ratelimit.Limiter
	if httpCfg != nil {
		apiCfg.EnableDocs = httpCfg.EnableDocs
		apiCfg.APIKeys = httpCfg.APIKeyUserMapping
		apiCfg.MaxRequestSize = httpCfg.MaxRequestSizeBytes
		if httpCfg.RateLimit.RequestsPerMinute > 0 {
			limiter = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
				BurstSize:         httpCfg.RateLimit.BurstSize,
			})
		}
	}
	if len(apiCfg.APIKeys) == 0 {
		sc.Logger.Warn("no API keys configured; every /v1 request will be rejected",
			slog.String("hint", "set gateway.http.api_key_user_mapping or SIGNOFF_API_KEYS"),
		)
	}

	if obs := sc.Obs; obs != nil {
		apiCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			apiCfg.Metrics = obs.Metrics
			apiCfg.MetricsRegistry = obs.Metrics.Registry
			apiCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
		if obs.Tracer != nil {
			apiCfg.Tracer = obs.Tracer.Tracer()
		}
	}

	return httpapi.NewGateway(apiCfg, sc.Registry, limiter, sc.Logger)
}
