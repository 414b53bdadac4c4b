package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ResearchHub/deposit-reconciler/internal/alert"
	"github.com/ResearchHub/deposit-reconciler/internal/audit"
	"github.com/ResearchHub/deposit-reconciler/internal/chain"
	"github.com/ResearchHub/deposit-reconciler/internal/chain/base"
	"github.com/ResearchHub/deposit-reconciler/internal/chain/ethereum"
	"github.com/ResearchHub/deposit-reconciler/internal/chain/evm"
	"github.com/ResearchHub/deposit-reconciler/internal/circuitbreaker"
	"github.com/ResearchHub/deposit-reconciler/internal/config"
	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/ResearchHub/deposit-reconciler/internal/intake"
	"github.com/ResearchHub/deposit-reconciler/internal/ledger"
	"github.com/ResearchHub/deposit-reconciler/internal/reconcile"
	"github.com/ResearchHub/deposit-reconciler/internal/store/postgres"
	"github.com/ResearchHub/deposit-reconciler/internal/tracing"
)

const httpShutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	networks := make([]string, 0, len(cfg.Networks))
	for n := range cfg.Networks {
		networks = append(networks, string(n))
	}
	logger.Info("starting deposit-reconciler",
		"networks", networks,
		"reconcile_interval", cfg.Reconcile.Interval,
		"deposit_max_age", cfg.Reconcile.MaxAge,
		"intake_port", cfg.Server.IntakePort,
		"ops_port", cfg.Server.OpsPort,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "deposit-reconciler", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations("migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	repo := postgres.NewDepositRepo(db, ledger.NewPgDistributor())

	publisher, err := buildPublisher(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize audit publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	alerter := buildAlerter(cfg, logger)

	service := reconcile.New(repo, publisher, alerter, reconcile.Config{
		Interval:      cfg.Reconcile.Interval,
		BatchSize:     cfg.Reconcile.BatchSize,
		Workers:       cfg.Reconcile.Workers,
		VerifyTimeout: cfg.Reconcile.VerifyTimeout,
		MaxAge:        cfg.Reconcile.MaxAge,
	}, logger)

	for network, nc := range cfg.Networks {
		verifier, err := buildVerifier(network, nc, cfg.Reconcile.VerifyTimeout, alerter, logger)
		if err != nil {
			logger.Error("failed to build verifier", "network", network, "error", err)
			os.Exit(1)
		}
		service.RegisterNetwork(network, verifier, nc.TokenContract, nc.DepositAddress)
		logger.Info("network registered",
			"network", network,
			"token_contract", nc.TokenContract,
			"deposit_address", nc.DepositAddress,
			"min_confirmations", nc.MinConfirmations,
		)
	}

	rateLimiter := intake.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	intakeNetworks := make([]model.Network, 0, len(cfg.Networks))
	for n := range cfg.Networks {
		intakeNetworks = append(intakeNetworks, n)
	}
	intakeServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.IntakePort),
		Handler: rateLimiter.Wrap(intake.NewServer(repo, intakeNetworks, logger).Handler()),
	}

	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.Handler())
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	opsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.OpsPort),
		Handler: opsMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := service.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error { return serveHTTP(gCtx, intakeServer, "intake", logger) })
	g.Go(func() error { return serveHTTP(gCtx, opsServer, "ops", logger) })

	if err := g.Wait(); err != nil {
		logger.Error("reconciler exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("reconciler stopped")
}

func serveHTTP(ctx context.Context, server *http.Server, name string, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn(name+" server shutdown error", "error", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func buildPublisher(cfg *config.Config, logger *slog.Logger) (audit.Publisher, error) {
	if cfg.Redis.AuditStreamEnabled {
		publisher, err := audit.NewStreamPublisher(cfg.Redis.URL, cfg.Redis.AuditStream, cfg.Redis.AuditStreamMaxLen)
		if err != nil {
			return nil, err
		}
		logger.Info("audit stream enabled", "stream", cfg.Redis.AuditStream)
		return publisher, nil
	}
	return audit.NewMemoryPublisher(), nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	alerters := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
		logger.Info("alert webhook configured")
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)
}

func buildVerifier(network model.Network, nc config.NetworkConfig, verifyTimeout time.Duration, alerter alert.Alerter, logger *slog.Logger) (chain.Verifier, error) {
	evmCfg := evm.Config{
		RPCURL:               nc.RPCURL,
		TokenContract:        nc.TokenContract,
		TokenDecimals:        nc.TokenDecimals,
		MinConfirmations:     nc.MinConfirmations,
		RPCRateLimit:         nc.RPCRateLimit,
		RPCBurst:             nc.RPCBurst,
		RequestTimeout:       verifyTimeout,
		OnBreakerStateChange: breakerAlertHook(network, alerter, logger),
	}
	switch network {
	case model.NetworkEthereum:
		return ethereum.NewVerifier(evmCfg, logger), nil
	case model.NetworkBase:
		return base.NewVerifier(evmCfg, logger), nil
	default:
		return nil, fmt.Errorf("no verifier implementation for network %s", network)
	}
}

// breakerAlertHook pages operators when a network's node breaker opens and
// announces recovery when it closes again. Alert delivery is best-effort.
func breakerAlertHook(network model.Network, alerter alert.Alerter, logger *slog.Logger) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		var a alert.Alert
		switch {
		case to == circuitbreaker.StateOpen:
			a = alert.Alert{
				Type:    alert.AlertTypeRPCDegraded,
				Network: network.String(),
				Title:   "rpc circuit breaker open",
				Message: fmt.Sprintf("%s node failing, verification paused until the breaker recovers", network),
				Fields:  map[string]string{"from": from.String(), "to": to.String()},
			}
		case from != circuitbreaker.StateClosed && to == circuitbreaker.StateClosed:
			a = alert.Alert{
				Type:    alert.AlertTypeRecovery,
				Network: network.String(),
				Title:   "rpc circuit breaker closed",
				Message: fmt.Sprintf("%s node recovered, verification resumed", network),
				Fields:  map[string]string{"from": from.String(), "to": to.String()},
			}
		default:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := alerter.Send(ctx, a); err != nil {
			logger.Error("failed to send breaker alert", "network", network, "error", err)
		}
	}
}
