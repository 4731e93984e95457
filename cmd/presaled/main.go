package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blmnsale/config"
	"blmnsale/core/events"
	"blmnsale/core/state"
	"blmnsale/native/ledger"
	"blmnsale/native/presale"
	"blmnsale/observability/logging"
	telemetry "blmnsale/observability/otel"
	"blmnsale/rpc"
	"blmnsale/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to service configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Setup("presaled", "").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("presaled", cfg.Environment)

	owner, allocations, err := cfg.Validate()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "presaled",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	recorder := events.NewRecorder(cfg.EventCapacity)
	emitter := events.NewMultiEmitter(recorder)

	ledgerEngine := ledger.NewEngine()
	ledgerEngine.SetState(manager)
	ledgerEngine.SetEmitter(emitter)

	custody := allocations["Presale"].Array()
	allocCfg := ledger.AllocationConfig{
		Presale:   custody,
		Marketing: allocations["Marketing"].Array(),
		Exchange:  allocations["Exchange"].Array(),
		Rewards:   allocations["Rewards"].Array(),
		Team:      allocations["Team"].Array(),
		BurnSink:  allocations["BurnSink"].Array(),
	}
	if _, err := ledgerEngine.Token(); err != nil {
		if !errors.Is(err, ledger.ErrNotInitialized) {
			logger.Error("failed to load token metadata", "error", err)
			os.Exit(1)
		}
		if _, err := ledgerEngine.Initialize(owner.Array(), allocCfg); err != nil {
			logger.Error("failed to initialise ledger", "error", err)
			os.Exit(1)
		}
		logger.Info("ledger initialised", "owner", owner.String())
	}

	manualOracle := presale.NewManualOracle()
	oracle := buildOracle(cfg, manualOracle)
	logger.Info("oracle configured",
		"priority", strings.Join(cfg.Oracle.Priority, ","),
		"endpoint", cfg.Oracle.Endpoint,
		logging.MaskField("apiKey", cfg.Oracle.APIKey),
	)

	presaleEngine := presale.NewEngine()
	presaleEngine.SetState(manager)
	presaleEngine.SetLedger(ledgerEngine)
	presaleEngine.SetOracle(oracle)
	presaleEngine.SetCustody(custody)
	presaleEngine.SetEmitter(emitter)
	if maxAge := cfg.Oracle.QuoteMaxAge(); maxAge > 0 {
		presaleEngine.SetQuoteMaxAge(maxAge)
	}

	server := rpc.NewServer(ledgerEngine, presaleEngine, manager, recorder, cfg.RPCTokenEnv)
	server.SetManualOracle(manualOracle)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting metrics server", "addr", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	go func() {
		if err := server.Start(cfg.RPCAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown failed", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildOracle assembles the price feed from the configured readers. The
// manual reader is always registered so operators can inject a rate during
// incidents (via oracle_setManualRate); the HTTP reader joins when an
// endpoint is configured.
func buildOracle(cfg *config.Config, manual *presale.ManualOracle) *presale.ReaderAggregator {
	agg := presale.NewReaderAggregator(cfg.Oracle.Priority, cfg.Oracle.QuoteMaxAge())
	agg.Register("manual", manual)
	if strings.TrimSpace(cfg.Oracle.Endpoint) != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		agg.Register("http", presale.NewHTTPOracle(client, cfg.Oracle.Endpoint, cfg.Oracle.APIKey, cfg.Oracle.Pair))
	}
	return agg
}
