// Perp Strategy Orchestrator — runs a live trailing-stop trader and a fleet
// of paper-trading strategy variants against a perpetual-futures venue.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feeds → stores → stop manager → optimizer
//	strategy/trailing.go — staircase trailing stop: break-even arm, then discrete tightening steps
//	strategy/variant.go  — paper variant: simulated fills, per-variant circuit breaker
//	optimizer/           — variant generation, promotion gate, telemetry
//	stops/               — serialized place-then-cancel stop replacement with retry + emergency close
//	reconcile/           — periodic local-vs-exchange position and stop audit
//	budget/              — priority token buckets for the venue REST budget
//	exchange/            — REST client, HMAC signing, WebSocket feeds with auto-reconnect
//	risk/manager.go      — global kill switch: drift halts, daily loss limit
//	api/                 — operator HTTP server: status, SSE event stream, Prometheus metrics
//
// The live trader never opens positions on its own; it protects and trails
// whatever the account holds. The optimizer decides which parameterization
// deserves promotion by paper-trading every candidate on the same feed.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"

	"perp-orchestrator/internal/api"
	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/engine"
	"perp-orchestrator/internal/strategy"
	"perp-orchestrator/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PERP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	for _, key := range cfg.Unused {
		logger.Warn("unrecognized config key", "key", key)
	}

	// Create and start engine
	eng, err := engine.New(*cfg, momentumSignal, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start operator API server if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng.Optimizer(), eng.Risk(), eng.Budget(), eng.Account(), eng.Bus(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api server started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("perp strategy orchestrator started",
		"symbols", cfg.Symbols,
		"leverage", cfg.Trading.DefaultLeverage,
		"optimizer", cfg.Optimizer.Enabled,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop API first so operators see a clean connection close
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Stop()

	if cfg.Optimizer.Enabled {
		printPerformance(eng)
	}
}

// printPerformance dumps the final variant comparison to stdout so a run's
// outcome survives even without the API server.
func printPerformance(eng *engine.Engine) {
	perf := eng.Optimizer().GetPerformanceComparison()
	if len(perf) == 0 {
		return
	}

	fmt.Println("\nVariant performance:")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Variant", "Profile", "Trades", "Win%", "AvgROI%", "Sharpe", "MaxDD%", "Net PnL", "Score", "Eligible")
	for _, p := range perf {
		eligible := ""
		if p.Eligible {
			eligible = "YES"
		}
		table.Append(
			p.VariantID,
			p.Profile,
			fmt.Sprintf("%d", p.Trades),
			fmt.Sprintf("%.1f", p.WinRate*100),
			fmt.Sprintf("%.2f", p.AvgROI),
			fmt.Sprintf("%.2f", p.Sharpe),
			fmt.Sprintf("%.2f", p.MaxDrawdown),
			p.NetPnl,
			fmt.Sprintf("%.3f", p.Score),
			eligible,
		)
	}
	table.Render()
}

// momentumSignal is the built-in signal function: EMA crossover gated by RSI.
// Deployments with their own signal pipeline swap this out at engine.New.
func momentumSignal(symbol string, indicators map[string]float64, price float64) strategy.Signal {
	emaFast, okF := indicators["ema_fast"]
	emaSlow, okS := indicators["ema_slow"]
	if !okF || !okS || emaSlow == 0 {
		return strategy.Signal{Type: types.SignalNeutral}
	}

	rsi, hasRSI := indicators["rsi"]
	spread := (emaFast - emaSlow) / emaSlow

	switch {
	case spread > 0 && (!hasRSI || rsi < 70):
		t := types.SignalBuy
		if spread > 0.002 {
			t = types.SignalStrongBuy
		}
		return strategy.Signal{Type: t, Score: spread * 1000}
	case spread < 0 && (!hasRSI || rsi > 30):
		t := types.SignalSell
		if spread < -0.002 {
			t = types.SignalStrongSell
		}
		return strategy.Signal{Type: t, Score: spread * 1000}
	default:
		return strategy.Signal{Type: types.SignalNeutral}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
