// Package main is the entry point for the apexbot trading daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/trananhduc/apexbot/internal/config"
	"github.com/trananhduc/apexbot/internal/engine"
	"github.com/trananhduc/apexbot/internal/metrics"
	"github.com/trananhduc/apexbot/internal/persistence"
	"github.com/trananhduc/apexbot/internal/strategy"
	"github.com/trananhduc/apexbot/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "1.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// knownStrategies lists every strategy the daemon can run. CLI
// commands validate names against it.
var knownStrategies = []string{strategy.OvernightRangeName}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "strategies":
		cmdStrategies(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`apexbot - ProjectX Futures Execution Daemon

Usage:
  apexbot <command> [options]

Commands:
  run         Start the trading daemon
  validate    Validate configuration file
  strategies  Manage strategy enablement (list, status, start, stop, start-all, stop-all)
  version     Show version information
  help        Show this help message

Examples:
  apexbot run --config config.yaml
  apexbot validate --config config.yaml
  apexbot strategies list --config config.yaml
  apexbot strategies start overnight_range --symbols MNQ,MES --config config.yaml

Use "apexbot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("apexbot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func loadConfig(path string) *config.Config {
	config.LoadDotEnv(".env")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Account:    %s\n", cfg.Auth.AccountID)
	fmt.Printf("  Hot path:   %v\n", cfg.Execution.HotEnabled)
	fmt.Printf("  State db:   %s\n", cfg.Persistence.Path)
	fmt.Printf("  Cache dir:  %s\n", cfg.Cache.Dir)
	fmt.Printf("  Strategies: %d configured\n", len(cfg.Strategies))
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Debug logging")
	_ = fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := loadConfig(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("apexbot starting",
		"version", Version,
		"account_id", cfg.Auth.AccountID,
	)

	session, err := engine.NewSession(cfg, logger)
	if err != nil {
		slog.Error("failed to assemble session", "err", err)
		os.Exit(1)
	}

	if err := session.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := session.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("apexbot shutdown complete")
}

// Strategy commands work on the durable enablement state. A running
// daemon picks the change up on its next boot; the usual flow is to
// flip the state and restart the service.
func cmdStrategies(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: apexbot strategies <list|status|start|stop|start-all|stop-all> [name] [options]")
		os.Exit(1)
	}
	sub := args[0]
	rest := args[1:]

	var name string
	if sub == "status" || sub == "start" || sub == "stop" {
		if len(rest) < 1 || strings.HasPrefix(rest[0], "-") {
			fmt.Fprintf(os.Stderr, "Usage: apexbot strategies %s <name> [options]\n", sub)
			os.Exit(1)
		}
		name = rest[0]
		rest = rest[1:]
		if !isKnownStrategy(name) {
			fmt.Fprintf(os.Stderr, "Unknown strategy %q (known: %s)\n", name, strings.Join(knownStrategies, ", "))
			os.Exit(1)
		}
	}

	fs := flag.NewFlagSet("strategies "+sub, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	symbols := fs.String("symbols", "", "Comma-separated instrument list (start only)")
	_ = fs.Parse(rest)

	cfg := loadConfig(*configPath)

	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open state database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()

	switch sub {
	case "list", "status":
		printStrategyStates(ctx, cfg, repo, name)
	case "start":
		setEnablement(ctx, cfg, repo, name, true, *symbols)
	case "stop":
		setEnablement(ctx, cfg, repo, name, false, "")
	case "start-all":
		for _, n := range knownStrategies {
			setEnablement(ctx, cfg, repo, n, true, "")
		}
	case "stop-all":
		for _, n := range knownStrategies {
			setEnablement(ctx, cfg, repo, n, false, "")
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown strategies subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func isKnownStrategy(name string) bool {
	for _, n := range knownStrategies {
		if n == name {
			return true
		}
	}
	return false
}

// resolveState mirrors the daemon's enablement rules: persisted state
// wins, the config/environment seeds never-persisted strategies, and
// everything else is disabled.
func resolveState(ctx context.Context, cfg *config.Config, repo persistence.Repository, name string) (types.StrategyState, string) {
	if state, err := repo.GetStrategyState(ctx, cfg.Auth.AccountID, name); err == nil && state != nil {
		return *state, "persisted"
	}

	env := cfg.StrategyEnv(name)
	prefix := strings.ToUpper(name)
	if raw, ok := env[prefix+"_ENABLED"]; ok {
		return types.StrategyState{
			AccountID: cfg.Auth.AccountID,
			Name:      name,
			Enabled:   persistence.ParseEnabled(raw),
			Symbols:   splitSymbolList(env[prefix+"_SYMBOLS"]),
		}, "environment"
	}

	return types.StrategyState{AccountID: cfg.Auth.AccountID, Name: name}, "default"
}

func printStrategyStates(ctx context.Context, cfg *config.Config, repo persistence.Repository, only string) {
	names := append([]string(nil), knownStrategies...)
	sort.Strings(names)

	// Live run status comes from a reachable daemon's health endpoint;
	// without one the column stays "-" (durable state carries no run
	// information).
	running := daemonRunning(cfg)

	fmt.Printf("%-20s %-8s %-9s %-12s %s\n", "STRATEGY", "ENABLED", "RUNNING", "SOURCE", "SYMBOLS")
	for _, name := range names {
		if only != "" && name != only {
			continue
		}
		state, source := resolveState(ctx, cfg, repo, name)
		runCol := "-"
		if running != nil {
			runCol = "no"
			if running[name] {
				runCol = "yes"
			}
		}
		fmt.Printf("%-20s %-8v %-9s %-12s %s\n",
			name, state.Enabled, runCol, source, strings.Join(state.Symbols, ","))
	}
}

// daemonRunning queries the local daemon's health endpoint for the set
// of running strategies. Nil when no daemon is reachable.
func daemonRunning(cfg *config.Config) map[string]bool {
	if !cfg.Metrics.Enabled {
		return nil
	}
	port := cfg.Metrics.Port
	if port == 0 {
		port = metrics.DefaultServerConfig().Port
	}
	return runningFromHealth(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// runningFromHealth parses the strategies probe out of a health report.
// The report is served with 503 when any probe fails, so the status
// code is ignored.
func runningFromHealth(baseURL string) map[string]bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var report struct {
		Probes map[string]struct {
			Healthy bool   `json:"healthy"`
			Detail  string `json:"detail"`
		} `json:"probes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil
	}
	probe, ok := report.Probes["strategies"]
	if !ok {
		return nil
	}

	running := make(map[string]bool)
	for _, name := range strings.Split(probe.Detail, ",") {
		if name = strings.TrimSpace(name); name != "" {
			running[name] = true
		}
	}
	return running
}

func setEnablement(ctx context.Context, cfg *config.Config, repo persistence.Repository, name string, enabled bool, symbolsOverride string) {
	state, _ := resolveState(ctx, cfg, repo, name)
	state.AccountID = cfg.Auth.AccountID
	state.Name = name
	state.Enabled = enabled
	state.UpdatedAt = time.Now().UTC()
	if symbolsOverride != "" {
		state.Symbols = splitSymbolList(symbolsOverride)
	}

	if enabled && len(state.Symbols) == 0 {
		fmt.Fprintf(os.Stderr, "Strategy %q has no symbols; pass --symbols\n", name)
		os.Exit(1)
	}
	for _, sym := range state.Symbols {
		if _, ok := types.GetInstrumentSpec(sym); !ok {
			fmt.Fprintf(os.Stderr, "Instrument %q is not supported\n", sym)
			os.Exit(1)
		}
	}

	if err := repo.UpsertStrategyState(ctx, state); err != nil {
		fmt.Fprintf(os.Stderr, "Persist strategy state: %v\n", err)
		os.Exit(1)
	}

	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	fmt.Printf("Strategy %s %s (symbols: %s)\n", name, verb, strings.Join(state.Symbols, ","))
}

func splitSymbolList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
