// Package engine wires the per-account trading session.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/trananhduc/apexbot/internal/alerting"
	"github.com/trananhduc/apexbot/internal/auth"
	"github.com/trananhduc/apexbot/internal/bracket"
	"github.com/trananhduc/apexbot/internal/broker"
	"github.com/trananhduc/apexbot/internal/broker/paper"
	"github.com/trananhduc/apexbot/internal/broker/projectx"
	"github.com/trananhduc/apexbot/internal/config"
	"github.com/trananhduc/apexbot/internal/execution"
	"github.com/trananhduc/apexbot/internal/histdata"
	"github.com/trananhduc/apexbot/internal/metrics"
	"github.com/trananhduc/apexbot/internal/persistence"
	"github.com/trananhduc/apexbot/internal/risk"
	"github.com/trananhduc/apexbot/internal/strategy"
	"github.com/trananhduc/apexbot/internal/stream"
)

// Session owns every component of one account's trading lifetime:
// credentials, gateway clients, data cache, market stream, execution
// engine, bracket reconciler and strategy manager. Components are
// created when the session starts and destroyed when it ends; nothing
// leaks across sessions.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	repo       persistence.Repository
	auth       *auth.Manager
	gateway    broker.API
	exec       *execution.Engine
	cache      *histdata.Cache
	stream     *stream.Manager
	reconciler *bracket.Reconciler
	strategies *strategy.Manager
	alerts     *alerting.MultiAlerter
	obs        *metrics.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession assembles a session from configuration. No network calls
// are made until Start.
func NewSession(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}

	authMgr := auth.NewManager(cfg.ToAuthConfig(), logger)

	var origin broker.API
	var hot execution.OrderPath
	if cfg.Gateway.DryRun {
		origin = paper.New(paper.Config{AccountID: cfg.Auth.AccountID}, logger)
		logger.Warn("dry-run session: orders stay in-process")
	} else {
		origin = projectx.New(cfg.ToGatewayConfig(), authMgr, logger)
		if cfg.Execution.HotEnabled {
			hot = execution.NewHotPath(cfg.ToHotConfig(), authMgr)
		}
	}

	exec := execution.NewEngine(cfg.ToExecutionConfig(), origin, hot, logger)
	exec.SetAudit(auditToRepo(repo, cfg.Auth.AccountID, logger))

	cache, err := histdata.New(cfg.ToCacheConfig(), origin, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("open bar cache: %w", err)
	}

	streamMgr := stream.NewManager(cfg.ToStreamConfig(), authMgr, logger)
	reconciler := bracket.NewReconciler(cfg.ToBracketConfig(), exec, logger)
	strategies := strategy.NewManager(cfg.Auth.AccountID, repo,
		cfg.StrategyEnv(strategy.OvernightRangeName), logger)

	alerts := alerting.NewMultiAlerter(logger, alerting.NewConsoleAlerter(logger))
	if cfg.Alerting.Enabled && cfg.Alerting.Telegram.BotToken != "" {
		alerts.Add(alerting.NewTelegramAlerter(alerting.TelegramConfig{
			BotToken: cfg.Alerting.Telegram.BotToken,
			ChatID:   cfg.Alerting.Telegram.ChatID,
		}))
	}

	s := &Session{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		auth:       authMgr,
		gateway:    origin,
		exec:       exec,
		cache:      cache,
		stream:     streamMgr,
		reconciler: reconciler,
		strategies: strategies,
		alerts:     alerts,
	}

	if err := s.registerStrategies(); err != nil {
		_ = repo.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		obsCfg := metrics.DefaultServerConfig()
		if cfg.Metrics.Port > 0 {
			obsCfg.Port = cfg.Metrics.Port
		}
		if cfg.Metrics.Path != "" {
			obsCfg.MetricsPath = cfg.Metrics.Path
		}
		s.obs = metrics.NewServer(obsCfg, logger)
		s.registerProbes()
	}

	return s, nil
}

func (s *Session) registerStrategies() error {
	// Every strategy order passes the pre-trade guard before it can
	// reach the execution engine.
	guard := risk.NewGuard(s.cfg.ToRiskConfig(), s.cfg.Auth.AccountID, s.gateway, s.logger)
	trader := risk.NewGuardedTrader(guard, s.exec)

	overnight := strategy.NewOvernightRange(strategy.DefaultOvernightConfig(), s.cache, trader, s.logger)
	if opts := s.cfg.StrategyOptions(overnight.Name()); opts != nil {
		if err := overnight.Configure(opts); err != nil {
			return fmt.Errorf("configure %s: %w", overnight.Name(), err)
		}
	}
	return s.strategies.Register(overnight)
}

func (s *Session) registerProbes() {
	s.obs.RegisterProbe("stream", func() metrics.ProbeResult {
		if s.cfg.Gateway.DryRun {
			return metrics.Healthy("dry-run")
		}
		st := s.stream.Status()
		if st.State == stream.StateConnected {
			return metrics.Healthy("connected")
		}
		return metrics.Unhealthy(st.State.String())
	})
	s.obs.RegisterProbe("database", func() metrics.ProbeResult {
		if _, err := s.repo.ListStrategyStates(context.Background(), s.cfg.Auth.AccountID); err != nil {
			return metrics.Unhealthy(err.Error())
		}
		return metrics.Healthy("")
	})
	// Detail carries the running strategy names so the CLI can report
	// live run status for a reachable daemon.
	s.obs.RegisterProbe("strategies", func() metrics.ProbeResult {
		var running []string
		for _, rec := range s.strategies.Records() {
			if rec.Running {
				running = append(running, rec.Name)
			}
		}
		sort.Strings(running)
		return metrics.Healthy(strings.Join(running, ","))
	})
}

// Start authenticates, connects the stream and launches every enabled
// strategy alongside the bracket reconciler.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.running = true
	s.mu.Unlock()

	if !s.cfg.Gateway.DryRun {
		// Credentials are verified up front so a bad key fails the
		// boot instead of the first order.
		sess, err := s.auth.Session(ctx)
		if err != nil {
			s.markStopped()
			return fmt.Errorf("authenticate: %w", err)
		}
		s.logger.Info("session authenticated",
			"account_id", s.cfg.Auth.AccountID,
			"token_expires", sess.ExpiresAt,
		)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.obs != nil {
		if err := s.obs.Start(); err != nil {
			s.logger.Warn("observability server failed to start", "err", err)
		}
	}

	if !s.cfg.Gateway.DryRun {
		if err := s.stream.Start(runCtx); err != nil {
			cancel()
			s.markStopped()
			return fmt.Errorf("start stream: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchEscalations(runCtx)
		}()
	}

	if _, err := s.strategies.LoadStates(ctx); err != nil {
		s.logger.Warn("strategy state load reported errors", "err", err)
	}
	if err := s.strategies.AutoStart(ctx); err != nil {
		s.logger.Warn("strategy auto-start reported errors", "err", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconciler.Run(runCtx)
	}()

	s.logger.Info("trading session started", "account_id", s.cfg.Auth.AccountID)
	if err := s.alerts.Notify(ctx, alerting.EventSessionStarted, "Trading session started",
		"account_id", s.cfg.Auth.AccountID); err != nil {
		s.logger.Warn("session start alert failed", "err", err)
	}
	return nil
}

// watchEscalations halts trading when the stream declares itself
// permanently failed. Strategies stop; the process stays up so the
// operator can inspect state through the health endpoints.
func (s *Session) watchEscalations(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case err, ok := <-s.stream.Escalations():
		if !ok {
			return
		}
		s.logger.Error("market data permanently lost, halting all strategies", "err", err)
		haltCtx := context.WithoutCancel(ctx)
		if alertErr := s.alerts.Notify(haltCtx, alerting.EventStreamLost,
			"Market data permanently lost, trading halted",
			"account_id", s.cfg.Auth.AccountID, "err", err.Error()); alertErr != nil {
			s.logger.Warn("stream loss alert failed", "err", alertErr)
		}
		s.strategies.StopAll(haltCtx)
	}
}

// Stop tears the session down in dependency order: strategies first so
// no new orders are created, then the stream, then storage.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping trading session")

	s.strategies.StopAll(ctx)
	if !s.cfg.Gateway.DryRun {
		s.stream.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.obs != nil {
		if err := s.obs.Shutdown(ctx); err != nil {
			s.logger.Warn("observability shutdown failed", "err", err)
		}
	}
	if err := s.repo.Close(); err != nil {
		s.logger.Warn("close persistence failed", "err", err)
	}

	s.logger.Info("trading session stopped")
	if err := s.alerts.Notify(ctx, alerting.EventSessionStopped, "Trading session stopped",
		"account_id", s.cfg.Auth.AccountID); err != nil {
		s.logger.Warn("session stop alert failed", "err", err)
	}
	return nil
}

func (s *Session) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Strategies exposes the lifecycle manager for CLI commands.
func (s *Session) Strategies() *strategy.Manager { return s.strategies }

// Executor exposes the execution engine.
func (s *Session) Executor() *execution.Engine { return s.exec }

// auditToRepo writes each completed order operation to the durable
// execution trail. Failures are logged, never propagated: auditing must
// not break trading.
func auditToRepo(repo persistence.Repository, accountID string, logger *slog.Logger) func(execution.AuditRecord) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(rec execution.AuditRecord) {
		err := repo.SaveExecution(context.Background(), persistence.ExecutionRecord{
			AccountID: accountID,
			OrderID:   rec.OrderID,
			Tag:       rec.Tag,
			Symbol:    rec.Symbol,
			Op:        rec.Op,
			Path:      rec.Path,
			Status:    rec.Status,
			LatencyMs: rec.Latency.Milliseconds(),
		})
		if err != nil {
			logger.Warn("execution audit write failed", "op", rec.Op, "tag", rec.Tag, "err", err)
		}
	}
}
