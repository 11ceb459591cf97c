// Command autodevd runs the autonomous task orchestration engine: the
// task selector, the review automation engine, and the stage timeout
// monitor, plus the management API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/forgeops/autodev/internal/advisor"
	"github.com/forgeops/autodev/internal/config"
	"github.com/forgeops/autodev/internal/gitops"
	"github.com/forgeops/autodev/internal/health"
	"github.com/forgeops/autodev/internal/metrics"
	"github.com/forgeops/autodev/internal/mgmt"
	"github.com/forgeops/autodev/internal/notify"
	"github.com/forgeops/autodev/internal/profile"
	"github.com/forgeops/autodev/internal/review"
	"github.com/forgeops/autodev/internal/selector"
	"github.com/forgeops/autodev/internal/store"
	"github.com/forgeops/autodev/internal/timeout"
	"github.com/forgeops/autodev/internal/workspace"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("db_path", cfg.DBPath).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("advisor_enabled", cfg.AdvisorEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting autodev engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Storage
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Advisor
	if !cfg.AdvisorEnabled() {
		logger.Warn().Msg("ANTHROPIC_API_KEY not set; advisor calls will fail until configured")
	}
	adv := advisor.NewClient(cfg.AdvisorAPIKey, logger, advisor.WithModel(cfg.AdvisorModel))

	// Notifications
	notifier := notify.FromConfig(cfg.SlackWebhookURL, logger)

	// Metrics
	m := metrics.New()

	// Git
	git := gitops.New(logger)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("store", func(context.Context) health.Status {
		if err := st.Ping(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Workspace starter (optional)
	var selectorOpts []selector.Option
	if cfg.WorkspaceStarterEnabled {
		starter, err := workspace.NewPodStarter(workspace.PodStarterConfig{
			KubeconfigPath: cfg.KubeconfigPath,
			Namespace:      cfg.WorkspaceNamespace,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init workspace starter")
		}
		loadProfile := func() *profile.Profile {
			if cfg.ProfilePath == "" {
				return profile.Default()
			}
			p, err := profile.Load(cfg.ProfilePath)
			if err != nil {
				logger.Warn().Err(err).Str("path", cfg.ProfilePath).Msg("failed to load executor profile, using default")
				return profile.Default()
			}
			return p
		}
		selectorOpts = append(selectorOpts, selector.WithStarter(starter, loadProfile))
		logger.Info().Str("namespace", cfg.WorkspaceNamespace).Msg("workspace starter enabled")
	} else {
		logger.Info().Msg("workspace starter disabled; selected tasks will not auto-start")
	}

	// Schedulers
	sel := selector.New(st, adv, git, notifier, m, cfg.SelectorInterval, logger, selectorOpts...)

	rev := review.New(st, git, adv, notifier, m, review.Config{
		WorkspacesRoot:    cfg.WorkspacesRoot,
		MaxMergeConflicts: cfg.MaxMergeConflicts,
		Interval:          cfg.ReviewInterval,
	}, logger)

	mon := timeout.New(st, notifier, m, timeout.Config{
		InProgressTimeout: cfg.InProgressTimeout,
		InReviewTimeout:   cfg.InReviewTimeout,
		Interval:          cfg.TimeoutInterval,
	}, logger)

	var wg sync.WaitGroup
	for name, run := range map[string]func(context.Context){
		"selector": sel.Run,
		"review":   rev.Run,
		"timeout":  mon.Run,
	} {
		wg.Add(1)
		go func(name string, run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(name, run)
	}

	// Ops server: plain probes for the pod spec; metrics live on the mgmt API.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())

	opsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.OpsPort).Msg("ops server starting")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("ops server error")
		}
	}()

	// Management API
	rtCfg := &mgmt.RuntimeConfig{
		Environment:       cfg.Environment,
		LogLevel:          cfg.LogLevel,
		MgmtListenAddr:    cfg.MgmtListenAddr,
		AuthMode:          cfg.MgmtAuthMode,
		SelectorInterval:  cfg.SelectorInterval,
		ReviewInterval:    cfg.ReviewInterval,
		TimeoutInterval:   cfg.TimeoutInterval,
		MaxMergeConflicts: cfg.MaxMergeConflicts,
	}

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, st, sel, rev, checker, m, rtCfg, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown error")
	}
	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("autodev engine stopped")
}
