package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/backends"
	"github.com/imaistudio/orchestrator/internal/config"
	"github.com/imaistudio/orchestrator/internal/db"
	"github.com/imaistudio/orchestrator/internal/engine"
	"github.com/imaistudio/orchestrator/internal/executor"
	"github.com/imaistudio/orchestrator/internal/health"
	"github.com/imaistudio/orchestrator/internal/history"
	"github.com/imaistudio/orchestrator/internal/httpapi"
	"github.com/imaistudio/orchestrator/internal/normalize"
	"github.com/imaistudio/orchestrator/internal/planner"
	"github.com/imaistudio/orchestrator/internal/reference"
	"github.com/imaistudio/orchestrator/internal/roles"
	"github.com/imaistudio/orchestrator/internal/storage"
	"github.com/imaistudio/orchestrator/internal/synthesis"
	"github.com/imaistudio/orchestrator/internal/tracing"
	"github.com/imaistudio/orchestrator/internal/workflow"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Orchestrator exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		// Tracing is observability, not a dependency.
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	hist, err := history.NewStore(cfg.Redis.Addr, history.Options{
		TurnTTL:    cfg.Redis.TurnTTL,
		MaxHistory: cfg.Redis.MaxHistory,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect history store: %w", err)
	}
	defer hist.Close()

	store := storage.New(storage.Config{
		BaseURL:    cfg.Storage.BaseURL,
		PutTimeout: cfg.Storage.PutTimeout,
		GetTimeout: cfg.Storage.GetTimeout,
	}, logger)

	rules, err := workflow.LoadRules(cfg.Classifier.RulesFile)
	if err != nil {
		return fmt.Errorf("load heuristic rules: %w", err)
	}
	matcher := workflow.NewMatcher(rules, logger)

	watcher, err := config.NewFileWatcher(logger)
	if err != nil {
		logger.Warn("Rules hot reload unavailable", zap.Error(err))
	} else {
		rulesFile := cfg.Classifier.RulesFile
		err = watcher.Watch(rulesFile, workflow.ValidateRulesFile, func(config.ChangeEvent) error {
			return matcher.Reload(rulesFile)
		})
		if err != nil {
			logger.Warn("Failed to watch rules file", zap.Error(err))
		}
		watcher.Start()
		defer watcher.Stop()
	}

	semantic := workflow.NewSemanticClient(workflow.SemanticConfig{
		BaseURL:       cfg.Classifier.BaseURL,
		Timeout:       cfg.Classifier.Timeout,
		RatePerSecond: cfg.Classifier.RatePerSecond,
		RateBurst:     cfg.Classifier.RateBurst,
	}, logger)
	classifier := workflow.NewClassifier(matcher, semantic, cfg.Classifier.BypassThreshold, logger)

	adapter := buildAdapter(cfg, rules, logger)

	var audit engine.AuditSink
	var auditWriter *db.Writer
	if cfg.Database.Enabled {
		auditWriter, err = db.NewWriter(cfg.Database, logger)
		if err != nil {
			// Auditing is best-effort; the service runs without it.
			logger.Warn("Audit persistence disabled", zap.Error(err))
		} else {
			defer auditWriter.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := auditWriter.EnsureSchema(ctx); err != nil {
				logger.Warn("Audit schema check failed", zap.Error(err))
			}
			cancel()
			audit = auditWriter
		}
	}

	eng := engine.New(
		normalize.New(normalize.Config{
			SoftLimitBytes: cfg.Normalizer.SoftLimitBytes,
			HardCapBytes:   cfg.Normalizer.HardCapBytes,
			FetchTimeout:   cfg.Normalizer.FetchTimeout,
			LocalRoot:      cfg.Normalizer.LocalRoot,
		}, store, logger),
		hist,
		reference.New(reference.Config{
			Window:  time.Duration(cfg.Reference.WindowSeconds) * time.Second,
			MaxHops: cfg.Reference.MaxHops,
		}, logger),
		roles.New(logger),
		matcher,
		classifier,
		planner.New(logger),
		executor.New(adapter, store, executor.Config{
			PersistTimeout: cfg.Executor.PersistTimeout,
		}, logger),
		synthesis.New(logger),
		audit,
		logger,
	)

	adminSrv := adminServer(cfg, hist, store, auditWriter, logger)
	go func() {
		logger.Info("Admin server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	api := httpapi.NewServer(eng, cfg.Backends.Timeout+30*time.Second, logger)
	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(ctx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	if err := adminSrv.Shutdown(ctx); err != nil {
		logger.Warn("Admin shutdown incomplete", zap.Error(err))
	}
	return nil
}

// buildAdapter registers one HTTP backend per known endpoint and wraps the
// composition route with its text-only fallback.
func buildAdapter(cfg *config.Config, rules *workflow.RuleSet, logger *zap.Logger) *backends.Adapter {
	bcfg := backends.Config{BaseURL: cfg.Backends.BaseURL, Timeout: cfg.Backends.Timeout}
	adapter := backends.NewAdapter(logger)

	for _, rule := range rules.Rules {
		if rule.Endpoint == "" {
			continue
		}
		adapter.Register(rule.Operation, backends.NewHTTPBackend(rule.Operation, bcfg, rule.Endpoint, logger))
	}

	multimodal := backends.NewHTTPBackend("multimodal", bcfg, "/v1/compose", logger)
	textonly := backends.NewHTTPBackend("textonly", bcfg, "/v1/generate", logger)
	adapter.Register(workflow.CompositionOperation, backends.WithFallback(multimodal, textonly, logger))
	adapter.Register("generate", textonly)
	adapter.SetDefault(textonly)

	return adapter
}

func adminServer(cfg *config.Config, hist *history.Store, store *storage.Service, auditWriter *db.Writer, logger *zap.Logger) *http.Server {
	checks := health.NewHandler(logger)
	checks.Register(health.NewChecker("redis", hist.Ping), true)
	checks.Register(health.NewChecker("storage", store.Ping), false)
	if auditWriter != nil {
		checks.Register(health.NewChecker("postgres", auditWriter.Healthy), false)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	checks.RegisterRoutes(mux)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
