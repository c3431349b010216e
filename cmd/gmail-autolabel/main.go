package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ebalder/gmail-autolabel/internal/config"
	"github.com/ebalder/gmail-autolabel/internal/rate"
	"github.com/ebalder/gmail-autolabel/internal/reconcile"
	"github.com/ebalder/gmail-autolabel/internal/runtime"
)

type labelerConfig struct {
	configPath  string
	credsDir    string
	logDir      string
	pageSize    int
	rps         int
	callTimeout time.Duration
	dryRun      bool
	strict      bool
}

func main() {
	cfg := parseLabelerFlags()
	if err := run(cfg); err != nil {
		runtime.DefaultLogger().Error("gmail-autolabel failed", "error", err)
		os.Exit(1)
	}
}

func parseLabelerFlags() labelerConfig {
	configPath := flag.String("config", "config.json", "sender to label rules file (json or yaml)")
	credsDir := flag.String("creds-dir", "creds", "directory holding credentials.json and token.json")
	logDir := flag.String("log-dir", "logs", "directory for run logs")
	pageSize := flag.Int("page-size", 500, "Gmail list page size (<=500)")
	rps := flag.Int("rps", 4, "max requests per second, 0 disables limiting")
	callTimeout := flag.Duration("call-timeout", 30*time.Second, "timeout per Gmail API call")
	dryRun := flag.Bool("dry-run", false, "log decisions; skip label creation and modifications")
	strict := flag.Bool("strict", false, "exit non-zero when any rule or message fails")
	flag.Parse()

	return labelerConfig{
		configPath:  *configPath,
		credsDir:    *credsDir,
		logDir:      *logDir,
		pageSize:    *pageSize,
		rps:         *rps,
		callTimeout: *callTimeout,
		dryRun:      *dryRun,
		strict:      *strict,
	}
}

func run(cfg labelerConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, closeLog, err := runtime.NewRunLogger(cfg.logDir, nil)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer func() { _ = closeLog() }()
	logger = logger.With("run_id", uuid.NewString())

	rules, err := config.Load(cfg.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(rules.SenderLabels) == 0 {
		logger.Warn("no sender rules configured, nothing to do", "config", cfg.configPath)
		return nil
	}

	client, err := runtime.NewGmailClient(ctx, runtime.ClientOptions{
		CredsDir:    cfg.credsDir,
		CallTimeout: cfg.callTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}

	var limiter rate.Limiter
	if cfg.rps > 0 {
		bucket := rate.NewTokenBucket(cfg.rps)
		limiter = bucket
		defer bucket.Stop()
	}

	svc := reconcile.NewService(client, limiter, logger)
	sum, runErr := svc.Run(ctx, reconcile.Spec{
		Rules:        reconcile.RulesFromMap(rules.SenderLabels),
		LookbackDays: rules.LookbackDays,
		PageSize:     cfg.pageSize,
		DryRun:       cfg.dryRun,
	})

	fmt.Print(sum.HumanSummary())

	if runErr != nil {
		return fmt.Errorf("run reconciliation: %w", runErr)
	}
	if sum.HasFailures() {
		if cfg.strict {
			return fmt.Errorf("%d messages and %d rules failed", sum.Failed, sum.FailedRules)
		}
		logger.Warn("completed with failures",
			"failed_messages", sum.Failed, "failed_rules", sum.FailedRules)
	}
	return nil
}
