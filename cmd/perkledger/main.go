package main

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/perkledger/perkledger/internal/aggregator"
	"github.com/perkledger/perkledger/internal/benefits"
	"github.com/perkledger/perkledger/internal/config"
	"github.com/perkledger/perkledger/internal/database"
	"github.com/perkledger/perkledger/internal/database/repository"
	"github.com/perkledger/perkledger/internal/httpapi"
	"github.com/perkledger/perkledger/internal/secrets"
	"github.com/perkledger/perkledger/internal/service"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Error("mkdir db dir", "err", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(cfg.Database.Path, cfg.Database.MigrationsPath); err != nil {
		log.Error("migrate", "err", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Error("open db", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ruleSet := benefits.MustCompile(nil)
	if cfg.Benefits.RulesPath != "" {
		ruleSet, err = benefits.LoadRules(cfg.Benefits.RulesPath)
		if err != nil {
			log.Error("load benefit rules", "path", cfg.Benefits.RulesPath, "err", err)
			os.Exit(1)
		}
	}
	rules := benefits.NewSnapshot(ruleSet)

	secretStore, err := secrets.NewFileStore(cfg.Aggregator.SecretsPath)
	if err != nil {
		log.Error("open secret store", "err", err)
		os.Exit(1)
	}

	agg := aggregator.NewHTTPClient(
		cfg.Aggregator.BaseURL,
		cfg.Aggregator.ClientID,
		cfg.ResolveAggregatorSecret(),
		cfg.Aggregator.Timeout,
	)

	// repositories
	itemRepo := repository.NewItemRepo(db)
	acctRepo := repository.NewAccountRepo(db)
	txRepo := repository.NewTransactionRepo(db)
	usageRepo := repository.NewBenefitUsageRepo(db)

	// services
	benefitSvc := &service.BenefitService{
		DB:           db,
		Accounts:     acctRepo,
		Transactions: txRepo,
		Usage:        usageRepo,
		Rules:        rules,
		Log:          log,
	}
	linkSvc := &service.LinkService{
		DB:         db,
		Items:      itemRepo,
		Accounts:   acctRepo,
		Secrets:    secretStore,
		Aggregator: agg,
		Sandbox:    cfg.Aggregator.Sandbox,
		Log:        log,
	}
	syncSvc := &service.SyncService{
		DB:           db,
		Items:        itemRepo,
		Accounts:     acctRepo,
		Transactions: txRepo,
		Usage:        usageRepo,
		Secrets:      secretStore,
		Aggregator:   agg,
		Benefits:     benefitSvc,
		Log:          log,
	}
	cycleSvc := &service.CycleService{Accounts: acctRepo}

	server := httpapi.NewServer(linkSvc, syncSvc, cycleSvc, benefitSvc, httpapi.ServerConfig{
		RateLimitMax:    cfg.Sync.RateLimitMax,
		RateLimitWindow: cfg.Sync.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}, log)

	log.Info("listening", "addr", cfg.Server.Addr, "sandbox", cfg.Aggregator.Sandbox)
	if err := http.ListenAndServe(cfg.Server.Addr, server); err != nil {
		log.Error("serve", "err", err)
		os.Exit(1)
	}
}
