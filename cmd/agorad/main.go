// Command agorad runs the five economy services against one shared store:
// identity, bank, board, reputation and court, each on its own port, plus the
// salary and deadline sweepers behind advisory locks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agora/config"
	"agora/events"
	mw "agora/middleware"
	"agora/observability/logging"
	"agora/observability/otel"
	"agora/scheduler"
	sdkbank "agora/sdk/bank"
	sdkboard "agora/sdk/board"
	sdkcourt "agora/sdk/court"
	sdkidentity "agora/sdk/identity"
	bankmodels "agora/services/bankd/models"
	banksrv "agora/services/bankd/server"
	boardmodels "agora/services/boardd/models"
	boardsrv "agora/services/boardd/server"
	courtmodels "agora/services/courtd/models"
	courtsrv "agora/services/courtd/server"
	identitymodels "agora/services/identityd/models"
	identitysrv "agora/services/identityd/server"
	repmodels "agora/services/reputationd/models"
	repsrv "agora/services/reputationd/server"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agorad: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.Setup("agorad", cfg.Global.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "agorad",
			Environment: cfg.Global.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	db, err := openDatabase(cfg.Global)
	if err != nil {
		return err
	}
	if err := migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	secret := cfg.Global.ServiceTokenSecret
	auth := mw.NewServiceAuth(secret)
	hub := events.NewHub(db, log, time.Second)

	limits := map[string]mw.RateLimit{}
	if cfg.RateLimits.RegisterPerMinute > 0 {
		limits["identity_register"] = mw.RateLimit{RequestsPerMinute: cfg.RateLimits.RegisterPerMinute, Burst: cfg.RateLimits.Burst}
	}
	if cfg.RateLimits.MutatePerMinute > 0 {
		limits["board_mutate"] = mw.RateLimit{RequestsPerMinute: cfg.RateLimits.MutatePerMinute, Burst: cfg.RateLimits.Burst}
	}
	limiter := mw.NewRateLimiter(limits, log)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	base := func(port int) string { return fmt.Sprintf("http://127.0.0.1:%d", port) }

	identityClient := sdkidentity.New(sdkidentity.Config{BaseURL: base(cfg.Identity.Port), HTTPClient: httpClient})
	bankForIdentity := sdkbank.New(sdkbank.Config{BaseURL: base(cfg.Bank.Port), HTTPClient: httpClient, ServiceSecret: secret, ServiceName: "identityd"})
	bankForBoard := sdkbank.New(sdkbank.Config{BaseURL: base(cfg.Bank.Port), HTTPClient: httpClient, ServiceSecret: secret, ServiceName: "boardd"})
	bankForCourt := sdkbank.New(sdkbank.Config{BaseURL: base(cfg.Bank.Port), HTTPClient: httpClient, ServiceSecret: secret, ServiceName: "courtd"})
	boardForRep := sdkboard.New(sdkboard.Config{BaseURL: base(cfg.Board.Port), HTTPClient: httpClient})
	boardForCourt := sdkboard.New(sdkboard.Config{BaseURL: base(cfg.Board.Port), HTTPClient: httpClient, ServiceSecret: secret, ServiceName: "courtd"})
	courtForBoard := sdkcourt.New(sdkcourt.Config{BaseURL: base(cfg.Court.Port), HTTPClient: httpClient, ServiceSecret: secret, ServiceName: "boardd"})

	verifier := identityVerifier{client: identityClient}

	identitySrv := identitysrv.New(identitysrv.Config{
		DB:     db,
		Bank:   identityBank{client: bankForIdentity},
		Hub:    hub,
		Logger: log.With("component", "identityd"),
		Rate:   limiter,
	})
	bankSrv := banksrv.New(banksrv.Config{
		DB:           db,
		Auth:         auth,
		Hub:          hub,
		Logger:       log.With("component", "bankd"),
		SalaryAmount: cfg.Bank.SalaryAmount,
	})
	boardSrv := boardsrv.New(boardsrv.Config{
		DB:       db,
		Bank:     boardBank{client: bankForBoard},
		Court:    boardCourt{client: courtForBoard},
		Identity: verifier,
		Auth:     auth,
		Hub:      hub,
		Logger:   log.With("component", "boardd"),
		Rate:     limiter,
		Defaults: boardsrv.Defaults{
			BiddingSeconds:   cfg.Board.DefaultBiddingSeconds,
			ExecutionSeconds: cfg.Board.DefaultExecutionSeconds,
			ReviewSeconds:    cfg.Board.DefaultReviewSeconds,
		},
		AssetDir:     cfg.Board.AssetStorageDir,
		MaxAssetSize: cfg.Board.MaxAssetSizeBytes,
	})
	repSrv := repsrv.New(repsrv.Config{
		DB:               db,
		Board:            reputationBoard{client: boardForRep},
		Identity:         verifier,
		Hub:              hub,
		Logger:           log.With("component", "reputationd"),
		MaxCommentLength: cfg.Reputation.MaxCommentLength,
	})
	courtSrv := courtsrv.New(courtsrv.Config{
		DB:       db,
		Board:    courtBoard{client: boardForCourt},
		Bank:     courtBank{client: bankForCourt},
		Identity: verifier,
		Panel: &courtsrv.HTTPPanel{
			URLs:    cfg.Court.JudgeURLs,
			Timeout: cfg.Court.JudgeTimeout(),
			Client:  httpClient,
		},
		Auth:           auth,
		Hub:            hub,
		Logger:         log.With("component", "courtd"),
		RebuttalWindow: cfg.Court.RebuttalWindow(),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	jobs := []scheduler.Job{
		bankSrv.SalaryJob(cfg.Bank.SalaryPeriod()),
		boardSrv.SweepJob(cfg.Board.SweepInterval()),
		courtSrv.SweepJob(cfg.Board.SweepInterval()),
	}
	for _, job := range jobs {
		runner := scheduler.NewRunner(db, job, log)
		group.Go(func() error {
			runner.Run(groupCtx)
			return nil
		})
	}

	servers := []struct {
		name    string
		port    int
		handler http.Handler
	}{
		{"identityd", cfg.Identity.Port, identitySrv.Handler()},
		{"bankd", cfg.Bank.Port, bankSrv.Handler()},
		{"boardd", cfg.Board.Port, boardSrv.Handler()},
		{"reputationd", cfg.Reputation.Port, repSrv.Handler()},
		{"courtd", cfg.Court.Port, courtSrv.Handler()},
	}
	for _, svc := range servers {
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", svc.port),
			Handler:           svc.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info("listening", "service", svc.name, "addr", httpSrv.Addr)
		group.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	log.Info("shutdown complete")
	return err
}

func openDatabase(cfg config.Global) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if cfg.DatabaseURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}
	dsn := cfg.DatabasePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// All five services share one file; a single writer connection avoids
	// SQLITE_BUSY under concurrent transactions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func migrate(db *gorm.DB) error {
	for _, fn := range []func(*gorm.DB) error{
		identitymodels.AutoMigrate,
		bankmodels.AutoMigrate,
		boardmodels.AutoMigrate,
		repmodels.AutoMigrate,
		courtmodels.AutoMigrate,
		events.AutoMigrate,
		scheduler.AutoMigrate,
	} {
		if err := fn(db); err != nil {
			return err
		}
	}
	return nil
}
