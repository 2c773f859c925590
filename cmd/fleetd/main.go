package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetctl/fleetctl/internal/agentapi"
	"github.com/fleetctl/fleetctl/internal/config"
	"github.com/fleetctl/fleetctl/internal/httpapi"
	"github.com/fleetctl/fleetctl/internal/iaas"
	"github.com/fleetctl/fleetctl/internal/obslog"
	"github.com/fleetctl/fleetctl/internal/obsmetrics"
	"github.com/fleetctl/fleetctl/internal/platform"
	"github.com/fleetctl/fleetctl/internal/provisioning"
	"github.com/fleetctl/fleetctl/internal/reconcile"
	"github.com/fleetctl/fleetctl/internal/secretcipher"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// migrationsSourceURL points golang-migrate at the repository's own
// migrations directory. fleetd only ever runs against a checkout that
// ships migrations/ alongside it, same as the teacher's binary expects
// its generated ent schema alongside it.
const migrationsSourceURL = "file://migrations"

func main() {
	app := &cli.App{
		Name:  "fleetd",
		Usage: "bot-fleet control plane",
		Commands: []*cli.Command{
			{Name: "server", Usage: "run the HTTP admin and bot-agent surfaces", Flags: config.Flags(), Action: runServer},
			{Name: "worker", Usage: "run the stale-bot sweeper", Flags: config.Flags(), Action: runWorker},
			{Name: "migrate", Usage: "apply pending schema migrations", Flags: config.Flags(), Action: runMigrate},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps is everything built once at startup and shared by server and
// worker mode alike — constructed read-only per spec.md §9, nothing
// here is rebuilt per request.
type deps struct {
	cfg         config.Config
	log         *zap.Logger
	metrics     *obsmetrics.Registry
	db          *sql.DB
	accounts    *store.AccountRepo
	counters    *store.CounterRepo
	bots        *store.BotRepo
	configs     *store.ConfigRepo
	vmRecords   *store.VMRecordRepo
	coordinator *provisioning.Coordinator
	reconciler  *reconcile.Reconciler
}

func bootstrap(c *cli.Context) (*deps, error) {
	cfg := config.FromContext(c)

	log, err := obslog.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := platform.OpenDB(platform.DBConfig{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, err
	}

	redisClient, err := platform.OpenRedis(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	cipher, err := secretcipher.New(log, cfg.EncryptionKey, cfg.EncryptionKeyPrevious...)
	if err != nil {
		return nil, err
	}

	iaasClient, err := iaas.NewHTTPClient(cfg.IaaSBaseURL, cfg.IaaSToken, iaas.ClientOptions{
		RequestTimeout: cfg.IaaSRequestTimeout,
		ConnectTimeout: cfg.IaaSConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	accounts := store.NewAccountRepo(db)
	counters := store.NewCounterRepo(db)
	bots := store.NewBotRepo(db)
	configs := store.NewConfigRepo(db)
	vmRecords := store.NewVMRecordRepo(db)

	metrics := obsmetrics.New()

	coordinator := provisioning.New(
		db, accounts, counters, bots, configs, vmRecords, iaasClient, cipher, redisClient,
		cfg.ControlPlaneURL, cfg.Sizing(), cfg.Customizer(),
	)
	reconciler := reconcile.New(db, bots, configs, cipher)

	return &deps{
		cfg: cfg, log: log, metrics: metrics, db: db,
		accounts: accounts, counters: counters, bots: bots, configs: configs, vmRecords: vmRecords,
		coordinator: coordinator, reconciler: reconciler,
	}, nil
}

func runMigrate(c *cli.Context) error {
	cfg := config.FromContext(c)
	db, err := platform.OpenDB(platform.DBConfig{URL: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := platform.RunMigrations(db, migrationsSourceURL); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

func runServer(c *cli.Context) error {
	d, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer d.db.Close()

	if err := d.cfg.RequireServerMode(); err != nil {
		return err
	}

	router := httpapi.NewRouter(d.log, d.metrics, d.db, d.cfg.MetricsPath)

	accountsHandler := httpapi.NewAccountsHandler(d.accounts)
	botsHandler := httpapi.NewBotsHandler(d.coordinator, d.bots)
	configHandler := httpapi.NewConfigHandler(d.reconciler, d.configs)
	httpapi.MountAdmin(router, d.cfg.AdminBearerToken, accountsHandler, botsHandler, configHandler)

	router.Route("/bot", agentapi.NewHandler(d.bots, d.reconciler).Routes)

	srv := &http.Server{
		Addr:         d.cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		d.log.Info("server listening", zap.String("addr", d.cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	d.log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	d.log.Info("server stopped")
	return nil
}

// runWorker runs the periodic, out-of-band side of the Lifecycle
// Reconciler: the stale sweep. It is a separate fleetd mode (rather
// than a goroutine inside server) so an operator can scale the HTTP
// surface and the sweeper independently, and so a sweeper crash never
// takes the admin/bot-agent surfaces down with it.
func runWorker(c *cli.Context) error {
	d, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer d.db.Close()

	sweeper := reconcile.NewStaleSweeper(
		d.bots, d.cfg.StaleSweepInterval, d.cfg.HeartbeatStaleAfter, d.cfg.StaleSweepPageSize, d.metrics,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = obslog.WithLogger(ctx, d.log)

	return sweeper.Run(ctx)
}
