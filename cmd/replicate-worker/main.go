// Command replicate-worker runs the multi-master replication fabric: the
// worker loop, the admin HTTP API, or a one-shot manual migration,
// depending on the subcommand invoked.
//
// Grounded on the pack's cobra command-tree convention
// (steveyegge-beads/cmd/bd-examples) for command structure, and on the
// teacher's internal/source/server.Config for the Bind/Preflight
// configuration lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dbmesh/replifabric/internal/adminapi"
	"github.com/dbmesh/replifabric/internal/conflictstore"
	"github.com/dbmesh/replifabric/internal/config"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/notify"
	"github.com/dbmesh/replifabric/internal/obs/logging"
	"github.com/dbmesh/replifabric/internal/registry"
	"github.com/dbmesh/replifabric/internal/replicator"
	"github.com/dbmesh/replifabric/internal/resolution"
	"github.com/dbmesh/replifabric/internal/worker"
)

var cfg = config.New()

var configFile string

var rootCmd = &cobra.Command{
	Use:   "replicate-worker",
	Short: "Multi-master SQL replication fabric",
	Long: `replicate-worker keeps a fixed set of business tables consistent
across three heterogeneous relational backends.

Examples:
  replicate-worker serve                      # run the worker loop and admin API
  replicate-worker worker                     # run the worker loop only
  replicate-worker migrate table --source A --table products --target all
  replicate-worker migrate database --source A --target B`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker loop and the admin API together",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.registry.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go deps.loop.Run(ctx)

		mux := http.NewServeMux()
		deps.adminServer.Routes(mux)
		srv := &http.Server{Addr: cfg.BindAddr, Handler: mux}

		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		log.WithField("addr", cfg.BindAddr).Info("admin API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker loop only, without the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.registry.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		deps.loop.Run(ctx)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manually migrate rows between backends",
}

var (
	migrateSource string
	migrateTarget string
	migrateTable  string
)

var migrateTableCmd = &cobra.Command{
	Use:   "table",
	Short: "Copy one table's rows from source to target backend(s)",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.registry.Close()

		targets, err := parseTargetFlag(migrateTarget)
		if err != nil {
			return err
		}
		ctx := context.Background()
		return deps.engine.MigrateTable(ctx, dialect.Tag(migrateSource), migrateTable, targets)
	},
}

var migrateDatabaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Copy every synchronized table from source to target backend(s)",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.registry.Close()

		targets, err := parseTargetFlag(migrateTarget)
		if err != nil {
			return err
		}
		ctx := context.Background()
		return deps.engine.MigrateDatabase(ctx, dialect.Tag(migrateSource), targets)
	},
}

func parseTargetFlag(raw string) ([]dialect.Tag, error) {
	if raw == "" || raw == "all" {
		return dialect.CanonicalTags, nil
	}
	tag := dialect.Tag(raw)
	if _, ok := dialect.For(tag); !ok {
		return nil, fmt.Errorf("target %q is not a known backend tag", raw)
	}
	return []dialect.Tag{tag}, nil
}

func init() {
	cfg.Bind(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&configFile, "configFile", "", "optional YAML file overlaying controlDB/syncMode/backends; REPLIFABRIC_* env vars are applied after it, its controlDB/syncMode replace the flag values, and explicitly passed --backend* flags override its backends")

	migrateTableCmd.Flags().StringVar(&migrateSource, "source", "", "source backend tag")
	migrateTableCmd.Flags().StringVar(&migrateTarget, "target", "all", "target backend tag, or \"all\"")
	migrateTableCmd.Flags().StringVar(&migrateTable, "table", "", "table to migrate")
	_ = migrateTableCmd.MarkFlagRequired("source")
	_ = migrateTableCmd.MarkFlagRequired("table")

	migrateDatabaseCmd.Flags().StringVar(&migrateSource, "source", "", "source backend tag")
	migrateDatabaseCmd.Flags().StringVar(&migrateTarget, "target", "all", "target backend tag, or \"all\"")
	_ = migrateDatabaseCmd.MarkFlagRequired("source")

	migrateCmd.AddCommand(migrateTableCmd, migrateDatabaseCmd)
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

type deps struct {
	registry    *registry.Registry
	replicator  *replicator.Replicator
	engine      *resolution.Engine
	loop        *worker.Loop
	adminServer *adminapi.Server
}

// buildDeps hand-wires the object graph: Registry -> ConflictStore ->
// Notifier -> Replicator -> Resolution Engine -> Worker Loop / Admin API.
// The graph is small and static enough that a DI generator (e.g. the
// pack's google/wire) would add more ceremony than it removes; see
// DESIGN.md for that decision.
func buildDeps() (*deps, error) {
	if configFile != "" {
		if err := cfg.LoadYAMLFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadOverlay(viper.GetViper()); err != nil {
		return nil, err
	}
	if err := cfg.Preflight(); err != nil {
		return nil, err
	}

	reg := registry.New(cfg)

	conflictStoreFor := func(tag dialect.Tag) (*conflictstore.Store, error) {
		db, err := reg.Engine(context.Background(), tag)
		if err != nil {
			return nil, err
		}
		d, err := reg.Dialect(tag)
		if err != nil {
			return nil, err
		}
		store := conflictstore.New(db, d)
		if err := store.EnsureSchema(context.Background(), autoIncrementClause(d.Product())); err != nil {
			return nil, err
		}
		return store, nil
	}

	notifier := notify.NewMulti(
		notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			AdminTo:  cfg.EmailAdminTo,
		}),
		notify.NewWebhook(cfg.WebhookURL),
	)

	repl := replicator.New(reg, conflictStoreFor, notifier)
	engine := resolution.New(reg, conflictStoreFor, repl, notifier)
	loop := worker.New(reg, repl, cfg)

	controlDB, err := reg.Engine(context.Background(), reg.ControlTag())
	if err != nil {
		return nil, err
	}
	controlDialect, err := reg.Dialect(reg.ControlTag())
	if err != nil {
		return nil, err
	}
	controlStore := conflictstore.New(controlDB, controlDialect)
	if err := controlStore.EnsureSchema(context.Background(), autoIncrementClause(controlDialect.Product())); err != nil {
		return nil, err
	}

	adminServer := adminapi.New(controlStore, engine, nil)

	return &deps{registry: reg, replicator: repl, engine: engine, loop: loop, adminServer: adminServer}, nil
}

func autoIncrementClause(product dialect.Product) string {
	switch product {
	case dialect.ProductPostgres:
		return "SERIAL PRIMARY KEY"
	case dialect.ProductMySQL:
		return "INT AUTO_INCREMENT PRIMARY KEY"
	case dialect.ProductSQLServer:
		return "INT IDENTITY(1,1) PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY"
	}
}

func main() {
	logging.SetLevel(log.InfoLevel)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+err.Error())
		os.Exit(1)
	}
}
