package main

import (
	"errors"
	"log"
	"os"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/db"
	"loyalty-engine/pkg/featureflags"
	"loyalty-engine/pkg/gen"
	"loyalty-engine/pkg/health"
	"loyalty-engine/pkg/httpapi"
	"loyalty-engine/pkg/lock"
	"loyalty-engine/pkg/logger"
	"loyalty-engine/pkg/otelcol"
	"loyalty-engine/pkg/profiling"
	"loyalty-engine/pkg/redis"
	"loyalty-engine/pkg/server"
	"loyalty-engine/pkg/task"
	"loyalty-engine/services/loyalty"
	"loyalty-engine/services/member"
	"loyalty-engine/services/organization"
	"loyalty-engine/services/trigger"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errRedisRequired = errors.New("worker needs REDIS_ADDR")

func main() {
	root := &cobra.Command{
		Use:           "loyalty",
		Short:         "Loyalty points ledger and trigger engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), workerCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		log.Printf("loyalty: %v", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			opts := append(core(cfg),
				health.Module,
				httpapi.Module,
				server.ProvideHTTPServer,
				organization.HTTP,
				member.HTTP,
				trigger.HTTP,
				loyalty.HTTP,
			)

			// Without Redis the API still processes synchronously; ?async=true answers 503.
			if cfg.Redis.Addr != "" {
				opts = append(opts, task.Client)
				if withWorker {
					opts = append(opts, task.Server, task.Scheduler, loyalty.Worker)
				}
			}

			return run(opts)
		},
	}

	cmd.Flags().BoolVar(&withWorker, "worker", false, "also consume the event queue in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued events and run compensation reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if cfg.Redis.Addr == "" {
				return errRedisRequired
			}

			opts := append(core(cfg),
				task.Server,
				task.Scheduler,
				loyalty.Worker,
			)
			return run(opts)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			app := fx.New(
				fx.Supply(cfg),
				logger.Module,
				db.Module,
				fxLogger,
				fx.Invoke(migrate),
			)
			return app.Err()
		},
	}
}

// core is the dependency graph shared by every long-running command.
func core(cfg *config.Config) []fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg),
		logger.Module,
		db.Module,
		gen.Module,
		lock.Module,
		featureflags.Module,
		otelcol.Module,
		profiling.Module,
		organization.Module,
		member.Module,
		trigger.Module,
		loyalty.Module,
		fxLogger,
	}
	if cfg.Redis.Addr != "" {
		opts = append(opts, redis.Module)
	}
	return opts
}

func run(opts []fx.Option) error {
	if err := fx.ValidateApp(opts...); err != nil {
		return err
	}

	fx.New(opts...).Run()
	return nil
}

func migrate(database *gorm.DB) error {
	models := []any{
		&organization.Organization{},
		&trigger.Trigger{},
		&member.Account{},
		&member.TierChange{},
	}
	models = append(models, loyalty.Models()...)

	if err := database.AutoMigrate(models...); err != nil {
		return err
	}

	zap.L().Info("[Migrate] schema up to date", zap.Int("tables", len(models)))
	return nil
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
