package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roomcast/internal/config"
	"roomcast/internal/logging"
	"roomcast/internal/store"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  .env file not found, using default values: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "roomcast",
		Short:         "Roomcast group messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = Version

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newUserCmd(),
	)
	return cmd
}

// app is what every subcommand starts from.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	store *store.Store
}

// bootstrap loads configuration, builds the logger and opens the configured
// database with its schema applied.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var st *store.Store
	switch cfg.DBDriver {
	case "mysql":
		st, err = store.OpenMySQL(ctx, cfg.MySQLDSN())
	default:
		st, err = store.OpenSQLite(ctx, cfg.SQLitePath)
	}
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		logger.Sync()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &app{cfg: cfg, log: logger, store: st}, nil
}

func (a *app) close() {
	a.store.Close()
	a.log.Sync()
}
