package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haivu-dev/beacon/internal/core/config"
	"github.com/haivu-dev/beacon/internal/infra/storage/postgres"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete resolved retry records from the ledger",
	Run:   runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	purged, err := postgres.NewRetryRepo(db).Purge(ctx)
	if err != nil {
		slog.Error("Failed to purge retries", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Purged %d resolved retry records\n", purged)
}
