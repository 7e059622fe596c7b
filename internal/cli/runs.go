package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haivu-dev/beacon/internal/core/config"
	redisclient "github.com/haivu-dev/beacon/internal/infra/redis"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [activation]",
	Short: "Show recent runs of an activation",
	Args:  cobra.ExactArgs(1),
	Run:   runRuns,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "max entries to show")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.URL == "" {
		slog.Error("Run history requires a configured Redis")
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	entries, err := redisclient.NewRunLog(client).Recent(ctx, args[0], runsLimit)
	if err != nil {
		slog.Error("Failed to load run history", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "FINISHED\tDURATION\tSUCCESS\tFAILED\tDRY RUN")

	for _, e := range entries {
		duration := e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\n",
			e.FinishedAt.Local().Format(time.RFC3339), duration,
			e.Result.SuccessfulHits, e.Result.FailedHits, e.Result.DryRun)
	}
	_ = w.Flush()
}
