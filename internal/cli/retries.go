package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haivu-dev/beacon/internal/core/config"
	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/infra/storage/postgres"
)

var retriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "List retry records awaiting resubmission",
	Run:   runRetries,
}

func init() {
	rootCmd.AddCommand(retriesCmd)
}

func runRetries(cmd *cobra.Command, args []string) {
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

	repo := postgres.NewRetryRepo(db)
	records, err := repo.DueRecords(ctx, time.Now().AddDate(100, 0, 0))
	if err != nil {
		slog.Error("Failed to list retries", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "UUID\tCONNECTION\tDESTINATION\tATTEMPT\tNEXT RUN\tEVENTS")

	for _, rec := range records {
		events := "?"
		if payload, err := domain.DecodeRetryPayload(rec.Data); err == nil {
			events = strconv.Itoa(len(payload.Rows))
		}
		next := ""
		if rec.NextRun != nil {
			next = rec.NextRun.Local().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.UUID, rec.ConnectionID, rec.DestinationType, rec.RetryNum, next, events)
	}
	_ = w.Flush()
}
