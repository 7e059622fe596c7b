package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haivu-dev/beacon/internal/control"
	"github.com/haivu-dev/beacon/internal/core/config"
)

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run [activation]",
	Short: "Execute one activation and print its result",
	Args:  cobra.ExactArgs(1),
	Run:   runActivation,
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate events without posting to live endpoints")
	rootCmd.AddCommand(runCmd)
}

func runActivation(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	app, err := control.NewService(cfg)
	if err != nil {
		slog.Error("Failed to initialize Beacon", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	result, err := app.RunActivation(ctx, args[0], dryRun)
	if err != nil {
		slog.Error("Run failed", "activation", args[0], "error", err)
		os.Exit(1)
	}
	if err := app.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	fmt.Printf("Activation:      %s\n", args[0])
	if result.DryRun {
		fmt.Println("Mode:            dry-run, nothing was posted")
	}
	fmt.Printf("Successful hits: %d\n", result.SuccessfulHits)
	fmt.Printf("Failed hits:     %d\n", result.FailedHits)
	for _, msg := range result.ErrorMessages {
		fmt.Printf("  - %s\n", msg)
	}
}
