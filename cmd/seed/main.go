// Command seed populates a running saferide backend with synthetic villages
// and participants and checks the village ranking it serves.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/saferide/internal/seeding"
	"github.com/okian/saferide/pkg/logger"
)

var cfg = seeding.Config{}

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed and verify a saferide backend",
	Long: `Seed creates villages, sessions and participants through the HTTP API
and compares the served village ranking with one computed locally.

Examples:
  seed run --villages 50 --users 5000
  seed verify --url http://localhost:9080`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return logger.Init()
	},
}

// runCmd seeds data and checks the ranking.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create synthetic data and compare the ranking",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := seeding.Run(cmd.Context(), &cfg, logger.Named("seed"))
		return err
	},
}

// verifyCmd checks the invariants of the served ranking without writing.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the invariants of the served ranking",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := seeding.VerifyRemote(cmd.Context(), &cfg, logger.Named("seed"))
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.BaseURL, "url", seeding.DefaultBaseURL, "Base URL of the service")
	rootCmd.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", seeding.DefaultTimeout, "HTTP request timeout")

	runCmd.Flags().IntVar(&cfg.Villages, "villages", seeding.DefaultVillages, "Number of villages to create")
	runCmd.Flags().IntVar(&cfg.Users, "users", seeding.DefaultUsers, "Number of participants to register")
	runCmd.Flags().IntVar(&cfg.Workers, "workers", runtime.NumCPU()*2, "Number of concurrent requests")
	runCmd.Flags().Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 picks one from the clock)")

	rootCmd.AddCommand(runCmd, verifyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
