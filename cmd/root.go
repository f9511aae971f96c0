package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/config"
	"github.com/JakeFAU/scrapewire/internal/logging"
)

// envKeyType is the key for storing the runtime in the context.
type envKeyType string

const envKey envKeyType = "env"

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadConfig and newLogger are variables so tests can replace them.
var (
	loadConfig = config.Load
	newLogger  = logging.New
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrapewire",
		Short: "A crawler that hands every page to external scraper processes.",
		Long: `scrapewire crawls outward from one or more start points, archives every
response, and streams each page to configured scraper worker processes over
their stdin/stdout. Workers report new URLs and may ask the host to fetch
more pages while they work.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before every subcommand: load config and build the logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if env, ok := cmd.Context().Value(envKey).(*runtime); ok && env != nil {
				_ = env.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.toml, /etc/scrapewire, $HOME/.scrapewire)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newWorkerCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	env, ok := ctx.Value(envKey).(*runtime)
	if !ok || env == nil {
		return nil, errors.New("runtime not initialized")
	}
	return env, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scrapewire: %v\n", err)
		stop()
		os.Exit(1)
	}
}
