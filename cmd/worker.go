package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/scraper"
	"github.com/JakeFAU/scrapewire/internal/scripts"
)

// newWorkerCmd creates the 'worker' subcommand, which the host spawns.
func newWorkerCmd() *cobra.Command {
	var script string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a bundled scraper on stdin/stdout",
		Long: `Speaks the worker side of the host protocol on stdin and stdout. stdout
carries protocol frames only; all logging goes to stderr.

Available scripts: ` + strings.Join(scripts.Names(), ", "),
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), script, os.Stdin, os.Stdout, env.logger)
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "bundled script to run")
	_ = cmd.MarkFlagRequired("script")
	// stdout belongs to the protocol.
	cmd.SetOut(os.Stderr)
	return cmd
}

func runWorker(ctx context.Context, name string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	logger = logger.With(zap.String("script", name), zap.Int("pid", os.Getpid()))
	scrape, err := scripts.New(name, logger)
	if err != nil {
		return err
	}
	driver := scraper.NewDriver(in, out, scrape, logger)
	if err := driver.Run(ctx); err != nil {
		return fmt.Errorf("worker %s: %w", name, err)
	}
	logger.Info("worker finished", zap.Int("jobs", driver.JobsProcessed()))
	return nil
}
