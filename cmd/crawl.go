// Package cmd defines and implements the CLI commands for the scrapewire
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapewire/internal/api"
	"github.com/JakeFAU/scrapewire/internal/app"
	"github.com/JakeFAU/scrapewire/internal/config"
	"github.com/JakeFAU/scrapewire/internal/crawler"
	"github.com/JakeFAU/scrapewire/internal/dispatcher"
)

const closeTimeout = 10 * time.Second

// newApp is the service factory. It's a variable so tests can swap it.
var newApp = app.New

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var startPoints []string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl from one or more start points",
		Long: `Fetches each start point, archives the response, and passes it to every
configured script whose filter matches. URLs the scripts submit are crawled
in turn until the frontier is empty or the process is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), env.cfg, env.logger, startPoints)
		},
	}
	cmd.Flags().StringSliceVar(&startPoints, "start-point", nil, "URL to start crawling from (repeatable)")
	_ = cmd.MarkFlagRequired("start-point")
	return cmd
}

func runCrawl(ctx context.Context, cfg config.Config, logger *zap.Logger, startPoints []string) error {
	seeds := make([]crawler.URLInfo, 0, len(startPoints))
	for _, raw := range startPoints {
		seed, err := crawler.StartURL(raw)
		if err != nil {
			return fmt.Errorf("start point: %w", err)
		}
		seeds = append(seeds, seed)
	}

	services, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			logger.Warn("failed to close services", zap.Error(cerr))
		}
	}()
	engine := services.Engine()

	scripts, err := dispatcher.FromConfig(cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("start scripts: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := scripts.Close(closeCtx); cerr != nil {
			logger.Warn("failed to close scripts", zap.Error(cerr))
		}
	}()

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	var g errgroup.Group
	if cfg.Server.Addr != "" {
		server := api.NewServer(engine, logger)
		g.Go(func() error {
			return server.ListenAndServe(serverCtx, cfg.Server.Addr)
		})
	}

	runErr := engine.Run(ctx, scripts, seeds...)
	stopServer()
	if err := g.Wait(); err != nil {
		logger.Warn("admin server failed", zap.Error(err))
	}

	if errors.Is(runErr, context.Canceled) {
		logger.Info("crawl interrupted", zap.Int64("archived", engine.Archived()))
		return nil
	}
	if runErr != nil {
		return fmt.Errorf("run crawler: %w", runErr)
	}
	logger.Info("crawl command finished", zap.Int64("archived", engine.Archived()))
	return nil
}
