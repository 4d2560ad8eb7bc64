package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/findswarm/internal/config"
	"github.com/dreamware/findswarm/internal/coordinator"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/platform"
)

var (
	errNotFound    = errors.New("file not found")
	errEmptyPool   = errors.New("no workers became available")
	shutdownBudget = 10 * time.Second
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <file-name>",
		Short: "Start a pool over --root, search for file-name, then shut down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSearch(ctx, cfg, args[0], cmd.OutOrStdout(), logger)
		},
	}

	f := cmd.Flags()
	f.String("root", "", "directory to search (defaults to the home directory)")
	f.String("extract", "", "copy the match into this directory")
	f.Bool("no-extract", false, "report the match without copying it")
	f.Bool("no-analysis", false, "skip the analysis of the match")
	f.String("registry-url", "", "use a remote registry instead of the in-process one")
	return cmd
}

// loadConfig layers the flags the user set over the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, nil)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("root") {
		cfg.Root, _ = f.GetString("root")
	}
	if f.Changed("extract") {
		cfg.Extract.Enabled = true
		cfg.Extract.Dir, _ = f.GetString("extract")
	}
	if noExtract, _ := f.GetBool("no-extract"); noExtract {
		cfg.Extract.Enabled = false
	}
	if noAnalysis, _ := f.GetBool("no-analysis"); noAnalysis {
		cfg.Analysis.Enabled = false
	}
	if f.Changed("registry-url") {
		cfg.Registry.URL, _ = f.GetString("registry-url")
	}
	return cfg, cfg.Validate()
}

// runSearch drives one full session: start the pool, wait for discovery,
// search, wait for the verdict and shut the platform down in order.
func runSearch(ctx context.Context, cfg *config.Config, fileName string, out io.Writer, logger logging.Logger) (err error) {
	v := newView(out)
	p, err := platform.New(cfg, v, logger)
	if err != nil {
		return err
	}
	// actors outlive an interrupt so the shutdown below can still reach them
	if err := p.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if serr := p.Shutdown(sctx); serr != nil && err == nil {
			err = serr
		}
	}()

	c := p.Coordinator()
	if err := c.RequestPoolStart(ctx, cfg.Root); err != nil {
		return err
	}
	ready, err := await(ctx, v, coordinator.EventPoolReady)
	if err != nil {
		return err
	}
	if ready.Workers == 0 {
		return errEmptyPool
	}

	if _, err := c.Search(ctx, fileName); err != nil {
		return err
	}
	done, err := await(ctx, v, coordinator.EventSearchFinished)
	if err != nil {
		return err
	}
	if done.Outcome != coordinator.OutcomeFound {
		return fmt.Errorf("%w: %s", errNotFound, fileName)
	}
	return nil
}

func await(ctx context.Context, v *view, kind coordinator.EventKind) (coordinator.Event, error) {
	for {
		select {
		case e := <-v.milestone:
			if e.Kind == kind {
				return e, nil
			}
		case <-ctx.Done():
			return coordinator.Event{}, ctx.Err()
		}
	}
}
