package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/bamsammich/mirror/internal/config"
	"github.com/bamsammich/mirror/internal/engine"
	"github.com/bamsammich/mirror/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// exitError carries the process exit code: 1 for a failed replication, 2
// for a usage or configuration error.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func failed(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{err: err, code: 1}
}

func run() int {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return 2
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "mirror [flags] [server [local-dir]]",
		Short: "Keep a local directory tree in sync with a replication server",
		Long: "mirror follows a replication server's change log and applies each change\n" +
			"to a local copy of the server's tree. Directory reconciliation repairs the\n" +
			"copy after overflows, new subtrees, or on request (SIGHUP). SIGUSR1 prints\n" +
			"the replication status.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Fprintf(os.Stdout, "mirror %s\n", version)
				return nil
			}
			cfg, err := loadConfig(cmd, opts, args)
			if err != nil {
				return err
			}
			if opts.printConfig {
				return cfg.Encode(os.Stdout)
			}
			return replicate(cmd.Context(), cfg, opts)
		},
	}
	rootCmd.PersistentFlags().SortFlags = false
	opts.bind(rootCmd.PersistentFlags())
	rootCmd.Flags().BoolVar(&opts.showVersion, "version", false, "print version and exit")
	rootCmd.Flags().DurationVar(&opts.statusEvery, "status-interval", 0, "log the replication status this often")

	rootCmd.AddCommand(newCopyCmd(opts))
	rootCmd.AddCommand(newDocsCmd())
	return rootCmd
}

// loadConfig reads the configuration file and overlays the command line.
// Positional arguments name the server and the local root.
func loadConfig(cmd *cobra.Command, opts *options, args []string) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if err := opts.apply(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}
	if len(args) > 0 {
		cfg.Server.Address = args[0]
	}
	if len(args) > 1 {
		cfg.Replication.To = args[1]
	}
	cfg.Log.Level = opts.logLevel(cfg)
	if opts.printConfig {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// prepare sets up logging, connects, and builds the engine.
func prepare(ctx context.Context, cfg config.Config, opts *options) (*engine.Engine, *session, func(), error) {
	log, closeLog, err := setupLogging(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, nil, nil, err
	}
	chain, err := buildFilters(cfg, opts.rules)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}
	ecfg, err := engineConfig(cfg, chain, log)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}

	sess, err := openSession(ctx, cfg, log)
	if err != nil {
		closeLog()
		return nil, nil, nil, failed(err)
	}
	if sess.external != nil {
		ecfg.External = sess.external
	}
	cleanup := func() {
		if err := sess.Close(); err != nil {
			log.Warn("close session", "error", err)
		}
		closeLog()
	}
	return engine.New(ecfg, sess.client, sess.store), sess, cleanup, nil
}

// replicate runs the engine until it stops. SIGINT and SIGTERM stop it,
// SIGHUP schedules a full dirsync and SIGUSR1 prints the status. With
// --status-interval the status is printed to a terminal or logged otherwise.
func replicate(parent context.Context, cfg config.Config, opts *options) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, _, cleanup, err := prepare(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(sigs)

	runCtx, cancelRun := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		defer cancelRun()
		return e.Run(ctx)
	})
	g.Go(func() error {
		watchSignals(runCtx, e, sigs, opts.statusEvery)
		return nil
	})
	return failed(g.Wait())
}

func watchSignals(ctx context.Context, e *engine.Engine, sigs <-chan os.Signal, every time.Duration) {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				e.Trigger(engine.ReasonSignal)
			case syscall.SIGUSR1:
				fmt.Fprintln(os.Stderr, ui.StatusLine(e.Status(), time.Now()))
			}
		case <-tick:
			if term.IsTerminal(int(os.Stderr.Fd())) { //nolint:gosec // G115: fd values are small non-negative integers
				fmt.Fprintln(os.Stderr, ui.StatusLine(e.Status(), time.Now()))
				continue
			}
			slog.Info("status", ui.StatusAttrs(e.Status())...)
		}
	}
}

func newCopyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "copy [flags] <server-path>...",
		Short: "Copy single server paths into the local tree and exit",
		Long: "copy stats each server path and copies it, with its metadata, to its place\n" +
			"under the local root. Paths must lie under the replicated server root.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			e, sess, cleanup, err := prepare(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			var errs []error
			for _, p := range args {
				out, err := e.CopyPath(p)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", p, err))
					continue
				}
				slog.Info("copied", "path", p, "outcome", out)
			}
			if err := sess.client.Quit(); err != nil {
				errs = append(errs, fmt.Errorf("quit: %w", err))
			}
			return failed(errors.Join(errs...))
		},
	}
}
