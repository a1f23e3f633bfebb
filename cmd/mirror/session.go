package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/bamsammich/mirror/internal/config"
	"github.com/bamsammich/mirror/internal/engine"
	"github.com/bamsammich/mirror/internal/filter"
	"github.com/bamsammich/mirror/internal/localfs"
	"github.com/bamsammich/mirror/internal/stats"
	"github.com/bamsammich/mirror/internal/transport"
	"github.com/bamsammich/mirror/internal/transport/proto"
	"github.com/bamsammich/mirror/internal/ui"
	"github.com/bamsammich/mirror/internal/usermap"
)

// setupLogging installs the default logger: text on stderr, plus JSON at
// debug level when a log file is configured. The returned function closes
// the log file.
func setupLogging(level, file string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	var handler slog.Handler = textHandler
	closeFn := func() {}
	if file != "" {
		lf, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closeFn = func() { lf.Close() }
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		handler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

// session is an open connection to the server plus the resources that
// live as long as it.
type session struct {
	client   *proto.Client
	store    engine.Store
	external *externalCopy
}

func dialOptions(cfg config.Config, log *slog.Logger) transport.DialOptions {
	s := cfg.Server
	return transport.DialOptions{
		Logger: log,
		SSH: transport.SSHOpts{
			KeyFile:    s.SSH.Identity,
			KnownHosts: s.SSH.KnownHosts,
			Insecure:   s.SSH.Insecure,
		},
		TLS: transport.TLSOpts{
			CAFile:      s.TLS.CA,
			Fingerprint: s.TLS.Fingerprint,
			KnownHosts:  s.TLS.KnownHosts,
			Insecure:    s.TLS.Insecure,
		},
		BWLimit: int64(s.BWLimit),
		Timeout: s.Timeout.Duration,
	}
}

// openSession connects to the server and opens the checkpoint store and
// the external copy command.
func openSession(ctx context.Context, cfg config.Config, log *slog.Logger) (*session, error) {
	addr, err := transport.ParseAddress(cfg.Server.Address)
	if err != nil {
		return nil, err
	}
	if addr.Scheme == transport.SchemeSSH && len(addr.Command) == 0 {
		addr.Command = cfg.Server.Command
	}

	conn, err := transport.Dial(ctx, addr, dialOptions(cfg, log))
	if err != nil {
		return nil, err
	}

	opts := proto.ClientOptions{Logger: log}
	if cfg.Server.TranslateIDs {
		ids, err := usermap.New(usermap.DefaultSize)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("user map: %w", err)
		}
		opts.IDs = ids
	}
	s := &session{client: proto.NewClient(conn, opts)}

	if s.store, err = openStore(cfg); err != nil {
		s.Close()
		return nil, err
	}
	if len(cfg.Replication.ExternalCopy) > 0 {
		if s.external, err = startExternalCopy(cfg.Replication.ExternalCopy); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() error {
	var errs []error
	if s.external != nil {
		errs = append(errs, s.external.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	errs = append(errs, s.client.Close())
	return errors.Join(errs...)
}

//nolint:ireturn // the backend is chosen by configuration
func openStore(cfg config.Config) (engine.Store, error) {
	c := cfg.Checkpoint
	switch c.Backend {
	case config.BackendFile:
		s, err := engine.OpenFileStore(c.Path, c.Offset, int64(c.CompactBytes))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		s, err := engine.OpenSQLiteStore(c.Path, cfg.Server.Address, cfg.Replication.From, cfg.Replication.To)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil //nolint:nilnil // no store: positions are not kept
	}
}

// buildFilters turns the path rules into a chain. Rules given on the command
// line come first, since the first matching rule decides.
func buildFilters(cfg config.Config, cliRules []string) (*filter.Chain, error) {
	chain := filter.NewChain()
	for _, rule := range cliRules {
		if err := chain.AddRule(rule); err != nil {
			return nil, err
		}
	}
	r := cfg.Replication
	for _, glob := range r.Include {
		if err := chain.AddInclude(glob); err != nil {
			return nil, err
		}
	}
	for _, glob := range r.Exclude {
		if err := chain.AddExclude(glob); err != nil {
			return nil, err
		}
	}
	if r.FilterFile != "" {
		if err := chain.LoadFile(r.FilterFile); err != nil {
			return nil, fmt.Errorf("load filter file: %w", err)
		}
	}
	chain.SetMinSize(int64(r.MinSize))
	chain.SetMaxSize(int64(r.MaxSize))
	return chain, nil
}

// engineConfig translates the configuration for the engine.
func engineConfig(cfg config.Config, chain *filter.Chain, log *slog.Logger) (engine.Config, error) {
	masks, err := filter.ParseMask(cfg.Events)
	if err != nil {
		return engine.Config{}, err
	}
	r := cfg.Replication
	return engine.Config{
		Stats:       stats.NewCollector(),
		Logger:      log,
		Paths:       chain,
		Server:      cfg.Server.Address,
		From:        r.From,
		To:          r.To,
		Compression: r.Compression,
		Checksums:   r.Checksum,
		Dirsync: engine.DirsyncConfig{
			Initial:    cfg.Dirsync.Initial,
			OnOverflow: cfg.Dirsync.OnOverflow,
			OnAddTree:  cfg.Dirsync.OnAddTree,
			Delete:     cfg.Dirsync.Delete,
			Deadline:   cfg.Dirsync.Deadline.Duration,
			Interval:   cfg.Dirsync.Interval.Duration,
		},
		Checkpoint: engine.CheckpointPolicy{
			Events:   cfg.Checkpoint.Events,
			Interval: cfg.Checkpoint.Interval.Duration,
		},
		Meta:         localfs.MetaOptions{Owner: r.Owner, Strict: r.StrictOwner},
		Masks:        masks,
		BatchEvents:  r.BatchEvents,
		BatchBuffer:  int(r.BatchBuffer),
		BlockSize:    int(r.BlockSize),
		MaxWait:      r.MaxWait.Duration,
		SkipMatching: r.SkipMatching,
		Delta:        r.Delta,
		Verify:       r.Verify,
		TranslateIDs: cfg.Server.TranslateIDs,
		Oneshot:      r.Oneshot,
		Catchup:      r.Catchup,
		Peek:         r.Peek,
		DebugServer:  cfg.Server.Debug,
	}, nil
}

// externalCopy is a local command fed the relative paths of files to copy
// on its standard input.
type externalCopy struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func startExternalCopy(argv []string) (*externalCopy, error) {
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // command comes from the user
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("external copy: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start external copy %s: %w", strings.Join(argv, " "), err)
	}
	return &externalCopy{cmd: cmd, stdin: stdin}, nil
}

func (x *externalCopy) Write(p []byte) (int, error) { return x.stdin.Write(p) }

// Close ends the path list and waits for the command.
func (x *externalCopy) Close() error {
	err := x.stdin.Close()
	if werr := x.cmd.Wait(); werr != nil {
		err = errors.Join(err, fmt.Errorf("external copy: %w", werr))
	}
	return err
}
