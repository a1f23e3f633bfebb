package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bamsammich/mirror/internal/config"
	"github.com/bamsammich/mirror/internal/filter"
)

// options holds the command-line flags. Flags that mirror a configuration
// key override the file only when given explicitly.
type options struct {
	configPath  string
	logFile     string
	statusEvery time.Duration
	verbose     int
	quiet       bool
	printConfig bool
	showVersion bool
	rules       []string // --include / --exclude, in command-line order

	server        string
	command       string
	from          string
	to            string
	sshKey        string
	sshKnownHosts string
	tlsCA         string
	fingerprint   string
	externalCopy  string
	filterFile    string
	bwlimit       string
	minSize       string
	maxSize       string
	batchBuffer   string
	blockSize     string
	ckptBackend   string
	ckptPath      string
	compress      []string
	checksum      []string
	events        []string
	timeout       time.Duration
	maxWait       time.Duration
	deadline      time.Duration
	interval      time.Duration
	ckptInterval  time.Duration
	batchEvents   int
	ckptEvents    int
	insecure      bool
	translateIDs  bool
	skipMatching  bool
	delta         bool
	verify        bool
	owner         bool
	oneshot       bool
	catchup       bool
	peek          bool
	initial       bool
	deleteExtra   bool
	debugServer   bool
}

// ruleFlag appends include or exclude rules to a shared list so that their
// command-line order is kept.
type ruleFlag struct {
	rules   *[]string
	include bool
}

func (*ruleFlag) String() string { return "" }
func (*ruleFlag) Type() string   { return "glob" }

func (f *ruleFlag) Set(val string) error {
	prefix := "- "
	if f.include {
		prefix = "+ "
	}
	*f.rules = append(*f.rules, prefix+val)
	return nil
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "configuration file (default $XDG_CONFIG_HOME/mirror/config.toml)")
	fs.StringVar(&o.logFile, "log", "", "write structured JSON log to FILE")
	fs.CountVarP(&o.verbose, "verbose", "v", "more logging (-v info, -vv debug)")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "log errors only")
	fs.BoolVar(&o.printConfig, "print-config", false, "print the effective configuration as TOML and exit")

	fs.StringVarP(&o.server, "server", "s", "", "server address (host[:port], tls://, unix://, user@host, exec:cmd)")
	fs.StringVar(&o.command, "server-command", "", "server command run over ssh")
	fs.StringVar(&o.from, "from", "", "server root to replicate")
	fs.StringVar(&o.to, "to", "", "local root")
	fs.StringVar(&o.sshKey, "ssh-key", "", "SSH private key file (default: agent, then ~/.ssh/id_*)")
	fs.StringVar(&o.sshKnownHosts, "ssh-known-hosts", "", "SSH known_hosts file")
	fs.StringVar(&o.tlsCA, "tls-ca", "", "CA certificate for tls:// servers")
	fs.StringVar(&o.fingerprint, "fingerprint", "", "expected TLS certificate fingerprint (SHA256:...)")
	fs.BoolVar(&o.insecure, "insecure", false, "accept any SSH host key or TLS certificate")
	fs.StringVar(&o.bwlimit, "bwlimit", "", "bandwidth limit (e.g. 100M, 1G)")
	fs.DurationVar(&o.timeout, "timeout", 0, "connection setup timeout")
	fs.BoolVar(&o.translateIDs, "translate-ids", false, "map owners by user and group name")
	fs.BoolVar(&o.debugServer, "debug-server", false, "enable server-side debugging for the session")

	fs.StringSliceVar(&o.compress, "compress", nil, "compression methods in preference order")
	fs.StringSliceVar(&o.checksum, "checksum", nil, "checksum methods in preference order")
	fs.StringVar(&o.externalCopy, "external-copy", "", "command that receives NUL-terminated paths to copy")
	fs.BoolVar(&o.skipMatching, "skip-matching", true, "skip files whose size and mtime already match")
	fs.BoolVar(&o.delta, "delta", true, "use delta transfer for changed files")
	fs.BoolVar(&o.verify, "verify", false, "checksum each copied file before putting it in place")
	fs.BoolVar(&o.owner, "owner", false, "replicate file ownership")
	fs.BoolVar(&o.oneshot, "oneshot", false, "stop once the server has no more events")
	fs.BoolVar(&o.catchup, "catchup", false, "ignore the checkpoint and start at the server's current position")
	fs.BoolVar(&o.peek, "peek", false, "log events without applying them")
	fs.IntVar(&o.batchEvents, "batch-events", 0, "events read and optimized together")
	fs.StringVar(&o.batchBuffer, "batch-buffer", "", "path bytes buffered per batch")
	fs.StringVar(&o.blockSize, "block-size", "", "transfer block size")
	fs.DurationVar(&o.maxWait, "max-wait", 0, "longest single wait for events (0: half the dirsync deadline, negative: no limit)")
	fs.StringSliceVar(&o.events, "events", nil, "event mask entries as type=filetype+filetype (e.g. delete=regular+dir)")

	fs.Var(&ruleFlag{rules: &o.rules}, "exclude", "exclude paths matching GLOB (repeatable)")
	fs.Var(&ruleFlag{rules: &o.rules, include: true}, "include", "include paths matching GLOB (repeatable)")
	fs.StringVar(&o.filterFile, "filter", "", "read include/exclude rules from FILE")
	fs.StringVar(&o.minSize, "min-size", "", "skip files smaller than SIZE")
	fs.StringVar(&o.maxSize, "max-size", "", "skip files larger than SIZE")

	fs.BoolVar(&o.initial, "initial-dirsync", true, "reconcile the whole tree at startup")
	fs.BoolVar(&o.deleteExtra, "delete", false, "remove local files the server does not have")
	fs.DurationVar(&o.deadline, "dirsync-deadline", 0, "how long a triggered dirsync may wait behind events")
	fs.DurationVar(&o.interval, "dirsync-interval", 0, "run a full dirsync this often (0 disables)")

	fs.StringVar(&o.ckptBackend, "checkpoint-backend", "", "checkpoint store: sqlite, file or none")
	fs.StringVar(&o.ckptPath, "checkpoint", "", "checkpoint database or state file")
	fs.IntVar(&o.ckptEvents, "checkpoint-events", 0, "save the position after this many events")
	fs.DurationVar(&o.ckptInterval, "checkpoint-interval", 0, "save the position at least this often")
}

// apply overlays the flags set on the command line onto cfg.
//
//nolint:gocyclo,revive // one case per flag
func (o *options) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	size := func(name, s string) config.Size {
		n, perr := filter.ParseSize(s)
		if perr != nil && err == nil {
			err = fmt.Errorf("invalid --%s: %w", name, perr)
		}
		return config.Size(n)
	}

	s, r := &cfg.Server, &cfg.Replication
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log":
			cfg.Log.File = o.logFile
		case "server":
			s.Address = o.server
		case "server-command":
			s.Command = strings.Fields(o.command)
		case "ssh-key":
			s.SSH.Identity = o.sshKey
		case "ssh-known-hosts":
			s.SSH.KnownHosts = o.sshKnownHosts
		case "tls-ca":
			s.TLS.CA = o.tlsCA
		case "fingerprint":
			s.TLS.Fingerprint = o.fingerprint
		case "insecure":
			s.SSH.Insecure, s.TLS.Insecure = o.insecure, o.insecure
		case "bwlimit":
			s.BWLimit = size(f.Name, o.bwlimit)
		case "timeout":
			s.Timeout.Duration = o.timeout
		case "translate-ids":
			s.TranslateIDs = o.translateIDs
		case "debug-server":
			s.Debug = o.debugServer
		case "from":
			r.From = o.from
		case "to":
			r.To = o.to
		case "compress":
			r.Compression = o.compress
		case "checksum":
			r.Checksum = o.checksum
		case "external-copy":
			r.ExternalCopy = strings.Fields(o.externalCopy)
		case "skip-matching":
			r.SkipMatching = o.skipMatching
		case "delta":
			r.Delta = o.delta
		case "verify":
			r.Verify = o.verify
		case "owner":
			r.Owner = o.owner
		case "oneshot":
			r.Oneshot = o.oneshot
		case "catchup":
			r.Catchup = o.catchup
		case "peek":
			r.Peek = o.peek
		case "batch-events":
			r.BatchEvents = o.batchEvents
		case "batch-buffer":
			r.BatchBuffer = size(f.Name, o.batchBuffer)
		case "block-size":
			r.BlockSize = size(f.Name, o.blockSize)
		case "max-wait":
			r.MaxWait.Duration = o.maxWait
		case "filter":
			r.FilterFile = o.filterFile
		case "min-size":
			r.MinSize = size(f.Name, o.minSize)
		case "max-size":
			r.MaxSize = size(f.Name, o.maxSize)
		case "events":
			if cfg.Events == nil {
				cfg.Events = make(map[string][]string)
			}
			for _, entry := range o.events {
				name, fts, _ := strings.Cut(entry, "=")
				cfg.Events[name] = strings.FieldsFunc(fts, func(c rune) bool { return c == '+' })
			}
		case "initial-dirsync":
			cfg.Dirsync.Initial = o.initial
		case "delete":
			cfg.Dirsync.Delete = o.deleteExtra
		case "dirsync-deadline":
			cfg.Dirsync.Deadline.Duration = o.deadline
		case "dirsync-interval":
			cfg.Dirsync.Interval.Duration = o.interval
		case "checkpoint-backend":
			cfg.Checkpoint.Backend = o.ckptBackend
		case "checkpoint":
			cfg.Checkpoint.Path = o.ckptPath
		case "checkpoint-events":
			cfg.Checkpoint.Events = o.ckptEvents
		case "checkpoint-interval":
			cfg.Checkpoint.Interval.Duration = o.ckptInterval
		}
	})
	return err
}

// logLevel resolves the log level: -q and -v override the configuration.
func (o *options) logLevel(cfg config.Config) string {
	switch {
	case o.quiet:
		return "error"
	case o.verbose >= 2:
		return "debug"
	case o.verbose == 1:
		return "info"
	}
	return cfg.Log.Level
}
