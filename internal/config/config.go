// Package config loads the mirror configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bamsammich/mirror/internal/codec"
	"github.com/bamsammich/mirror/internal/filter"
)

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the mirror configuration file.
type Config struct {
	Server      ServerConfig        `toml:"server"`
	Replication ReplicationConfig   `toml:"replication"`
	Events      map[string][]string `toml:"events"` // event type → file types
	Dirsync     DirsyncConfig       `toml:"dirsync"`
	Checkpoint  CheckpointConfig    `toml:"checkpoint"`
	Log         LogConfig           `toml:"log"`
}

// ServerConfig says how to reach the replication server.
type ServerConfig struct {
	Address      string    `toml:"address"`
	Command      []string  `toml:"command"` // server command for ssh addresses
	SSH          SSHConfig `toml:"ssh"`
	TLS          TLSConfig `toml:"tls"`
	BWLimit      Size      `toml:"bwlimit"`
	Timeout      Duration  `toml:"timeout"`
	TranslateIDs bool      `toml:"translate_ids"`
	Debug        bool      `toml:"debug"`
}

// SSHConfig holds ssh:// options.
type SSHConfig struct {
	Identity   string `toml:"identity"`
	KnownHosts string `toml:"known_hosts"`
	Insecure   bool   `toml:"insecure"`
}

// TLSConfig holds tls:// options.
type TLSConfig struct {
	CA          string `toml:"ca"`
	Fingerprint string `toml:"fingerprint"`
	KnownHosts  string `toml:"known_hosts"`
	Insecure    bool   `toml:"insecure"`
}

// ReplicationConfig holds the roots and the transfer behavior.
type ReplicationConfig struct {
	From         string   `toml:"from"`
	To           string   `toml:"to"`
	Compression  []string `toml:"compression"`
	Checksum     []string `toml:"checksum"`
	ExternalCopy []string `toml:"external_copy"`
	Exclude      []string `toml:"exclude"`
	Include      []string `toml:"include"`
	FilterFile   string   `toml:"filter_file"`
	MinSize      Size     `toml:"min_size"`
	MaxSize      Size     `toml:"max_size"`
	BatchEvents  int      `toml:"batch_events"`
	BatchBuffer  Size     `toml:"batch_buffer"`
	BlockSize    Size     `toml:"block_size"`
	MaxWait      Duration `toml:"max_wait"` // zero: half the dirsync deadline, negative: no limit
	SkipMatching bool     `toml:"skip_matching"`
	Delta        bool     `toml:"delta"`
	Verify       bool     `toml:"verify"`
	Owner        bool     `toml:"owner"`
	StrictOwner  bool     `toml:"strict_owner"`
	Oneshot      bool     `toml:"oneshot"`
	Catchup      bool     `toml:"catchup"`
	Peek         bool     `toml:"peek"`
}

// DirsyncConfig controls directory reconciliation.
type DirsyncConfig struct {
	Deadline   Duration `toml:"deadline"`
	Interval   Duration `toml:"interval"`
	Initial    bool     `toml:"initial"`
	OnOverflow bool     `toml:"on_overflow"`
	OnAddTree  bool     `toml:"on_add_tree"`
	Delete     bool     `toml:"delete"`
}

// CheckpointConfig selects where the applied position is kept.
type CheckpointConfig struct {
	Backend      string   `toml:"backend"`
	Path         string   `toml:"path"`   // empty = backend default
	Offset       int64    `toml:"offset"` // file backend: bytes to leave untouched
	Events       int      `toml:"events"`
	Interval     Duration `toml:"interval"`
	CompactBytes Size     `toml:"compact_bytes"`
}

// LogConfig holds logging defaults; command-line verbosity overrides them.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Size is a byte count written as "512", "10M" or "1GiB".
type Size int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := filter.ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return strconv.AppendInt(nil, int64(s), 10), nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: ServerConfig{Timeout: Duration{30 * time.Second}},
		Replication: ReplicationConfig{
			From:         "/",
			Compression:  codec.CompressorNames(),
			Checksum:     codec.ChecksumNames(),
			BatchEvents:  64,
			BatchBuffer:  64 * 1024,
			SkipMatching: true,
			Delta:        true,
		},
		Dirsync: DirsyncConfig{
			Deadline:   Duration{time.Minute},
			Initial:    true,
			OnOverflow: true,
			OnAddTree:  true,
		},
		Checkpoint: CheckpointConfig{
			Backend:      BackendSQLite,
			Events:       100,
			Interval:     Duration{10 * time.Second},
			CompactBytes: 1 << 20,
		},
		Log: LogConfig{Level: "warn"},
	}
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "mirror", "config.toml")
}

// Load reads the config file at path over Default(). An empty path means
// Path(). A missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

var logLevels = []string{"debug", "info", "warn", "error"} //nolint:gochecknoglobals // read-only

// Validate checks that c describes a runnable replication.
//
//nolint:revive // cyclomatic: one check per setting
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Address == "" {
		fail("server.address is required")
	}
	r := c.Replication
	if r.From == "" || !strings.HasPrefix(r.From, "/") {
		fail("replication.from must be an absolute server path")
	}
	if r.To == "" {
		fail("replication.to is required")
	}
	if r.BatchEvents < 1 {
		fail("replication.batch_events must be at least 1")
	}
	if r.BatchBuffer < 256 {
		fail("replication.batch_buffer must be at least 256")
	}
	if r.BlockSize < 0 || r.MinSize < 0 || r.MaxSize < 0 || c.Server.BWLimit < 0 {
		fail("sizes must not be negative")
	}
	if r.MaxSize > 0 && r.MinSize > r.MaxSize {
		fail("replication.min_size exceeds max_size")
	}
	for _, name := range r.Compression {
		if name != codec.None && !slices.Contains(codec.CompressorNames(), name) {
			fail("unknown compression %q", name)
		}
	}
	for _, name := range r.Checksum {
		if name != codec.None && !slices.Contains(codec.ChecksumNames(), name) {
			fail("unknown checksum %q", name)
		}
	}
	if _, err := filter.ParseMask(c.Events); err != nil {
		fail("events: %v", err)
	}
	if c.Dirsync.Deadline.Duration < 0 || c.Dirsync.Interval.Duration < 0 {
		fail("durations must not be negative")
	}
	switch c.Checkpoint.Backend {
	case BackendFile, BackendSQLite, BackendNone:
	default:
		fail("checkpoint.backend must be %s, %s or %s", BackendFile, BackendSQLite, BackendNone)
	}
	if c.Checkpoint.Backend == BackendFile && c.Checkpoint.Path == "" {
		fail("checkpoint.path is required for the %s backend", BackendFile)
	}
	if c.Checkpoint.Offset < 0 || c.Checkpoint.Events < 0 {
		fail("checkpoint values must not be negative")
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		fail("log.level must be one of %s", strings.Join(logLevels, ", "))
	}
	return errors.Join(errs...)
}
