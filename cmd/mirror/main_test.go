package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/mirror/internal/config"
	"github.com/bamsammich/mirror/internal/event"
)

func load(t *testing.T, args ...string) (config.Config, *options, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	opts := &options{}
	cmd := &cobra.Command{Use: "mirror"}
	opts.bind(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	cfg, err := loadConfig(cmd, opts, cmd.Flags().Args())
	return cfg, opts, err
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, _, err := load(t, "nas", "/srv/mirror")
	require.NoError(t, err)

	want := config.Default()
	want.Server.Address = "nas"
	want.Replication.To = "/srv/mirror"
	assert.Equal(t, want, cfg)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
address = "nas"
[replication]
to = "/srv/a"
batch_events = 8
verify = true
[dirsync]
deadline = "5s"
`), 0o644))

	cfg, _, err := load(t, "--config", path,
		"--to", "/srv/b",
		"--bwlimit", "1M",
		"--dirsync-deadline", "2m",
		"--verify=false",
		"--insecure",
		"--events", "delete=regular+dir",
		"--external-copy", "xargs -0 cp",
	)
	require.NoError(t, err)

	assert.Equal(t, "nas", cfg.Server.Address, "file value kept")
	assert.Equal(t, "/srv/b", cfg.Replication.To)
	assert.Equal(t, 8, cfg.Replication.BatchEvents, "unset flag does not override")
	assert.False(t, cfg.Replication.Verify)
	assert.Equal(t, config.Size(1<<20), cfg.Server.BWLimit)
	assert.Equal(t, 2*time.Minute, cfg.Dirsync.Deadline.Duration)
	assert.True(t, cfg.Server.SSH.Insecure)
	assert.True(t, cfg.Server.TLS.Insecure)
	assert.Equal(t, []string{"regular", "dir"}, cfg.Events["delete"])
	assert.Equal(t, []string{"xargs", "-0", "cp"}, cfg.Replication.ExternalCopy)
}

func TestLoadConfig_PositionalArgsWin(t *testing.T) {
	cfg, _, err := load(t, "--server", "a", "--to", "/x", "b", "/y")
	require.NoError(t, err)
	assert.Equal(t, "b", cfg.Server.Address)
	assert.Equal(t, "/y", cfg.Replication.To)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, _, err := load(t, "nas")
	require.ErrorIs(t, err, config.ErrInvalid)

	var exitErr *exitError
	assert.False(t, errors.As(err, &exitErr), "usage errors carry no runtime exit code")
}

func TestLoadConfig_BadSize(t *testing.T) {
	_, _, err := load(t, "--min-size", "huge", "nas", "/srv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--min-size")
}

func TestLoadConfig_PrintConfigSkipsValidation(t *testing.T) {
	_, _, err := load(t, "--print-config")
	assert.NoError(t, err)
}

func TestLogLevel(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	tests := []struct {
		name string
		opts options
		want string
	}{
		{"config", options{}, cfg.Log.Level},
		{"verbose", options{verbose: 1}, "info"},
		{"very verbose", options{verbose: 3}, "debug"},
		{"quiet wins", options{verbose: 2, quiet: true}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.opts.logLevel(cfg))
		})
	}
}

func TestBuildFilters_Order(t *testing.T) {
	dir := t.TempDir()
	filterFile := filepath.Join(dir, "rules")
	require.NoError(t, os.WriteFile(filterFile, []byte("# rules\n- *.iso\n"), 0o644))

	_, opts, err := load(t, "--include", "keep.tmp", "--exclude", "*.log", "nas", "/srv")
	require.NoError(t, err)
	assert.Equal(t, []string{"+ keep.tmp", "- *.log"}, opts.rules)

	cfg := config.Default()
	cfg.Replication.Exclude = []string{"*.tmp"}
	cfg.Replication.FilterFile = filterFile
	cfg.Replication.MaxSize = 100

	chain, err := buildFilters(cfg, opts.rules)
	require.NoError(t, err)

	assert.True(t, chain.Match("keep.tmp", event.Regular, 1), "command-line include precedes config exclude")
	assert.False(t, chain.Match("other.tmp", event.Regular, 1))
	assert.False(t, chain.Match("app.log", event.Regular, 1))
	assert.False(t, chain.Match("disk.iso", event.Regular, 1))
	assert.True(t, chain.Match("notes.txt", event.Regular, 1))
	assert.False(t, chain.Match("notes.txt", event.Regular, 101), "max size")
}

func TestBuildFilters_MissingFile(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Replication.FilterFile = filepath.Join(t.TempDir(), "absent")

	_, err := buildFilters(cfg, nil)
	assert.Error(t, err)
}

func TestEngineConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.Address = "nas"
	cfg.Replication.To = "/srv"
	cfg.Dirsync.Deadline = config.Duration{Duration: time.Second}

	ecfg, err := engineConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "nas", ecfg.Server)
	assert.Equal(t, "/srv", ecfg.To)
	assert.Equal(t, time.Second, ecfg.Dirsync.Deadline)
	assert.Equal(t, cfg.Checkpoint.Events, ecfg.Checkpoint.Events)
	assert.NotNil(t, ecfg.Stats)

	cfg.Events = map[string][]string{"explode": nil}
	_, err = engineConfig(cfg, nil, nil)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Checkpoint.Backend = config.BackendNone

	s, err := openStore(cfg)
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Checkpoint.Backend = config.BackendFile
	cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "state")
	s, err = openStore(cfg)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NoError(t, s.Close())
}

func TestExitError(t *testing.T) {
	t.Parallel()
	assert.NoError(t, failed(nil))

	base := errors.New("connection lost")
	err := failed(base)
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.code)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "connection lost", err.Error())
	assert.Equal(t, "exit code 3", (&exitError{code: 3}).Error())
}

func TestExternalCopy(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "paths")

	x, err := startExternalCopy([]string{"sh", "-c", "cat > " + out})
	require.NoError(t, err)
	_, err = x.Write([]byte("a/b\x00c\x00"))
	require.NoError(t, err)
	require.NoError(t, x.Close())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "a/b\x00c\x00", string(got))
}

func TestExternalCopy_Fails(t *testing.T) {
	t.Parallel()
	x, err := startExternalCopy([]string{"false"})
	require.NoError(t, err)
	assert.Error(t, x.Close())

	_, err = startExternalCopy([]string{"/nonexistent/copy-tool"})
	assert.Error(t, err)
}
