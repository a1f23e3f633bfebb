package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/mirror/internal/event"
	"github.com/bamsammich/mirror/internal/testutil"
	"github.com/bamsammich/mirror/internal/transport/proto"
)

type engineFixture struct {
	srv   *testutil.Server
	store *memStore
	dst   string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	srv := testutil.NewServer(t, t.TempDir())
	require.NoError(t, os.MkdirAll(srv.Path("/src"), 0o755))
	// Resume from before anything the test queues.
	store := &memStore{saves: []event.Position{{File: 1}}}
	return &engineFixture{srv: srv, store: store, dst: t.TempDir()}
}

func (f *engineFixture) engine(t *testing.T, mod func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		From:         "/src",
		To:           f.dst,
		BlockSize:    4096,
		SkipMatching: true,
		Oneshot:      true,
		Dirsync:      DirsyncConfig{OnOverflow: true, OnAddTree: true, Delete: true},
		Checkpoint:   CheckpointPolicy{Events: 1},
	}
	if mod != nil {
		mod(&cfg)
	}
	client := proto.NewClient(f.srv.Connect(t), proto.ClientOptions{})
	return New(cfg, client, f.store)
}

func (f *engineFixture) write(t *testing.T, name, data string) {
	t.Helper()
	p := f.srv.Path("/src/" + name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func (f *engineFixture) queue(typ event.Type, name string) event.Position {
	return f.srv.QueueEvent(f.srv.StatEvent(typ, "/src/"+name))
}

func (f *engineFixture) local(name string) string {
	return filepath.Join(f.dst, filepath.FromSlash(name))
}

func (f *engineFixture) lastSave() event.Position {
	return f.store.saves[len(f.store.saves)-1]
}

func TestRunOneshotAppliesQueuedEvents(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "a.txt", "first")
	f.write(t, "dir/b.txt", "second")
	f.queue(event.Create, "a.txt")
	f.queue(event.Create, "dir")
	last := f.queue(event.Create, "dir/b.txt")

	e := f.engine(t, nil)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, "first", readLocal(t, f.local("a.txt")))
	assert.Equal(t, "second", readLocal(t, f.local("dir/b.txt")))
	assert.Equal(t, last, f.lastSave())
	assert.Equal(t, last, e.State().Position())

	st := e.Status()
	assert.Equal(t, int64(3), st.Stats.EventsApplied)
	assert.Positive(t, st.WireRead)
	assert.Positive(t, st.WireWritten)
	assert.Equal(t, 1, f.srv.Stats().Commands["QUIT"])
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "one", "1")
	f.write(t, "two", "2")
	f.write(t, "three", "3")
	f.queue(event.Create, "one")
	applied := f.queue(event.Create, "two")
	last := f.queue(event.Create, "three")
	f.store.saves = []event.Position{applied}

	require.NoError(t, f.engine(t, nil).Run(context.Background()))

	assert.NoFileExists(t, f.local("one"))
	assert.NoFileExists(t, f.local("two"))
	assert.FileExists(t, f.local("three"))
	assert.Equal(t, last, f.lastSave())
}

func TestRunCollapsesDuplicateChangeData(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "busy", "written many times")
	f.queue(event.Create, "busy")
	for range 4 {
		f.queue(event.ChangeData, "busy")
	}

	e := f.engine(t, nil)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 1, f.srv.Stats().Opens)
	assert.Equal(t, "written many times", readLocal(t, f.local("busy")))
	assert.Equal(t, int64(3), e.State().Stats().Snapshot().EventsIgnored)
}

func TestRunCreateThenDeleteMovesNothing(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.srv.QueueEvent(event.Record{Type: event.Create, FromPath: "/src/tmp", FileType: event.Regular})
	f.srv.QueueEvent(event.Record{Type: event.ChangeData, FromPath: "/src/tmp", FileType: event.Regular})
	last := f.srv.QueueEvent(event.Record{Type: event.Delete, FromPath: "/src/tmp", FileType: event.Regular})

	require.NoError(t, f.engine(t, nil).Run(context.Background()))

	assert.Zero(t, f.srv.Stats().Opens)
	assert.Equal(t, last, f.lastSave(), "discarded events still advance the checkpoint")
}

func TestRunRenameChain(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	require.NoError(t, os.WriteFile(f.local("a"), []byte("moved"), 0o644))
	f.write(t, "c", "moved")
	f.srv.QueueEvent(event.Record{Type: event.Rename, FromPath: "/src/a", ToPath: "/src/b", FileType: event.Regular})
	f.srv.QueueEvent(event.Record{Type: event.Rename, FromPath: "/src/b", ToPath: "/src/c", FileType: event.Regular})

	require.NoError(t, f.engine(t, nil).Run(context.Background()))

	assert.NoFileExists(t, f.local("a"))
	assert.NoFileExists(t, f.local("b"))
	assert.Equal(t, "moved", readLocal(t, f.local("c")))
	assert.Zero(t, f.srv.Stats().Opens)
}

func TestRunSmallBatches(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	var last event.Position
	for _, name := range []string{"f1", "f2", "f3", "f4", "f5"} {
		f.write(t, name, name)
		last = f.queue(event.Create, name)
	}

	e := f.engine(t, func(c *Config) {
		c.BatchEvents = 2
		c.BatchBuffer = MinBatchBuffer
	})
	require.NoError(t, e.Run(context.Background()))

	for _, name := range []string{"f1", "f2", "f3", "f4", "f5"} {
		assert.Equal(t, name, readLocal(t, f.local(name)))
	}
	assert.Equal(t, last, f.lastSave())
}

func TestRunPeekAppliesNothing(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "a", "x")
	f.queue(event.Create, "a")

	require.NoError(t, f.engine(t, func(c *Config) { c.Peek = true }).Run(context.Background()))

	assert.NoFileExists(t, f.local("a"))
	assert.Len(t, f.store.saves, 1)
}

func TestRunCatchupSkipsBacklog(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "old", "x")
	f.queue(event.Create, "old")

	e := f.engine(t, func(c *Config) { c.Catchup = true })
	require.NoError(t, e.Run(context.Background()))

	assert.NoFileExists(t, f.local("old"))
	assert.Equal(t, 1, f.srv.Stats().Commands["QUIT"])
}

func TestRunWithoutCheckpointStartsAtServerPosition(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "old", "x")
	pos := f.queue(event.Create, "old")
	f.store.saves = nil

	e := f.engine(t, nil)
	require.NoError(t, e.Run(context.Background()))
	assert.NoFileExists(t, f.local("old"))
	assert.Equal(t, pos, e.State().Position())
}

func TestRunCheckpointLoadFailure(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.store.loadErr = ErrState

	err := f.engine(t, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrState)
}

func TestRunOverflowReconciles(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "unseen/deep/file", "missed by the event log")
	require.NoError(t, os.WriteFile(f.local("stale"), []byte("x"), 0o644))
	f.srv.QueueEvent(event.Record{Type: event.Overflow})

	e := f.engine(t, nil)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, "missed by the event log", readLocal(t, f.local("unseen/deep/file")))
	assert.NoFileExists(t, f.local("stale"))
	assert.False(t, e.State().LastFullDirsync().IsZero())
	assert.Zero(t, e.State().Pending())
}

func TestRunNegotiatesAndDebugs(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	e := f.engine(t, func(c *Config) {
		c.Compression = []string{"lz4", "zstd"}
		c.Checksums = []string{"blake3"}
		c.DebugServer = true
	})
	require.NoError(t, e.Run(context.Background()))

	cmds := f.srv.Stats().Commands
	assert.Equal(t, 2, cmds["SET"])
	assert.Equal(t, 1, cmds["DEBUG"])
	assert.Equal(t, 1, cmds["NODEBUG"])
	assert.False(t, f.srv.Stats().Debug)
}

func TestRunSkipsUnsupportedCodecs(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	e := f.engine(t, func(c *Config) {
		c.Compression = []string{"lz4"}
		c.Checksums = []string{"sha3"}
	})
	require.NoError(t, e.Run(context.Background()))
	assert.Zero(t, f.srv.Stats().Commands["SET"])
}

func TestRunDeltaDisabledWithoutServerSupport(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.srv.Extensions = []string{"evbatch"}
	f.write(t, "f", "content")
	require.NoError(t, os.WriteFile(f.local("f"), []byte("contents"), 0o644))
	f.queue(event.ChangeData, "f")

	e := f.engine(t, func(c *Config) { c.Delta = true })
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, "content", readLocal(t, f.local("f")))
	assert.Zero(t, f.srv.Stats().Commands["SIGNATURE"])
}

func TestRunInterruptedWait(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	e := f.engine(t, func(c *Config) {
		c.Oneshot = false
		c.MaxWait = -1
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	f.write(t, "live", "arrived while running")
	pos := f.queue(event.Create, "live")
	require.Eventually(t, func() bool {
		return e.State().Position() == pos && f.srv.Stats().Commands["EVBATCH"] >= 2
	}, 5*time.Second, 10*time.Millisecond, "engine blocked in the next wait")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, "arrived while running", readLocal(t, f.local("live")))
	assert.Equal(t, pos, f.lastSave())
	assert.Zero(t, f.srv.Stats().Commands["QUIT"], "no QUIT while a reply may be in flight")
}

func TestRunCancelledBetweenRequestsQuits(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	e := f.engine(t, func(c *Config) {
		c.Oneshot = false
		c.DebugServer = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	cmds := f.srv.Stats().Commands
	assert.Equal(t, 1, cmds["NODEBUG"])
	assert.Equal(t, 1, cmds["QUIT"])
}

func TestTriggerRunsOnIdleStream(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "late.txt", "only a dirsync finds this")
	e := f.engine(t, func(c *Config) {
		c.Oneshot = false
		c.Dirsync.Deadline = 2 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return f.srv.Stats().Commands["EVENT"] >= 1
	}, 5*time.Second, 10*time.Millisecond, "engine waiting for events")
	e.Trigger(ReasonSignal)

	require.Eventually(t, func() bool {
		_, err := os.Stat(f.local("late.txt"))
		return err == nil && e.State().Status().Stats.Dirsyncs > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "only a dirsync finds this", readLocal(t, f.local("late.txt")))
	assert.Zero(t, e.State().Pending())
}

func TestTriggerSchedulesRoot(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	e := f.engine(t, nil)

	e.Trigger(ReasonSignal)
	jobs := e.State().Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "/src", jobs[0].Path)
	assert.Equal(t, ReasonSignal, jobs[0].Reason)
}

func TestEngineCopyPath(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.write(t, "single", "just this one")

	e := f.engine(t, nil)
	out, err := e.CopyPath("/src/single")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, "just this one", readLocal(t, f.local("single")))
	assert.Equal(t, int64(1), e.State().Stats().Snapshot().EventsApplied)
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()
	newEngine := func(mod func(*Config)) *Engine {
		cfg := Config{From: "/src"}
		if mod != nil {
			mod(&cfg)
		}
		e := New(cfg, nil, nil)
		e.state.setLastFull(time.Now())
		return e
	}

	e := newEngine(func(c *Config) { c.Oneshot = true })
	assert.Equal(t, time.Duration(0), e.waitTimeout())

	e = newEngine(func(c *Config) { c.MaxWait = -1 })
	assert.Equal(t, time.Duration(-1), e.waitTimeout(), "no limit")

	e = newEngine(nil)
	assert.Equal(t, MinIdleWait, e.waitTimeout(), "idle waits stay bounded")

	e = newEngine(func(c *Config) { c.Dirsync.Deadline = time.Minute })
	assert.Equal(t, 30*time.Second, e.waitTimeout(), "half the dirsync deadline")

	e = newEngine(func(c *Config) { c.MaxWait = 5 * time.Second })
	assert.Equal(t, 5*time.Second, e.waitTimeout())

	e = newEngine(nil)
	e.state.Schedule("/src/a", time.Time{}, ReasonSubdir)
	assert.Equal(t, time.Duration(0), e.waitTimeout(), "idle jobs run once the stream is drained")

	e = newEngine(func(c *Config) { c.Dirsync.Deadline = 10 * time.Second })
	e.state.Schedule("/src/a", time.Now().Add(1500*time.Millisecond), ReasonAddTree)
	assert.Equal(t, 2*time.Second, e.waitTimeout(), "rounded up to whole seconds")

	e = newEngine(func(c *Config) {
		c.Dirsync.Interval = time.Hour
		c.MaxWait = -1
	})
	got := e.waitTimeout()
	assert.Greater(t, got, 59*time.Minute)
	assert.LessOrEqual(t, got, time.Hour)
}

func TestRunTransportFailureIsFatal(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	client := proto.NewClient(f.srv.Connect(t), proto.ClientOptions{})
	require.NoError(t, client.Close())

	err := New(Config{From: "/src", To: f.dst, Oneshot: true}, client, f.store).Run(context.Background())
	assert.ErrorIs(t, err, proto.ErrTransport)
}
