// Package engine is the client side of a replication session: it reads the
// server's change events, optimizes and applies them to the local tree,
// runs directory reconciliation jobs, and checkpoints the applied position.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bamsammich/mirror/internal/codec"
	"github.com/bamsammich/mirror/internal/event"
	"github.com/bamsammich/mirror/internal/filter"
	"github.com/bamsammich/mirror/internal/localfs"
	"github.com/bamsammich/mirror/internal/stats"
	"github.com/bamsammich/mirror/internal/transfer"
	"github.com/bamsammich/mirror/internal/transport/proto"
)

// Defaults for batching.
const (
	DefaultBatchEvents = 64
	DefaultBatchBuffer = 64 * 1024
	MinBatchBuffer     = 256
)

// MinIdleWait is the shortest default bound on a wait for events.
const MinIdleWait = time.Second

// Conn is the server session the engine drives. *proto.Client implements
// it.
type Conn interface {
	transfer.Server
	Stater
	Lister
	Status() (proto.ServerStatus, error)
	SetCompression(name string) error
	SetChecksum(name string) error
	Debug(on bool) error
	SetRoot(pos event.Position, root string, translate bool) error
	NextEvent(ctx context.Context, timeout time.Duration, budget int) (event.Record, error)
	StartBatch(maxEvents, budget int) error
	NextBatched(ctx context.Context) (event.Record, error)
	Counters() (read, written int64)
	Quit() error
}

// CheckpointPolicy sets how often the applied position is saved. A save
// happens when either threshold is crossed.
type CheckpointPolicy struct {
	Events   int
	Interval time.Duration
}

// Config describes a replication run.
type Config struct {
	Stats    *stats.Collector
	Logger   *slog.Logger
	External io.Writer // external bulk-copy channel; nil pulls data directly
	Paths    *filter.Chain
	Server   string // server address, used to key the checkpoint and in logs
	From     string // server root
	To       string // local root

	// Preferred methods, in order. The first one the server offers is used.
	Compression []string
	Checksums   []string

	Dirsync    DirsyncConfig
	Checkpoint CheckpointPolicy
	Meta       localfs.MetaOptions
	Masks      filter.Mask

	BatchEvents int // events per batch
	BatchBuffer int // path bytes per batch
	BlockSize   int
	// MaxWait bounds each wait for events so that dirsyncs triggered from
	// outside the loop start within that time. Zero uses half the dirsync
	// deadline, at least MinIdleWait. Negative waits as long as the queue
	// allows, which lets an idle stream use EVBATCH.
	MaxWait time.Duration

	SkipMatching bool
	Delta        bool
	Verify       bool
	TranslateIDs bool
	Oneshot      bool // stop at the first idle moment
	Catchup      bool // start at the server's current position
	Peek         bool // log events without applying them
	DebugServer  bool
}

// Engine runs one replication session.
type Engine struct {
	cfg     Config
	conn    Conn
	store   Store
	state   *State
	log     *slog.Logger
	copier  *transfer.Copier
	applier *Applier
	recon   *Reconciler
	ckpt    *Checkpointer
	batch   *event.Batch
	carry   []event.Record
	status  proto.ServerStatus
	ready   bool
	clean   bool
}

// New returns an engine for conn. store may be nil, in which case no
// position is loaded or saved.
func New(cfg Config, conn Conn, store Store) *Engine {
	if cfg.BatchEvents < 1 {
		cfg.BatchEvents = DefaultBatchEvents
	}
	if cfg.BatchBuffer <= 0 {
		cfg.BatchBuffer = DefaultBatchBuffer
	}
	cfg.BatchBuffer = max(cfg.BatchBuffer, MinBatchBuffer)
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		conn:  conn,
		store: store,
		state: NewState(cfg.Stats),
		log:   log,
		batch: event.NewBatch(cfg.BatchBuffer, cfg.BatchEvents),
		ckpt:  NewCheckpointer(store, cfg.Checkpoint.Events, cfg.Checkpoint.Interval, log),
	}
}

// State returns the shared engine state.
func (e *Engine) State() *State { return e.state }

// Status returns the status query result.
func (e *Engine) Status() Status {
	st := e.state.Status()
	st.WireRead, st.WireWritten = e.conn.Counters()
	return st
}

// Trigger schedules a dirsync of the whole tree. It is safe to call from
// any goroutine; the loop picks the job up when its current wait ends,
// which the idle limit bounds.
func (e *Engine) Trigger(reason Reason) {
	if e.state.Schedule(e.cfg.From, time.Now(), reason) {
		e.log.Info("full dirsync scheduled", "reason", reason)
	}
}

// handshake negotiates codecs and builds the components that depend on
// what the server supports.
func (e *Engine) handshake() error {
	if e.ready {
		return nil
	}
	st, err := e.conn.Status()
	if err != nil {
		return fmt.Errorf("server status: %w", err)
	}
	e.status = st

	if name := codec.Negotiate(e.cfg.Compression, st.Compressors); name != codec.None {
		if err := e.conn.SetCompression(name); err != nil {
			return fmt.Errorf("set compression: %w", err)
		}
		e.log.Debug("compression negotiated", "method", name)
	}
	if name := codec.Negotiate(e.cfg.Checksums, st.Checksums); name != codec.None {
		if err := e.conn.SetChecksum(name); err != nil {
			return fmt.Errorf("set checksum: %w", err)
		}
		e.log.Debug("checksum negotiated", "method", name)
	}
	if e.cfg.DebugServer {
		if err := e.conn.Debug(true); err != nil {
			return fmt.Errorf("enable server debugging: %w", err)
		}
	}

	useDelta := e.cfg.Delta
	if useDelta && !st.Has("delta") {
		e.log.Warn("server does not support delta transfer; pulling whole blocks")
		useDelta = false
	}

	e.copier = transfer.New(transfer.Config{
		Server:       e.conn,
		External:     e.cfg.External,
		Stats:        e.cfg.Stats,
		Logger:       e.log,
		Meta:         e.cfg.Meta,
		BlockSize:    e.cfg.BlockSize,
		SkipMatching: e.cfg.SkipMatching,
		Delta:        useDelta,
		Verify:       e.cfg.Verify,
	})
	e.applier = NewApplier(ApplierConfig{
		Server:  e.conn,
		Copier:  e.copier,
		State:   e.state,
		Paths:   e.cfg.Paths,
		Logger:  e.log,
		From:    e.cfg.From,
		To:      e.cfg.To,
		Dirsync: e.cfg.Dirsync,
		Meta:    e.cfg.Meta,
		Masks:   e.cfg.Masks,
	})
	e.recon = NewReconciler(e.conn, e.applier)
	e.ready = true
	return nil
}

// CopyPath copies one server path into the local tree.
func (e *Engine) CopyPath(p string) (Outcome, error) {
	if err := e.handshake(); err != nil {
		return OutcomeFailed, err
	}
	out, err := e.applier.CopyPath(p)
	e.count(out)
	return out, err
}

// Run replicates until ctx is cancelled, a fatal error occurs, or, in
// one-shot mode, the event stream is idle and no dirsync is pending. The
// applied position is flushed on every exit.
func (e *Engine) Run(ctx context.Context) (err error) {
	if err := e.handshake(); err != nil {
		return err
	}
	start, err := e.startPosition()
	if err != nil {
		return err
	}
	translate := e.cfg.TranslateIDs && e.status.Has("translate")
	if err := e.conn.SetRoot(start, e.cfg.From, translate); err != nil {
		return fmt.Errorf("set root: %w", err)
	}
	e.state.SetPosition(start)
	e.ckpt.Start(start)
	e.state.setLastFull(time.Now())
	if e.cfg.Dirsync.Initial && !e.cfg.Oneshot {
		e.state.Schedule(e.cfg.From, time.Now(), ReasonInitial)
	}

	e.log.Info("replication started", "server", e.cfg.Server, "from", e.cfg.From,
		"to", e.cfg.To, "fnum", start.File, "fpos", start.Offset)

	stopTick := e.tick()
	defer func() {
		stopTick()
		err = errors.Join(err, e.shutdown())
	}()
	return e.loop(ctx)
}

func (e *Engine) startPosition() (event.Position, error) {
	if e.cfg.Catchup || e.store == nil {
		return e.status.Pos, nil
	}
	pos, err := e.store.Load()
	if errors.Is(err, ErrNoCheckpoint) {
		e.log.Info("no checkpoint; starting at the server's current position")
		return e.status.Pos, nil
	}
	if err != nil {
		return event.Position{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return pos, nil
}

// tick feeds the rolling throughput window once a second.
func (e *Engine) tick() func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				e.cfg.Stats.Tick()
			}
		}
	}()
	return func() { close(done) }
}

func (e *Engine) shutdown() error {
	var errs []error
	if err := e.ckpt.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	e.copier.Cleanup()

	// After an interrupted wait a reply may still be in flight.
	if e.clean {
		if e.cfg.DebugServer {
			if err := e.conn.Debug(false); err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.conn.Quit(); err != nil {
			errs = append(errs, fmt.Errorf("quit: %w", err))
		}
	}

	pos := e.state.Position()
	e.log.Info("replication stopped", "fnum", pos.File, "fpos", pos.Offset,
		"stats", e.cfg.Stats.Snapshot().String())
	return errors.Join(errs...)
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			// Between requests: the session can still be closed politely.
			e.clean = true
			e.log.Info("interrupted")
			return nil
		}
		e.scheduleInterval()
		if e.dirsyncDue() {
			if err := e.runDirsync(); err != nil {
				return err
			}
			continue
		}

		n, err := e.fill(ctx, e.waitTimeout())
		switch {
		case errors.Is(err, proto.ErrInterrupted):
			e.log.Info("interrupted")
			return nil
		case err != nil:
			return err
		}

		if n == 0 {
			if e.state.Pending() > 0 {
				if err := e.runDirsync(); err != nil {
					return err
				}
				continue
			}
			if e.cfg.Oneshot {
				e.clean = true
				return nil
			}
			continue
		}
		if err := e.applyBatch(ctx); err != nil {
			return err
		}
	}
}

func (e *Engine) scheduleInterval() {
	iv := e.cfg.Dirsync.Interval
	if iv <= 0 || time.Since(e.state.LastFullDirsync()) < iv {
		return
	}
	if e.state.Schedule(e.cfg.From, time.Now(), ReasonInterval) {
		e.log.Info("periodic full dirsync scheduled")
	}
}

func (e *Engine) dirsyncDue() bool {
	d, ok := e.state.Deadline()
	return ok && !d.After(time.Now())
}

// waitTimeout returns how long the next wait for events may block: until
// the nearest dirsync deadline, not at all when jobs are waiting for an idle
// stream, and at most the idle limit otherwise. A negative result means no
// limit.
func (e *Engine) waitTimeout() time.Duration {
	if e.cfg.Oneshot {
		return 0
	}
	wait := time.Duration(-1)
	if d, ok := e.state.Deadline(); ok {
		wait = max(time.Until(d), 0)
	} else if e.state.Pending() > 0 {
		wait = 0
	}
	if iv := e.cfg.Dirsync.Interval; iv > 0 {
		until := max(time.Until(e.state.LastFullDirsync().Add(iv)), 0)
		if wait < 0 || until < wait {
			wait = until
		}
	}
	if limit := e.idleLimit(); limit >= 0 && (wait < 0 || wait > limit) {
		wait = limit
	}
	// The server counts whole seconds.
	if wait > 0 {
		wait = (wait + time.Second - 1).Truncate(time.Second)
	}
	return wait
}

// idleLimit is the longest wait on a quiet stream, or -1 for none.
func (e *Engine) idleLimit() time.Duration {
	switch {
	case e.cfg.MaxWait > 0:
		return e.cfg.MaxWait
	case e.cfg.MaxWait < 0:
		return -1
	}
	return max(e.cfg.Dirsync.Deadline/2, MinIdleWait)
}

func (e *Engine) runDirsync() error {
	job, ok := e.state.Pop(time.Now())
	if !ok {
		return nil
	}
	_, err := e.recon.Run(job)
	return err
}

// fill reads the next batch of events. It returns 0 when the wait timed out.
func (e *Engine) fill(ctx context.Context, timeout time.Duration) (int, error) {
	b := e.batch
	b.Reset()
	for len(e.carry) > 0 {
		if err := b.Add(&e.carry[0]); err != nil {
			return b.Len(), nil
		}
		e.carry = e.carry[1:]
	}

	if b.Len() == 0 {
		if timeout < 0 && e.cfg.BatchEvents > 1 && e.status.Has("evbatch") {
			return e.fillStream(ctx)
		}
		rec, err := e.conn.NextEvent(ctx, timeout, b.Remaining())
		if errors.Is(err, proto.ErrTooLarge) {
			// Take the oversized event alone.
			rec, err = e.conn.NextEvent(ctx, timeout, -1)
		}
		if errors.Is(err, proto.ErrTimeout) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		_ = b.Add(&rec) // the first record is always accepted
	}

	// Take whatever else is already queued.
	for !b.Full() {
		rec, err := e.conn.NextEvent(ctx, 0, b.Remaining())
		if errors.Is(err, proto.ErrTimeout) || errors.Is(err, proto.ErrTooLarge) {
			break
		}
		if err != nil {
			return b.Len(), err
		}
		if err := b.Add(&rec); err != nil {
			e.carry = append(e.carry, rec)
			break
		}
	}
	return b.Len(), nil
}

// fillStream reads one EVBATCH stream. Records that do not fit the batch
// are carried over to the next one.
func (e *Engine) fillStream(ctx context.Context) (int, error) {
	b := e.batch
	if err := e.conn.StartBatch(e.cfg.BatchEvents, b.Remaining()); err != nil {
		return 0, fmt.Errorf("start event batch: %w", err)
	}
	for {
		rec, err := e.conn.NextBatched(ctx)
		if errors.Is(err, proto.ErrBatchEnd) {
			return b.Len(), nil
		}
		if err != nil {
			return b.Len(), err
		}
		if len(e.carry) > 0 || b.Add(&rec) != nil {
			e.carry = append(e.carry, rec)
		}
	}
}

// applyBatch optimizes and applies the current batch in order. The
// checkpoint only ever covers the arrival-ordered prefix of the batch whose
// events are all applied or discarded.
func (e *Engine) applyBatch(ctx context.Context) error {
	start := time.Now()
	b := e.batch
	event.Optimize(b)
	if e.cfg.Peek {
		e.peek(b)
		return nil
	}

	prog := event.NewProgress(b)
	for i := range b.Len() {
		if ctx.Err() != nil {
			break
		}
		ent := b.At(i)
		if ent.Valid {
			rec := b.Record(i)
			if err := e.apply(&rec); err != nil {
				return err
			}
		} else {
			e.cfg.Stats.AddEventsIgnored(1)
		}
		if pos, ok := prog.Done(ent.Seq); ok {
			e.state.SetPosition(pos)
			if err := e.ckpt.Advance(pos); err != nil {
				e.log.Warn("save checkpoint", "error", err)
			}
		}
	}
	e.cfg.Stats.AddProcTime(time.Since(start))
	return nil
}

func (e *Engine) apply(rec *event.Record) error {
	out, err := e.applier.Apply(rec)
	if out == OutcomeFailed {
		if proto.IsFatal(err) {
			return fmt.Errorf("%s %s: %w", rec.Type, rec.FromPath, err)
		}
		e.log.Warn("event failed", "event", rec.Type, "path", rec.FromPath, "error", err)
	}
	e.count(out)
	return nil
}

func (e *Engine) count(out Outcome) {
	switch out {
	case OutcomeApplied, OutcomeSkipped:
		e.cfg.Stats.AddEventsApplied(1)
	case OutcomeIgnored:
		e.cfg.Stats.AddEventsIgnored(1)
	case OutcomeFailed:
		e.cfg.Stats.AddEventsFailed(1)
	}
}

func (e *Engine) peek(b *event.Batch) {
	for i := range b.Len() {
		ent := b.At(i)
		rec := b.Record(i)
		e.log.Info("event", "valid", ent.Valid, "event", rec.Type, "type", rec.FileType,
			"from", rec.FromPath, "to", rec.ToPath, "fnum", rec.Pos.File, "fpos", rec.Pos.Offset)
	}
}
