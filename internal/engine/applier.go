package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bamsammich/mirror/internal/event"
	"github.com/bamsammich/mirror/internal/filter"
	"github.com/bamsammich/mirror/internal/localfs"
	"github.com/bamsammich/mirror/internal/stats"
	"github.com/bamsammich/mirror/internal/transfer"
	"github.com/bamsammich/mirror/internal/transport/proto"
)

// Outcome is the result of applying one event.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipped         // the destination already matched
	OutcomeIgnored         // filtered out, outside the roots, or vanished on the server
	OutcomeFailed
)

var outcomeNames = [...]string{
	OutcomeApplied: "applied",
	OutcomeSkipped: "skipped",
	OutcomeIgnored: "ignored",
	OutcomeFailed:  "failed",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// DirsyncConfig controls when dirsyncs are scheduled and what they do.
type DirsyncConfig struct {
	Initial    bool // reconcile the whole tree at startup
	OnOverflow bool // reconcile the whole tree after Overflow and NoSpace
	OnAddTree  bool // reconcile the subtree of an AddTree event
	Delete     bool // remove local entries the server does not have
	// Deadline is how long a triggered dirsync may wait behind live events.
	Deadline time.Duration
	// Interval schedules a full dirsync when the last one is older. Zero
	// disables periodic dirsyncs.
	Interval time.Duration
}

// Stater is the part of the server connection the applier needs besides
// what the copier uses.
type Stater interface {
	Stat(path string) (event.DirEntry, error)
}

// ApplierConfig configures an Applier.
type ApplierConfig struct {
	Server  Stater
	Copier  *transfer.Copier
	State   *State
	Paths   *filter.Chain
	Logger  *slog.Logger
	From    string // server root, slash-separated
	To      string // local root
	Dirsync DirsyncConfig
	Meta    localfs.MetaOptions
	Masks   filter.Mask // the zero mask selects filter.AllEvents
}

// Applier executes events against the local tree.
type Applier struct {
	cfg   ApplierConfig
	log   *slog.Logger
	stats *stats.Collector
}

// NewApplier returns an Applier.
func NewApplier(cfg ApplierConfig) *Applier {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.State == nil {
		cfg.State = NewState(nil)
	}
	if cfg.Masks == (filter.Mask{}) {
		cfg.Masks = filter.AllEvents()
	}
	return &Applier{cfg: cfg, log: log, stats: cfg.State.Stats()}
}

// Local maps server path p to its local path and its path relative to the
// local root. ok is false when p is outside the replicated root or would
// escape the local root.
func (a *Applier) Local(p string) (local, rel string, ok bool) {
	root := strings.TrimSuffix(a.cfg.From, "/")
	switch {
	case p == root || p == root+"/":
		return a.cfg.To, "", true
	case strings.HasPrefix(p, root+"/"):
		rel = strings.Trim(p[len(root)+1:], "/")
	default:
		return "", "", false
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", "", false
	}
	return filepath.Join(a.cfg.To, filepath.FromSlash(rel)), rel, true
}

// Apply executes one event. Errors that leave the connection unusable are
// returned as is; check them with proto.IsFatal.
func (a *Applier) Apply(rec *event.Record) (Outcome, error) {
	if !a.cfg.Masks.Allows(rec.Type, rec.FileType) {
		return OutcomeIgnored, nil
	}

	switch rec.Type {
	case event.Overflow, event.NoSpace:
		return a.overflow(rec), nil
	case event.AddTree:
		return a.addTree(rec), nil
	case event.Rename:
		return a.rename(rec)
	}

	dst, rel, ok := a.Local(rec.FromPath)
	if !ok || !a.cfg.Paths.MatchPath(rel, rec.FileType == event.Dir) {
		return OutcomeIgnored, nil
	}

	switch rec.Type {
	case event.Create, event.ChangeData:
		return a.copyObject(rec, dst, rel, nil)
	case event.ChangeMeta:
		return a.changeMeta(rec, dst, rel)
	case event.Delete:
		return a.remove(dst)
	default:
		return OutcomeIgnored, nil
	}
}

// copyObject makes dst match the object rec describes. local is the current
// local entry when the caller already has it.
func (a *Applier) copyObject(rec *event.Record, dst, rel string, local *event.DirEntry) (Outcome, error) {
	if !rec.StatValid {
		// The object vanished before the event was read; a Delete follows.
		return OutcomeIgnored, nil
	}
	if !a.cfg.Paths.Match(rel, rec.FileType, rec.Size) {
		return OutcomeIgnored, nil
	}
	if local == nil {
		if e, err := localfs.Lstat(dst); err == nil {
			local = &e
		}
	}

	req := &transfer.Request{
		Local:    local,
		Src:      rec.FromPath,
		Dst:      dst,
		Rel:      rel,
		Target:   rec.ToPath,
		Stat:     rec.Stat,
		FileType: rec.FileType,
	}
	res, err := a.cfg.Copier.Copy(req)
	switch res {
	case transfer.ResultCopied:
		a.log.Debug("copied", "path", rel, "type", rec.FileType, "size", rec.Size)
		return OutcomeApplied, nil
	case transfer.ResultSkipped:
		if local != nil && localfs.Differs(local, &rec.Stat, a.cfg.Meta) {
			if _, err := localfs.SyncMetadata(dst, local, &rec.Stat, a.cfg.Meta); err != nil {
				a.log.Warn("set metadata", "path", rel, "error", err)
			}
		}
		return OutcomeSkipped, nil
	default:
		return OutcomeFailed, fmt.Errorf("copy %s: %w", rec.FromPath, err)
	}
}

func (a *Applier) changeMeta(rec *event.Record, dst, rel string) (Outcome, error) {
	if !rec.StatValid {
		return OutcomeIgnored, nil
	}
	have, err := localfs.Lstat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		a.log.Debug("metadata change for missing path", "path", rel)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if have.FileType != rec.FileType ||
		(rec.FileType == event.Symlink && rec.ToPath != "" && have.Target != rec.ToPath) {
		// The local object is stale; replace it.
		return a.copyObject(rec, dst, rel, &have)
	}

	ch, err := localfs.SyncMetadata(dst, &have, &rec.Stat, a.cfg.Meta)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ch.Any() {
		return OutcomeSkipped, nil
	}
	return OutcomeApplied, nil
}

func (a *Applier) remove(dst string) (Outcome, error) {
	n, err := localfs.Remove(dst)
	a.stats.AddDeleted(int64(n))
	if err != nil {
		return OutcomeFailed, err
	}
	if n == 0 {
		return OutcomeSkipped, nil
	}
	return OutcomeApplied, nil
}

// rename moves the local object. A source that is missing locally, or
// outside the replicated set, turns the rename into a copy of the target
// from the server.
func (a *Applier) rename(rec *event.Record) (Outcome, error) {
	dir := rec.FileType == event.Dir
	src, srel, srcOK := a.Local(rec.FromPath)
	dst, drel, dstOK := a.Local(rec.ToPath)
	srcOK = srcOK && a.cfg.Paths.MatchPath(srel, dir)
	dstOK = dstOK && a.cfg.Paths.MatchPath(drel, dir)

	switch {
	case !srcOK && !dstOK:
		return OutcomeIgnored, nil
	case !dstOK:
		return a.remove(src)
	case !srcOK:
		return a.fetch(rec.ToPath, dst, drel)
	case src == dst:
		return OutcomeSkipped, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return OutcomeFailed, fmt.Errorf("create parent dir: %w", err)
	}
	err := os.Rename(src, dst)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Something incompatible is in the way; the server's view wins.
		if _, rerr := localfs.Remove(dst); rerr != nil {
			return OutcomeFailed, errors.Join(err, rerr)
		}
		err = os.Rename(src, dst)
	}
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, fs.ErrNotExist):
		a.log.Debug("rename source missing, copying target", "from", srel, "to", drel)
		return a.fetch(rec.ToPath, dst, drel)
	default:
		return OutcomeFailed, fmt.Errorf("rename %s -> %s: %w", srel, drel, err)
	}
}

// fetch copies server path p using a fresh STAT. A directory also gets a
// dirsync so its contents follow.
func (a *Applier) fetch(p, dst, rel string) (Outcome, error) {
	e, err := a.cfg.Server.Stat(p)
	if err != nil {
		var se *proto.ServerError
		if errors.As(err, &se) {
			a.log.Debug("vanished on server", "path", p, "error", err)
			return OutcomeIgnored, nil
		}
		return OutcomeFailed, fmt.Errorf("stat %s: %w", p, err)
	}
	rec := e.Record("")
	rec.FromPath = p

	out, err := a.copyObject(&rec, dst, rel, nil)
	if err == nil && e.FileType == event.Dir {
		a.cfg.State.Schedule(p, a.deadline(), ReasonAddTree)
	}
	return out, err
}

// CopyPath copies server path p to its place under the local root.
func (a *Applier) CopyPath(p string) (Outcome, error) {
	dst, rel, ok := a.Local(p)
	if !ok {
		return OutcomeFailed, fmt.Errorf("%s is outside the replicated root %s", p, a.cfg.From)
	}
	return a.fetch(p, dst, rel)
}

func (a *Applier) overflow(rec *event.Record) Outcome {
	if !a.cfg.Dirsync.OnOverflow {
		a.log.Warn("server event queue overflowed; dirsync on overflow is disabled", "event", rec.Type)
		return OutcomeIgnored
	}
	a.log.Warn("server event queue overflowed; scheduling full dirsync", "event", rec.Type)
	a.cfg.State.Schedule(a.cfg.From, a.deadline(), ReasonOverflow)
	return OutcomeApplied
}

func (a *Applier) addTree(rec *event.Record) Outcome {
	if !a.cfg.Dirsync.OnAddTree {
		return OutcomeIgnored
	}
	if _, _, ok := a.Local(rec.FromPath); !ok {
		return OutcomeIgnored
	}
	a.log.Info("scheduling dirsync of new tree", "path", rec.FromPath)
	a.cfg.State.Schedule(rec.FromPath, a.deadline(), ReasonAddTree)
	return OutcomeApplied
}

func (a *Applier) deadline() time.Time {
	return time.Now().Add(a.cfg.Dirsync.Deadline)
}
