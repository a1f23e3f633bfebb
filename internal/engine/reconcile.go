package engine

import (
	"cmp"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/bamsammich/mirror/internal/event"
	"github.com/bamsammich/mirror/internal/localfs"
	"github.com/bamsammich/mirror/internal/transport/proto"
)

// Lister lists server directories.
type Lister interface {
	GetDir(path string) ([]event.DirEntry, error)
}

// Reconciler runs dirsync jobs: it brings one directory level in line with
// the server and schedules a job for every server subdirectory.
type Reconciler struct {
	server  Lister
	applier *Applier
	state   *State
	log     *slog.Logger
	delete  bool
}

// NewReconciler returns a Reconciler copying through a.
func NewReconciler(server Lister, a *Applier) *Reconciler {
	return &Reconciler{
		server:  server,
		applier: a,
		state:   a.cfg.State,
		log:     a.log,
		delete:  a.cfg.Dirsync.Delete,
	}
}

// Counts summarizes one job.
type Counts struct {
	Copied  int
	Skipped int
	Deleted int
	Failed  int
	Subdirs int
}

// Run reconciles job.Path, which must have been returned by State.Pop. Only
// errors that leave the connection unusable are returned; everything else
// is logged and counted.
func (r *Reconciler) Run(job Job) (Counts, error) {
	var c Counts
	start := time.Now()
	defer func() { r.state.Finish(job, r.applier.cfg.From, time.Since(start)) }()

	log := r.log.With("job", job.Path, "reason", job.Reason)
	dst, rel, ok := r.applier.Local(job.Path)
	if !ok {
		log.Warn("dirsync outside replicated root")
		return c, nil
	}

	remote, err := r.server.GetDir(job.Path)
	if err != nil {
		if proto.IsFatal(err) {
			return c, fmt.Errorf("dirsync %s: %w", job.Path, err)
		}
		log.Warn("list server directory", "error", err)
		return c, nil
	}
	local, err := localfs.ReadDir(dst)
	if err != nil {
		log.Warn("list local directory", "error", err)
		local = nil
	}
	local = slices.DeleteFunc(local, func(e event.DirEntry) bool { return localfs.IsTempName(e.Name) })

	byName := func(a, b event.DirEntry) int { return cmp.Compare(a.Name, b.Name) }
	slices.SortFunc(remote, byName)
	slices.SortFunc(local, byName)

	var subdirs []string
	i, j := 0, 0
	for i < len(remote) || j < len(local) {
		var order int
		switch {
		case i == len(remote):
			order = 1
		case j == len(local):
			order = -1
		default:
			order = cmp.Compare(remote[i].Name, local[j].Name)
		}

		var out Outcome
		switch {
		case order > 0:
			r.extra(&c, dst, rel, &local[j])
			j++
			continue
		case order < 0:
			out, err = r.sync(&c, job.Path, rel, &remote[i], nil)
		default:
			out, err = r.sync(&c, job.Path, rel, &remote[i], &local[j])
			j++
		}
		if err != nil {
			return c, err
		}
		if remote[i].FileType == event.Dir && (out == OutcomeApplied || out == OutcomeSkipped) {
			subdirs = append(subdirs, joinServer(job.Path, remote[i].Name))
		}
		i++
	}

	// Subdirectories of an urgent job stay urgent.
	var deadline time.Time
	if !job.Deadline.IsZero() {
		deadline = time.Now().Add(r.applier.cfg.Dirsync.Deadline)
	}
	for _, d := range subdirs {
		if r.state.Schedule(d, deadline, ReasonSubdir) {
			c.Subdirs++
		}
	}
	log.Debug("dirsync level done", "copied", c.Copied, "skipped", c.Skipped,
		"deleted", c.Deleted, "failed", c.Failed, "subdirs", c.Subdirs)
	return c, nil
}

// sync copies one server entry. The Transfer Engine's own matching check
// decides whether anything moves.
func (r *Reconciler) sync(c *Counts, dir, rel string, e, local *event.DirEntry) (Outcome, error) {
	rec := e.Record(dir)
	childRel := path.Join(rel, e.Name)
	if !r.applier.cfg.Masks.Allows(event.Create, e.FileType) {
		return OutcomeIgnored, nil
	}
	dst, _, ok := r.applier.Local(rec.FromPath)
	if !ok {
		return OutcomeIgnored, nil
	}

	out, err := r.applier.copyObject(&rec, dst, childRel, local)
	switch out {
	case OutcomeApplied:
		c.Copied++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeFailed:
		if proto.IsFatal(err) {
			return out, err
		}
		c.Failed++
		r.log.Warn("dirsync copy failed", "path", childRel, "error", err)
	case OutcomeIgnored:
	}
	return out, nil
}

// extra handles an entry that exists only locally.
func (r *Reconciler) extra(c *Counts, dir, rel string, e *event.DirEntry) {
	if !r.delete {
		return
	}
	childRel := path.Join(rel, e.Name)
	if !r.applier.cfg.Paths.MatchPath(childRel, e.FileType == event.Dir) {
		return
	}
	dst := filepath.Join(dir, e.Name)
	n, err := localfs.Remove(dst)
	r.applier.stats.AddDeleted(int64(n))
	c.Deleted += n
	if err != nil {
		c.Failed++
		r.log.Warn("dirsync delete failed", "path", childRel, "error", err)
	}
}

func joinServer(dir, name string) string {
	if dir == "" || dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}
