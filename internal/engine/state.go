package engine

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bamsammich/mirror/internal/event"
	"github.com/bamsammich/mirror/internal/stats"
)

// Reason records why a dirsync was scheduled. Jobs with a reason go to the
// front of the queue; subdirectory jobs from a running dirsync do not.
type Reason int

const (
	ReasonSubdir Reason = iota
	ReasonInitial
	ReasonOverflow
	ReasonAddTree
	ReasonInterval
	ReasonSignal
	ReasonManual
)

var reasonNames = [...]string{
	ReasonSubdir:   "subdir",
	ReasonInitial:  "initial",
	ReasonOverflow: "overflow",
	ReasonAddTree:  "add-tree",
	ReasonInterval: "interval",
	ReasonSignal:   "signal",
	ReasonManual:   "manual",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Job is a pending reconciliation of one server directory and, through the
// jobs it schedules, everything below it.
type Job struct {
	Deadline time.Time // zero when the job may wait until the stream is idle
	Path     string
	Reason   Reason
}

// State is the engine state shared between the driver loop and status
// queries: the dirsync queue, the applied position and the counters.
type State struct {
	lastFull time.Time
	stats    *stats.Collector
	jobs     []Job
	pos      event.Position
	running  int
	mu       sync.Mutex
}

// NewState returns an empty State reporting into c.
func NewState(c *stats.Collector) *State {
	if c == nil {
		c = stats.NewCollector()
	}
	return &State{stats: c}
}

// Stats returns the counters.
func (s *State) Stats() *stats.Collector { return s.stats }

// cleanJob normalizes a server path so containment is a prefix check.
func cleanJob(p string) string {
	return path.Clean("/" + p)
}

// contains reports whether the subtree at parent includes p.
func contains(parent, p string) bool {
	return parent == "/" || p == parent || strings.HasPrefix(p, parent+"/")
}

// Schedule queues a dirsync of p. It returns false when an existing job
// already covers p. Jobs below p are dropped since the new job covers them;
// the earliest of their deadlines is kept.
func (s *State) Schedule(p string, deadline time.Time, reason Reason) bool {
	job := Job{Path: cleanJob(p), Deadline: deadline, Reason: reason}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if contains(s.jobs[i].Path, job.Path) {
			if earlier(job.Deadline, s.jobs[i].Deadline) {
				s.jobs[i].Deadline = job.Deadline
			}
			return false
		}
	}

	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if contains(job.Path, j.Path) {
			if earlier(j.Deadline, job.Deadline) {
				job.Deadline = j.Deadline
			}
			continue
		}
		kept = append(kept, j)
	}
	clear(s.jobs[len(kept):])
	s.jobs = kept

	if reason == ReasonSubdir {
		s.jobs = append(s.jobs, job)
	} else {
		s.jobs = append(s.jobs, Job{})
		copy(s.jobs[1:], s.jobs)
		s.jobs[0] = job
	}
	return true
}

// earlier reports whether deadline a is set and before b (or b is unset).
func earlier(a, b time.Time) bool {
	return !a.IsZero() && (b.IsZero() || a.Before(b))
}

// Pop removes and returns the next job: the most overdue one when any
// deadline has passed, otherwise the head of the queue.
func (s *State) Pop(now time.Time) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return Job{}, false
	}
	idx := 0
	for i, j := range s.jobs {
		if !j.Deadline.IsZero() && !j.Deadline.After(now) && earlier(j.Deadline, s.jobs[idx].Deadline) {
			idx = i
		}
	}
	job := s.jobs[idx]
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	s.running++
	return job, true
}

// Finish records the end of a job returned by Pop. A completed job for
// root also marks a full dirsync.
func (s *State) Finish(job Job, root string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	if job.Path == cleanJob(root) {
		s.lastFull = time.Now()
	}
	s.stats.AddDirsyncs(1)
	s.stats.AddProcTime(elapsed)
}

// Deadline returns the earliest deadline among the queued jobs.
func (s *State) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d time.Time
	for _, j := range s.jobs {
		if earlier(j.Deadline, d) {
			d = j.Deadline
		}
	}
	return d, !d.IsZero()
}

// Pending returns the number of queued jobs.
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Jobs returns a copy of the queue in order.
func (s *State) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// SetPosition records the log position up to which every event is applied.
func (s *State) SetPosition(pos event.Position) {
	s.mu.Lock()
	s.pos = pos
	s.mu.Unlock()
}

// Position returns the applied log position.
func (s *State) Position() event.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// LastFullDirsync returns when a dirsync of the root last completed.
func (s *State) LastFullDirsync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFull
}

// setLastFull seeds the full-dirsync clock.
func (s *State) setLastFull(t time.Time) {
	s.mu.Lock()
	s.lastFull = t
	s.mu.Unlock()
}

// Status is the result of a status query.
type Status struct {
	LastFullDirsync time.Time
	Pos             event.Position
	Stats           stats.Snapshot
	Pending         int
	Running         int
	WireRead        int64
	WireWritten     int64
	Throughput      float64 // logical bytes per second over the last 10 seconds
}

// Status returns a consistent view of the state.
func (s *State) Status() Status {
	s.mu.Lock()
	st := Status{
		LastFullDirsync: s.lastFull,
		Pos:             s.pos,
		Pending:         len(s.jobs),
		Running:         s.running,
	}
	s.mu.Unlock()
	st.Stats = s.stats.Snapshot()
	st.Throughput = s.stats.RollingSpeed(10)
	return st
}
