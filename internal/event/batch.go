package event

import "errors"

var (
	// ErrBufferExhausted is returned by Batch.Add when the record's paths do
	// not fit in the remaining budget. The caller should apply what it has.
	ErrBufferExhausted = errors.New("event buffer exhausted")
	// ErrBatchFull is returned by Batch.Add when the batch holds its maximum
	// number of events.
	ErrBatchFull = errors.New("event batch full")
)

// Name is a handle to a path string interned in a Batch. Two events refer to
// the same path exactly when their handles are equal.
type Name int32

// NoName is the handle of an absent path.
const NoName Name = -1

// Entry is one slot of a batch.
type Entry struct {
	Event ChangeEvent
	Seq   int // arrival order within the batch
	Valid bool
}

// Batch is a bounded group of events read together and optimized as a unit.
// Path strings are interned: a path already stored by an earlier event in
// the same batch is shared rather than stored again.
type Batch struct {
	index     map[string]Name
	names     []string
	entries   []Entry
	positions []Position // by Seq
	budget    int
	used      int
	max       int
	oversized bool
}

// NewBatch returns a batch that stores at most max events whose path bytes
// fit in budget.
func NewBatch(budget, maxEvents int) *Batch {
	if maxEvents < 1 {
		maxEvents = 1
	}
	return &Batch{
		index:   make(map[string]Name),
		budget:  budget,
		max:     maxEvents,
		entries: make([]Entry, 0, maxEvents),
	}
}

// Add interns r's paths and appends it to the batch. The first record of a
// batch is always accepted, even if it alone exceeds the budget.
func (b *Batch) Add(r *Record) error {
	if len(b.entries) >= b.max {
		return ErrBatchFull
	}

	cost := b.cost(r.FromPath) + b.cost(r.ToPath)
	if cost > b.Remaining() {
		if len(b.entries) > 0 {
			return ErrBufferExhausted
		}
		b.oversized = true
	}

	ev := ChangeEvent{
		Stat:      r.Stat,
		From:      b.intern(r.FromPath),
		To:        b.intern(r.ToPath),
		Type:      r.Type,
		FileType:  r.FileType,
		StatValid: r.StatValid,
	}
	b.entries = append(b.entries, Entry{Event: ev, Seq: len(b.entries), Valid: true})
	b.positions = append(b.positions, r.Pos)
	return nil
}

func (b *Batch) cost(path string) int {
	if path == "" {
		return 0
	}
	if _, ok := b.index[path]; ok {
		return 0
	}
	return len(path) + 1
}

func (b *Batch) intern(path string) Name {
	if path == "" {
		return NoName
	}
	if n, ok := b.index[path]; ok {
		return n
	}
	n := Name(len(b.names))
	b.names = append(b.names, path)
	b.index[path] = n
	b.used += len(path) + 1
	return n
}

// Remaining returns the number of path bytes that still fit.
func (b *Batch) Remaining() int {
	if r := b.budget - b.used; r > 0 {
		return r
	}
	return 0
}

// Full reports whether no further event can be added.
func (b *Batch) Full() bool {
	return len(b.entries) >= b.max || b.oversized
}

// Oversized reports whether the batch holds a single record larger than its
// budget.
func (b *Batch) Oversized() bool { return b.oversized }

// Len returns the number of slots, valid or not.
func (b *Batch) Len() int { return len(b.entries) }

// At returns the slot at index i in current (optimized) order.
func (b *Batch) At(i int) *Entry { return &b.entries[i] }

// Path returns the text of an interned path.
func (b *Batch) Path(n Name) string {
	if n == NoName {
		return ""
	}
	return b.names[n]
}

// Interned returns the number of distinct paths stored.
func (b *Batch) Interned() int { return len(b.names) }

// Position returns the log position just after the event that arrived seq-th.
func (b *Batch) Position(seq int) Position { return b.positions[seq] }

// Record resolves the slot at index i back into a Record.
func (b *Batch) Record(i int) Record {
	e := &b.entries[i]
	return Record{
		Stat:      e.Event.Stat,
		FromPath:  b.Path(e.Event.From),
		ToPath:    b.Path(e.Event.To),
		Pos:       b.positions[e.Seq],
		Type:      e.Event.Type,
		FileType:  e.Event.FileType,
		StatValid: e.Event.StatValid,
	}
}

// Reset empties the batch for reuse, keeping its budget and maximum.
func (b *Batch) Reset() {
	clear(b.index)
	b.names = b.names[:0]
	b.entries = b.entries[:0]
	b.positions = b.positions[:0]
	b.used = 0
	b.oversized = false
}

// Progress tracks which events of a batch have been consumed, in arrival
// order, so a checkpoint never claims an event that has not been applied.
type Progress struct {
	b    *Batch
	done []bool
	next int
}

// NewProgress starts tracking b.
func NewProgress(b *Batch) *Progress {
	return &Progress{b: b, done: make([]bool, b.Len())}
}

// Done marks the event that arrived seq-th as applied or discarded, and
// returns the position covering the longest fully consumed arrival prefix.
// ok is false while that prefix is empty.
func (p *Progress) Done(seq int) (pos Position, ok bool) {
	p.done[seq] = true
	for p.next < len(p.done) && p.done[p.next] {
		p.next++
	}
	if p.next == 0 {
		return Position{}, false
	}
	return p.b.positions[p.next-1], true
}
