package event

// Optimize rewrites b in place so that events whose effect is subsumed by a
// later event in the same batch are invalidated, and renames execute before
// the events that refer to their targets.
//
// Events are visited newest first. Backward scans only consider events that
// arrived before the one being processed, so renames already moved forward
// are never folded twice.
func Optimize(b *Batch) {
	for seq := b.Len() - 1; seq > 0; seq-- {
		i := b.indexOf(seq)
		e := &b.entries[i]
		if !e.Valid || e.Event.From == NoName {
			continue
		}
		switch e.Event.Type {
		case Delete:
			b.cancel(i, seq, e.Event.From)
		case Rename:
			if e.Event.To != NoName {
				b.foldRename(i, seq)
			}
		case Create, ChangeData, ChangeMeta:
			b.dropDuplicates(i, seq)
		case Overflow, NoSpace, AddTree:
		}
	}
}

func (b *Batch) indexOf(seq int) int {
	for i := range b.entries {
		if b.entries[i].Seq == seq {
			return i
		}
	}
	return -1
}

// pathEvent reports whether events of type t can be superseded by later
// events on the same path.
func pathEvent(t Type) bool {
	switch t {
	case Create, ChangeData, ChangeMeta, Delete:
		return true
	default:
		return false
	}
}

// cancel invalidates events before slot i (and older than seq) whose source
// is name, because name is deleted at seq. A rename into name becomes a
// delete of its source, and the history of that source is cancelled too. A
// rename out of name ends the scan: older references are to a different file.
func (b *Batch) cancel(i, seq int, name Name) {
	type job struct {
		i, seq int
		name   Name
	}
	work := []job{{i: i, seq: seq, name: name}}
	for len(work) > 0 {
		j := work[len(work)-1]
		work = work[:len(work)-1]

	scan:
		for k := j.i - 1; k >= 0; k-- {
			e := &b.entries[k]
			if !e.Valid || e.Seq >= j.seq {
				continue
			}
			switch {
			case e.Event.Type == Rename && e.Event.To == j.name:
				work = append(work, job{i: k, seq: e.Seq, name: e.Event.From})
				e.Event.Type = Delete
				e.Event.To = NoName
			case e.Event.Type == Rename && e.Event.From == j.name:
				break scan
			case pathEvent(e.Event.Type) && e.Event.From == j.name:
				e.Valid = false
			}
		}
	}
}

// foldRename merges the rename at slot i into the history before it and
// moves it as far forward as ordering allows.
//
// Earlier events on the rename's source are retargeted at its destination.
// An earlier rename into the source is chained (A->B then B->C becomes
// A->C) and absorbed. The scan stops at an earlier event that touches the
// destination, or at a rename out of the source; the rename is placed
// right after that event instead of at the front.
func (b *Batch) foldRename(i, seq int) {
	rev := &b.entries[i].Event
	ins := 0

scan:
	for k := i - 1; k >= 0; k-- {
		e := &b.entries[k]
		if !e.Valid || e.Seq >= seq {
			continue
		}
		if e.Event.From == rev.To || (e.Event.Type == Rename && e.Event.To == rev.To) {
			ins = k + 1
			break
		}
		switch {
		case e.Event.Type == Rename && e.Event.From == rev.From:
			ins = k + 1
			break scan
		case e.Event.Type == Rename && e.Event.To == rev.From:
			b.cancel(k, e.Seq, rev.From)
			rev.From = e.Event.From
			e.Valid = false
		case pathEvent(e.Event.Type) && e.Event.From == rev.From:
			e.Event.From = rev.To
		}
	}

	moved := b.entries[i]
	copy(b.entries[ins+1:i+1], b.entries[ins:i])
	b.entries[ins] = moved
}

// dropDuplicates invalidates earlier events of the same type on the same
// path as slot i. A rename touching the path ends the scan.
func (b *Batch) dropDuplicates(i, seq int) {
	ev := b.entries[i].Event
	for k := i - 1; k >= 0; k-- {
		e := &b.entries[k]
		if !e.Valid || e.Seq >= seq {
			continue
		}
		if e.Event.Type == Rename && (e.Event.From == ev.From || e.Event.To == ev.From) {
			return
		}
		if e.Event.Type == ev.Type && e.Event.From == ev.From {
			e.Valid = false
		}
	}
}
