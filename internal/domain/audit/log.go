package audit

import "sync"

// Log is an in-memory append-only audit log. Entries are never modified,
// reordered or removed.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	byRx    map[string][]int
	lastSeq int64
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{byRx: make(map[string][]int)}
}

// Append stores e with the next sequence number and returns the stored entry.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	e.Seq = l.lastSeq
	l.byRx[e.PrescriptionID] = append(l.byRx[e.PrescriptionID], len(l.entries))
	l.entries = append(l.entries, e)
	return e
}

// NextSeq returns the sequence number the next appended entry will get.
func (l *Log) NextSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq + 1
}

// LastSeq returns the sequence number of the latest entry.
func (l *Log) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Trail returns the entries of one prescription, oldest first.
func (l *Log) Trail(prescriptionID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := l.byRx[prescriptionID]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.entries[i])
	}
	return out
}

// All returns every entry in creation order.
func (l *Log) All() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// CountAction returns how many entries carry the given action.
func (l *Log) CountAction(a Action) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, e := range l.entries {
		if e.Action == a {
			n++
		}
	}
	return n
}

// Restore loads previously saved entries into an empty log, keeping their
// order and sequence numbers.
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]Entry, 0, len(entries))
	l.byRx = make(map[string][]int)
	l.lastSeq = 0
	for _, e := range entries {
		l.byRx[e.PrescriptionID] = append(l.byRx[e.PrescriptionID], len(l.entries))
		l.entries = append(l.entries, e)
		l.lastSeq = max(l.lastSeq, e.Seq)
	}
}
