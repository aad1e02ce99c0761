package observer

import (
	"sync"

	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

// Log is an append-only, unbounded sequence of interaction records.
//
// Records are never mutated after Append, so a Snapshot holds whole records
// only. Snapshots are not required to include appends that race with them.
type Log struct {
	mu      sync.RWMutex
	records []*orchestrator.InteractionRecord
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds rec and returns the new length. The caller gives up ownership
// of rec.
func (l *Log) Append(rec *orchestrator.InteractionRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return len(l.records)
}

// Snapshot returns the records appended so far, oldest first. The returned
// slice must not be modified.
func (l *Log) Snapshot() []*orchestrator.InteractionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[:len(l.records):len(l.records)]
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
