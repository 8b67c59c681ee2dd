package reconcile

import (
	"fmt"
	"time"
)

// State is the reconciliation cycle phase.
type State int32

const (
	StateIdle     State = iota // waiting for the next tick or trigger
	StateScanning              // walking the session key space
	StateBatching              // reading a group of sessions into flush batches
	StateFlushing              // writing a batch to the archive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateBatching:
		return "batching"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// RecordError is one record that could not be reconciled. It never aborts
// the cycle that produced it.
type RecordError struct {
	SessionID string    `json:"session_id"`
	StreamID  string    `json:"stream_id,omitempty"`
	At        time.Time `json:"at"`
	Err       error     `json:"-"`
	Message   string    `json:"error"`
}

func (e RecordError) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("reconcile: session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("reconcile: session %s message %s: %v", e.SessionID, e.StreamID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// SyncMetrics is a snapshot of process-wide reconciliation counters. Values
// reset only on restart.
type SyncMetrics struct {
	State              string        `json:"state"`
	TotalSynced        int64         `json:"total_synced"`
	FailedSyncs        int64         `json:"failed_syncs"`
	FailedSinceSuccess int64         `json:"failed_since_success"`
	Cycles             int64         `json:"cycles"`
	SkippedCycles      int64         `json:"skipped_cycles"`
	LastSyncTime       time.Time     `json:"last_sync_time"`
	SyncDurationMs     int64         `json:"sync_duration_ms"`
	RecentErrors       []RecordError `json:"recent_errors"`
}

// errRing keeps the newest n record errors; the oldest is dropped first.
type errRing struct {
	buf  []RecordError
	next int
	full bool
}

func newErrRing(n int) *errRing {
	if n <= 0 {
		n = 1
	}
	return &errRing{buf: make([]RecordError, n)}
}

func (r *errRing) add(e RecordError) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the errors oldest first.
func (r *errRing) snapshot() []RecordError {
	if !r.full {
		return append([]RecordError(nil), r.buf[:r.next]...)
	}
	out := make([]RecordError, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
