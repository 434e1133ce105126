// Package errtrack implements the ring-buffered structured error history
// and severity filter (spec component 4.K). It is the one structure touched
// from every subsystem; a single mutex protects it, matching the design
// note's guidance for a target that may run more than one goroutine even
// though the main loop itself is cooperative-single-threaded.
package errtrack

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sensornode/errcode"
)

const ringCapacity = 64 // >= spec's required 50

// Event is one tracked error occurrence. ID is a stable identifier for the
// occurrence (not reissued on a repeat-collapse), so a diagnostics
// subscriber can tell two published copies of the same event apart from two
// genuinely distinct occurrences.
type Event struct {
	ID         string
	Code       errcode.Code
	Severity   errcode.Severity
	Message    string
	Timestamp  time.Time
	Occurrence int
	offered    bool
}

// Tracker is the fixed-capacity ring buffer, oldest entry at index 0.
// Eviction skips critical events not yet offered to the messaging client
// while any other entry can be dropped; when every entry is an un-offered
// critical event, the oldest one is dropped.
type Tracker struct {
	mu      sync.Mutex
	log     *zap.Logger
	entries []Event
}

// New constructs a Tracker that also mirrors events into log.
func New(log *zap.Logger) *Tracker {
	return &Tracker{log: log, entries: make([]Event, 0, ringCapacity)}
}

func logEvent(log *zap.Logger, sev errcode.Severity, msg string, code errcode.Code) {
	switch sev {
	case errcode.SeverityCritical, errcode.SeverityError:
		log.Error(msg, zap.Uint16("code", uint16(code)), zap.String("severity", sev.String()))
	default:
		log.Warn(msg, zap.Uint16("code", uint16(code)))
	}
}

// Record appends an event, compressing an exact duplicate of the most
// recently recorded entry into an occurrence count instead of a new slot.
func (t *Tracker) Record(code errcode.Code, sev errcode.Severity, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	logEvent(t.log, sev, message, code)

	if n := len(t.entries); n > 0 {
		last := &t.entries[n-1]
		if last.Code == code && last.Message == message {
			last.Occurrence++
			last.Timestamp = time.Now()
			return
		}
	}

	if len(t.entries) >= ringCapacity {
		t.evictOneLocked()
	}
	t.entries = append(t.entries, Event{ID: uuid.NewString(), Code: code, Severity: sev, Message: message, Timestamp: time.Now(), Occurrence: 1})
}

// evictOneLocked drops the oldest entry that is safe to drop: any
// not-yet-offered critical event is skipped in favor of the oldest
// offered-or-non-critical one. If there is none, index 0 (the oldest
// un-offered critical event) is dropped.
func (t *Tracker) evictOneLocked() {
	victim := 0
	for i, e := range t.entries {
		if e.Severity != errcode.SeverityCritical || e.offered {
			victim = i
			break
		}
	}
	t.entries = append(t.entries[:victim], t.entries[victim+1:]...)
}

// PendingCritical returns critical events not yet offered to the messaging
// client, oldest first, and marks them offered.
func (t *Tracker) PendingCritical() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for i := range t.entries {
		if t.entries[i].Severity == errcode.SeverityCritical && !t.entries[i].offered {
			t.entries[i].offered = true
			out = append(out, t.entries[i])
		}
	}
	return out
}

// Recent returns up to n most recent entries, newest first, filtered to
// at-or-above minSeverity.
func (t *Tracker) Recent(n int, minSeverity errcode.Severity) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, 0, n)
	for i := len(t.entries) - 1; i >= 0 && len(out) < n; i-- {
		if t.entries[i].Severity >= minSeverity {
			out = append(out, t.entries[i])
		}
	}
	return out
}

// Len reports the current number of tracked entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
