// Package oplog holds the ordered log of writes that still have to be replayed
// against the notes API.
package oplog

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kuitang/notesync/internal/notes"
)

// Kind is the type of a pending write.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Op is a single pending write.
type Op struct {
	// ID doubles as the idempotency key sent with the replayed request.
	ID     string         `json:"id"`
	Kind   Kind           `json:"kind"`
	Target notes.Identity `json:"target"`

	Input     *notes.NoteInput `json:"input,omitempty"`
	Patch     *notes.NotePatch `json:"patch,omitempty"`
	Permanent bool             `json:"permanent,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	Seq        uint64    `json:"seq"`

	Attempts  int    `json:"attempts"`
	InFlight  bool   `json:"in_flight"`
	LastError string `json:"last_error,omitempty"`
}

// Validate checks that the op carries the payload its kind requires.
func (o Op) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("op has no ID")
	}
	if o.Target.IsZero() {
		return fmt.Errorf("op %s has no target", o.ID)
	}
	switch o.Kind {
	case KindCreate:
		if o.Input == nil || !o.Target.IsLocal() {
			return fmt.Errorf("create op %s needs a payload and a local target", o.ID)
		}
	case KindUpdate:
		if o.Patch == nil {
			return fmt.Errorf("update op %s needs a patch", o.ID)
		}
	case KindDelete:
		if !o.Target.IsRemote() {
			return fmt.Errorf("delete op %s needs a remote target", o.ID)
		}
	default:
		return fmt.Errorf("op %s has unknown kind %q", o.ID, o.Kind)
	}
	return nil
}

// Log is the ordered pending-operation log. It is not safe for concurrent use;
// the engine serialises access.
type Log struct {
	ops     []Op
	nextSeq uint64
	now     func() time.Time
}

// New creates an empty log.
func New() *Log {
	return &Log{nextSeq: 1, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the enqueue clock (tests).
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append adds an op, filling ID, EnqueuedAt and Seq, and returns the stored copy.
func (l *Log) Append(op Op) Op {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = l.now()
	}
	op.Seq = l.nextSeq
	l.nextSeq++
	l.ops = append(l.ops, op)
	return op
}

// Len returns the number of pending ops.
func (l *Log) Len() int {
	return len(l.ops)
}

// Ops returns a copy of the log in enqueue order.
func (l *Log) Ops() []Op {
	out := make([]Op, len(l.ops))
	copy(out, l.ops)
	return out
}

// Snapshot returns a copy of the log in replay order: EnqueuedAt ascending,
// ties broken by enqueue order.
func (l *Log) Snapshot() []Op {
	out := l.Ops()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Get returns the live op with id.
func (l *Log) Get(id string) (Op, bool) {
	if i := l.index(id); i >= 0 {
		return l.ops[i], true
	}
	return Op{}, false
}

// Contains reports whether an op with id is still queued.
func (l *Log) Contains(id string) bool {
	return l.index(id) >= 0
}

// Remove drops the op with id. It reports whether the op was still queued,
// which is how late results are matched against a log that may have changed.
func (l *Log) Remove(id string) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.ops = append(l.ops[:i], l.ops[i+1:]...)
	return true
}

// Mutate applies fn to the live op with id.
func (l *Log) Mutate(id string, fn func(*Op)) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	fn(&l.ops[i])
	return true
}

// PurgeTarget removes every op aimed at target and returns how many were removed.
func (l *Log) PurgeTarget(target notes.Identity) int {
	kept := l.ops[:0]
	removed := 0
	for _, op := range l.ops {
		if op.Target == target {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	l.ops = kept
	return removed
}

// Retarget points every op aimed at from to to instead and returns how many
// were changed. Used once a local note has been translated to its remote id.
func (l *Log) Retarget(from, to notes.Identity) int {
	changed := 0
	for i := range l.ops {
		if l.ops[i].Target == from {
			l.ops[i].Target = to
			changed++
		}
	}
	return changed
}

// HasTarget reports whether any queued op targets one of ids.
func (l *Log) HasTarget(ids ...notes.Identity) bool {
	for _, op := range l.ops {
		for _, id := range ids {
			if op.Target == id {
				return true
			}
		}
	}
	return false
}

// Restore replaces the log with ops loaded from storage, keeping enqueue order.
func (l *Log) Restore(ops []Op) error {
	restored := make([]Op, 0, len(ops))
	var maxSeq uint64
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("restore pending log: %w", err)
		}
		if seen[op.ID] {
			return fmt.Errorf("restore pending log: duplicate op %s", op.ID)
		}
		seen[op.ID] = true
		if op.Seq > maxSeq {
			maxSeq = op.Seq
		}
		restored = append(restored, op)
	}
	sort.SliceStable(restored, func(i, j int) bool { return restored[i].Seq < restored[j].Seq })
	l.ops = restored
	l.nextSeq = maxSeq + 1
	return nil
}

func (l *Log) index(id string) int {
	for i := range l.ops {
		if l.ops[i].ID == id {
			return i
		}
	}
	return -1
}
