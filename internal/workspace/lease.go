package workspace

import (
	"context"
	"errors"
	"sync"
)

// State is a project's workspace lifecycle state.
type State int

const (
	// StateUnknown means local presence has not been checked yet.
	StateUnknown State = iota
	// StateLocalFresh means the working directory exists and every
	// change it has seen is covered by a snapshot.
	StateLocalFresh
	// StateLocalDirty means the working directory has changes not yet
	// snapshotted.
	StateLocalDirty
	// StateRestoring means a snapshot is being unpacked.
	StateRestoring
	// StateSnapshotting means an archive of the directory is being
	// written to the durable store.
	StateSnapshotting
)

func (s State) String() string {
	switch s {
	case StateLocalFresh:
		return "local-fresh"
	case StateLocalDirty:
		return "local-dirty"
	case StateRestoring:
		return "restoring"
	case StateSnapshotting:
		return "snapshotting"
	default:
		return "unknown"
	}
}

// ErrWorkspaceBusy is returned when a snapshot cannot start because
// the workspace lease is held.
var ErrWorkspaceBusy = errors.New("workspace busy")

// entry is the per-project lease and state machine. The workspace is
// exclusively owned by at most one of: an in-flight turn (held), a
// restore, or a snapshot.
type entry struct {
	mu   sync.Mutex
	cond *sync.Cond

	state State
	held  bool
	dirty bool
	// gen increments on every MarkDirty so a snapshot can tell
	// whether new changes arrived while it was archiving.
	gen uint64
}

func newEntry() *entry {
	e := &entry{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// acquire blocks until the lease is free and no restore or snapshot
// is in flight, then takes the lease.
func (e *entry) acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	for e.held || e.state == StateSnapshotting || e.state == StateRestoring {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.held = true
	return nil
}

// release returns the lease.
func (e *entry) release() {
	e.mu.Lock()
	e.held = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

// beginSnapshot transitions to Snapshotting. It fails fast instead of
// waiting: a held lease means a turn is mutating files and the cycle
// should come back later.
func (e *entry) beginSnapshot() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.held || e.state == StateSnapshotting || e.state == StateRestoring {
		return 0, ErrWorkspaceBusy
	}
	e.state = StateSnapshotting
	return e.gen, nil
}

// endSnapshot leaves Snapshotting. When the snapshot succeeded and no
// new changes arrived during archiving, the dirty flag clears.
func (e *entry) endSnapshot(gen uint64, ok bool) {
	e.mu.Lock()
	if ok && e.gen == gen {
		e.dirty = false
		e.state = StateLocalFresh
	} else if e.dirty {
		e.state = StateLocalDirty
	} else {
		e.state = StateLocalFresh
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

// markDirty flags unsnapshotted changes. Idempotent.
func (e *entry) markDirty() {
	e.mu.Lock()
	e.dirty = true
	e.gen++
	if e.state == StateLocalFresh || e.state == StateUnknown {
		e.state = StateLocalDirty
	}
	e.mu.Unlock()
}

func (e *entry) status() (State, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.held, e.dirty
}
