// Package workspace keeps per-project working directories durable.
//
// Working directories live on ephemeral disk. The manager restores a
// project's directory from its latest snapshot when a turn finds it
// missing, and a background cycle archives dirty directories back to
// the durable store. One exclusive lease per project serializes
// turns, restores, and snapshots against each other.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/workdeck-ai/workdeck/internal/event"
	"github.com/workdeck-ai/workdeck/internal/logging"
	"github.com/workdeck-ai/workdeck/internal/store"
	"github.com/workdeck-ai/workdeck/pkg/types"
)

// SnapshotStore is the durable blob store boundary. Writes are atomic:
// a restorer never observes a partially written snapshot.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, projectID string, blob []byte) (*types.SnapshotRef, error)
	GetLatestSnapshot(ctx context.Context, projectID string) ([]byte, *types.SnapshotRef, error)
}

// Manager owns workspace existence, the per-project lease, and the
// backup cycle.
type Manager struct {
	root   string
	store  SnapshotStore
	bus    *event.Bus
	ignore []string
	log    zerolog.Logger

	reg *registry
}

type registry struct {
	mu      chan struct{} // 1-token semaphore; avoids lock ordering with entry mutexes
	entries map[string]*entry
}

func newRegistry() *registry {
	r := &registry{
		mu:      make(chan struct{}, 1),
		entries: make(map[string]*entry),
	}
	r.mu <- struct{}{}
	return r
}

func (r *registry) get(projectID string) *entry {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	e, ok := r.entries[projectID]
	if !ok {
		e = newEntry()
		r.entries[projectID] = e
	}
	return e
}

func (r *registry) ids() []string {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string, snapshots SnapshotStore, bus *event.Bus, ignore []string) *Manager {
	return &Manager{
		root:   root,
		store:  snapshots,
		bus:    bus,
		ignore: ignore,
		log:    logging.For("workspace"),
		reg:    newRegistry(),
	}
}

// Dir returns the working directory path for a project.
func (m *Manager) Dir(projectID string) string {
	return filepath.Join(m.root, projectID)
}

// Lease is exclusive ownership of a project's workspace for the
// duration of one turn.
type Lease struct {
	m         *Manager
	e         *entry
	projectID string
	dir       string
	released  bool
}

// Dir is the leased working directory.
func (l *Lease) Dir() string { return l.dir }

// Release returns the lease. Idempotent.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.e.release()
}

// Acquire takes the project's workspace lease, restoring or creating
// the working directory first if it is missing. It blocks while a
// snapshot or another holder is active.
func (m *Manager) Acquire(ctx context.Context, projectID string) (*Lease, error) {
	e := m.reg.get(projectID)
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	dir := m.Dir(projectID)
	if err := m.ensureLocked(ctx, e, projectID, dir); err != nil {
		e.release()
		return nil, err
	}

	return &Lease{m: m, e: e, projectID: projectID, dir: dir}, nil
}

// EnsureLocal guarantees the project's working directory exists
// locally, restoring from the latest snapshot if needed, and returns
// its path. Idempotent: a present directory is never re-fetched.
func (m *Manager) EnsureLocal(ctx context.Context, projectID string) (string, error) {
	lease, err := m.Acquire(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	return lease.Dir(), nil
}

// ensureLocked runs with the lease held.
func (m *Manager) ensureLocked(ctx context.Context, e *entry, projectID, dir string) error {
	if _, err := os.Stat(dir); err == nil {
		e.mu.Lock()
		if e.state == StateUnknown {
			e.state = StateLocalFresh
		}
		e.mu.Unlock()
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat workspace: %w", err)
	}

	e.mu.Lock()
	e.state = StateRestoring
	e.mu.Unlock()

	fresh, err := m.restore(ctx, projectID, dir)

	e.mu.Lock()
	if err != nil {
		e.state = StateUnknown
	} else if e.dirty {
		e.state = StateLocalDirty
	} else {
		e.state = StateLocalFresh
	}
	e.mu.Unlock()

	if err == nil && m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.WorkspaceRestored,
			Data: event.WorkspaceRestoredData{ProjectID: projectID, FromSnapshot: fresh != nil, Version: refVersion(fresh)},
		})
	}
	return err
}

// restore materializes the working directory from the latest snapshot,
// or empty on first use. The unpack goes to a temporary sibling that
// is renamed into place, so a crash mid-restore never leaves a
// half-populated directory.
func (m *Manager) restore(ctx context.Context, projectID, dir string) (*types.SnapshotRef, error) {
	blob, ref, err := m.store.GetLatestSnapshot(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Info().Str("projectID", projectID).Msg("no snapshot, creating empty workspace")
		return nil, os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	tmp, err := os.MkdirTemp(m.root, ".restore-"+projectID+"-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	if err := unpackArchive(blob, tmp); err != nil {
		// Unreadable snapshot. Falling back to an empty workspace
		// loses data, which is why this logs at error level even
		// though the turn proceeds.
		m.log.Error().
			Err(err).
			Str("projectID", projectID).
			Int64("version", ref.Version).
			Msg("snapshot corrupt, starting with empty workspace")
		return nil, os.MkdirAll(dir, 0o755)
	}

	// MkdirTemp creates 0700; match the first-use workspace mode.
	if err := os.Chmod(tmp, 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return nil, fmt.Errorf("move restored workspace into place: %w", err)
	}

	m.log.Info().
		Str("projectID", projectID).
		Int64("version", ref.Version).
		Int64("size", ref.Size).
		Msg("workspace restored from snapshot")
	return ref, nil
}

// MarkDirty records that the project's workspace has changes not yet
// covered by a snapshot. Idempotent.
func (m *Manager) MarkDirty(projectID string) {
	m.reg.get(projectID).markDirty()
}

// SeedDirty conservatively marks projects dirty, used at startup when
// the in-memory dirty flags from the previous process are gone.
func (m *Manager) SeedDirty(projectIDs []string) {
	for _, id := range projectIDs {
		m.MarkDirty(id)
	}
}

// State reports the project's current workspace state.
func (m *Manager) State(projectID string) State {
	s, _, _ := m.reg.get(projectID).status()
	return s
}

// SnapshotProject archives the project's working directory to the
// durable store. It fails fast with ErrWorkspaceBusy when the lease is
// held, and never runs concurrently with a restore or another
// snapshot of the same project.
func (m *Manager) SnapshotProject(ctx context.Context, projectID string) error {
	e := m.reg.get(projectID)

	gen, err := e.beginSnapshot()
	if err != nil {
		return err
	}

	ref, err := m.snapshotLocked(ctx, projectID)
	e.endSnapshot(gen, err == nil)

	if err != nil {
		if m.bus != nil {
			m.bus.Publish(event.Event{
				Type: event.SnapshotFailed,
				Data: event.SnapshotFailedData{ProjectID: projectID, Error: err.Error()},
			})
		}
		return err
	}
	if ref != nil && m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.SnapshotCompleted,
			Data: event.SnapshotCompletedData{ProjectID: projectID, Version: ref.Version, Size: ref.Size},
		})
	}
	return nil
}

func (m *Manager) snapshotLocked(ctx context.Context, projectID string) (*types.SnapshotRef, error) {
	dir := m.Dir(projectID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		// Nothing local to archive; the last stored snapshot stands.
		return nil, nil
	}

	blob, err := packArchive(dir, m.ignore)
	if err != nil {
		return nil, err
	}

	// Short retry with jitter for transient store errors; anything
	// that survives it waits for the next cycle.
	var ref *types.SnapshotRef
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err = backoff.Retry(func() error {
		var putErr error
		ref, putErr = m.store.PutSnapshot(ctx, projectID, blob)
		return putErr
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	m.log.Info().
		Str("projectID", projectID).
		Int64("version", ref.Version).
		Int64("size", ref.Size).
		Msg("workspace snapshot stored")
	return ref, nil
}

// BackupCycle scans all known projects and snapshots the dirty ones.
// Busy workspaces and failed snapshots stay dirty for the next cycle.
func (m *Manager) BackupCycle(ctx context.Context) {
	for _, projectID := range m.reg.ids() {
		_, held, dirty := m.reg.get(projectID).status()
		if !dirty || held {
			continue
		}

		switch err := m.SnapshotProject(ctx, projectID); {
		case err == nil:
		case errors.Is(err, ErrWorkspaceBusy):
			m.log.Debug().Str("projectID", projectID).Msg("workspace busy, backup deferred")
		default:
			m.log.Error().Err(err).Str("projectID", projectID).Msg("snapshot failed, will retry next cycle")
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// Run drives the backup cycle at a fixed interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", interval).Msg("backup loop started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("backup loop stopped")
			return
		case <-ticker.C:
			m.BackupCycle(ctx)
		}
	}
}

func refVersion(ref *types.SnapshotRef) int64 {
	if ref == nil {
		return 0
	}
	return ref.Version
}
