package workspace

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseExclusivity(t *testing.T) {
	e := newEntry()
	ctx := context.Background()

	require.NoError(t, e.acquire(ctx))
	_, err := e.beginSnapshot()
	assert.ErrorIs(t, err, ErrWorkspaceBusy)
	e.release()

	gen, err := e.beginSnapshot()
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		if err := e.acquire(ctx); err == nil {
			e.release()
		}
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("acquire succeeded during snapshot")
	case <-time.After(50 * time.Millisecond):
	}

	e.endSnapshot(gen, true)
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never proceeded after snapshot ended")
	}
}

func TestEndSnapshotClearsDirtyOnlyWithoutNewWrites(t *testing.T) {
	e := newEntry()
	e.markDirty()

	gen, err := e.beginSnapshot()
	require.NoError(t, err)
	e.endSnapshot(gen, true)
	_, _, dirty := e.status()
	assert.False(t, dirty)

	e.markDirty()
	gen, err = e.beginSnapshot()
	require.NoError(t, err)
	e.markDirty() // write lands mid-archive
	e.endSnapshot(gen, true)
	_, _, dirty = e.status()
	assert.True(t, dirty, "writes during archiving must keep the entry dirty")

	// A failed snapshot never clears the flag.
	gen, err = e.beginSnapshot()
	require.NoError(t, err)
	e.endSnapshot(gen, false)
	_, _, dirty = e.status()
	assert.True(t, dirty)
}

// TestLeaseInterleavingFuzz hammers one entry with random turn and
// snapshot attempts and checks that the workspace never has two owners
// at once.
func TestLeaseInterleavingFuzz(t *testing.T) {
	e := newEntry()
	ctx := context.Background()

	var owners atomic.Int32
	hold := func() {
		if owners.Add(1) != 1 {
			t.Error("two owners held the workspace simultaneously")
		}
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		owners.Add(-1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 50; j++ {
				if rng.Intn(2) == 0 {
					if err := e.acquire(ctx); err != nil {
						continue
					}
					hold()
					e.markDirty()
					e.release()
				} else {
					gen, err := e.beginSnapshot()
					if errors.Is(err, ErrWorkspaceBusy) {
						continue
					}
					hold()
					e.endSnapshot(gen, rng.Intn(2) == 0)
				}
			}
		}(int64(i))
	}
	wg.Wait()
}
