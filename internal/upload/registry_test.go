package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgulliver/bitsd/pkg/types"
)

func TestRegistry_CreateLookupRemove(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)

	session, err := registry.Create(filepath.Join(targetDir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Count())

	// Session ids are canonical braced GUIDs.
	parsed, err := types.ParseSessionID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, parsed)

	found, ok := registry.Lookup(session.ID)
	require.True(t, ok)
	assert.Same(t, session, found)

	_, ok = registry.Lookup("{11111111-2222-3333-4444-555555555555}")
	assert.False(t, ok)

	registry.Remove(session.ID)
	assert.Equal(t, 0, registry.Count())
	registry.Remove(session.ID) // removing an absent id is a no-op
}

func TestRegistry_UniqueIDs(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		session, err := registry.Create(filepath.Join(targetDir, fmt.Sprintf("f%d.bin", i)))
		require.NoError(t, err)
		assert.False(t, seen[session.ID], "duplicate session id %s", session.ID)
		seen[session.ID] = true
	}
}

func TestRegistry_SessionIsolation(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)

	const sessions = 8
	const fragments = 32
	const fragmentSize = 128
	total := int64(fragments * fragmentSize)

	targets := make([]string, sessions)
	ids := make([]string, sessions)
	for i := range targets {
		targets[i] = filepath.Join(targetDir, fmt.Sprintf("f%d.bin", i))
		session, err := registry.Create(targets[i])
		require.NoError(t, err)
		ids[i] = session.ID
	}

	// Each session gets a distinct fill byte so cross-writes would show up
	// in the committed bytes.
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			session, ok := registry.Lookup(ids[idx])
			assert.True(t, ok)

			fill := byte(idx + 1)
			for f := fragments - 1; f >= 0; f-- {
				payload := make([]byte, fragmentSize)
				for b := range payload {
					payload[b] = fill
				}
				start := int64(f * fragmentSize)
				_, err := session.WriteFragment(types.ByteRange{Start: start, End: start + fragmentSize}, total, payload)
				assert.NoError(t, err)
			}
			assert.NoError(t, session.Commit())
		}(i)
	}
	wg.Wait()

	for i, target := range targets {
		content, err := os.ReadFile(target)
		require.NoError(t, err)
		require.Len(t, content, int(total))
		for _, b := range content {
			require.Equal(t, byte(i+1), b, "session %d file contains foreign bytes", i)
		}
	}
}

func TestRegistry_ConcurrentSameSession(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)
	target := filepath.Join(targetDir, "file.bin")

	session, err := registry.Create(target)
	require.NoError(t, err)

	const fragments = 64
	total := int64(fragments)

	var wg sync.WaitGroup
	for f := 0; f < fragments; f++ {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			_, err := session.WriteFragment(types.ByteRange{Start: offset, End: offset + 1}, total, []byte{byte(offset)})
			assert.NoError(t, err)
		}(int64(f))
	}
	wg.Wait()

	require.True(t, session.FullyCovered())
	require.NoError(t, session.Commit())

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	for i, b := range content {
		assert.Equal(t, byte(i), b)
	}
}

func TestRegistry_SweepIdle(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)

	idle, err := registry.Create(filepath.Join(targetDir, "idle.bin"))
	require.NoError(t, err)
	idleBacking := idle.backing.Name()

	active, err := registry.Create(filepath.Join(targetDir, "active.bin"))
	require.NoError(t, err)

	// Make only the idle session look stale.
	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Hour)
	idle.mu.Unlock()

	expired := registry.SweepIdle(time.Hour)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, registry.Count())

	_, ok := registry.Lookup(idle.ID)
	assert.False(t, ok, "expired session is unknown afterwards")
	assert.NoFileExists(t, idleBacking)

	_, ok = registry.Lookup(active.ID)
	assert.True(t, ok)
	assert.Equal(t, types.StateOpen, active.State())
}

func TestRegistry_SweepDoesNotBlockRegistry(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)

	busy, err := registry.Create(filepath.Join(targetDir, "busy.bin"))
	require.NoError(t, err)

	// A fragment write in flight holds the per-session lock for the duration
	// of its disk I/O.
	busy.mu.Lock()

	done := make(chan int, 1)
	go func() { done <- registry.SweepIdle(time.Hour) }()
	time.Sleep(50 * time.Millisecond) // let the sweeper park on the busy session

	// While the sweeper waits, the registry itself must stay usable.
	ready := make(chan struct{})
	go func() {
		other, err := registry.Create(filepath.Join(targetDir, "other.bin"))
		assert.NoError(t, err)
		_, ok := registry.Lookup(other.ID)
		assert.True(t, ok)
		close(ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("registry blocked while the sweeper waited on a session lock")
	}

	busy.mu.Unlock()
	assert.Equal(t, 0, <-done, "no session was idle past the ttl")
}

func TestRegistry_SweepSkipsCommittedRace(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)
	target := filepath.Join(targetDir, "file.bin")

	session, err := registry.Create(target)
	require.NoError(t, err)
	writeRange(t, session, 0, 4, 4, []byte("data"))
	require.NoError(t, session.Commit())

	session.mu.Lock()
	session.lastActivity = time.Now().Add(-2 * time.Hour)
	session.mu.Unlock()

	// The sweep loses the race to the commit: nothing to cancel, and the
	// committed file stays put.
	registry.SweepIdle(time.Hour)
	assert.FileExists(t, target)
}

func TestRegistry_CancelAll(t *testing.T) {
	registry, targetDir := testRegistry(t, 0)

	var backings []string
	for i := 0; i < 3; i++ {
		session, err := registry.Create(filepath.Join(targetDir, fmt.Sprintf("f%d.bin", i)))
		require.NoError(t, err)
		backings = append(backings, session.backing.Name())
	}

	registry.CancelAll()
	assert.Equal(t, 0, registry.Count())
	for _, path := range backings {
		assert.NoFileExists(t, path)
	}
}
