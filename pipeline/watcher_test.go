package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber flips to present after a set number of probes.
type fakeProber struct {
	mu         sync.Mutex
	probes     int
	readyAfter int
}

func (f *fakeProber) Exists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.readyAfter > 0 && f.probes >= f.readyAfter, nil
}

func waitForTerminal(t *testing.T, manager *Manager, id string) Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state", id)
		case <-time.After(5 * time.Millisecond):
		}
		snapshot, err := manager.Job(id)
		require.NoError(t, err)
		if snapshot.State.terminal() {
			return snapshot
		}
	}
}

func TestManagerJobBecomesReady(t *testing.T) {
	manager := NewManager(&fakeProber{readyAfter: 3}, time.Millisecond, 100, "fbx/temp")

	snapshot, err := manager.Start("Kai")
	require.NoError(t, err)
	assert.Equal(t, StatePending, snapshot.State)
	assert.Equal(t, "fbx/temp/Kai_init.fbx", snapshot.Key)

	final := waitForTerminal(t, manager, snapshot.ID)
	assert.Equal(t, StateReady, final.State)
	assert.GreaterOrEqual(t, final.Attempts, 3)
}

func TestManagerJobTimesOut(t *testing.T) {
	manager := NewManager(&fakeProber{}, time.Millisecond, 4, "fbx/temp")

	snapshot, err := manager.Start("Kai")
	require.NoError(t, err)

	final := waitForTerminal(t, manager, snapshot.ID)
	assert.Equal(t, StateTimedOut, final.State)
	assert.Equal(t, 4, final.Attempts)
}

func TestManagerCancel(t *testing.T) {
	manager := NewManager(&fakeProber{}, time.Hour, 100, "fbx/temp")

	snapshot, err := manager.Start("Kai")
	require.NoError(t, err)

	cancelled, err := manager.Cancel(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	// Terminal states stick.
	again, err := manager.Cancel(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, again.State)
}

func TestManagerSubscribeDeliversTerminalState(t *testing.T) {
	manager := NewManager(&fakeProber{readyAfter: 2}, time.Millisecond, 100, "fbx/temp")

	snapshot, err := manager.Start("Kai")
	require.NoError(t, err)

	updates, detach, err := manager.Subscribe(snapshot.ID)
	require.NoError(t, err)
	defer detach()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case update := <-updates:
			if update.State.terminal() {
				assert.Equal(t, StateReady, update.State)
				return
			}
		case <-deadline:
			t.Fatal("no terminal update received")
		}
	}
}

func TestManagerUnknownJob(t *testing.T) {
	manager := NewManager(&fakeProber{}, time.Millisecond, 1, "")

	_, err := manager.Job("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = manager.Cancel("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, _, err = manager.Subscribe("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = manager.Start("   ")
	assert.Error(t, err)
}

func TestWriteSceneValidatesName(t *testing.T) {
	t.Setenv("ENVIRONMENT_DIR", t.TempDir())

	_, err := WriteScene("Volcano")
	assert.ErrorIs(t, err, ErrInvalidScene)

	path, err := WriteScene("Park")
	require.NoError(t, err)
	assert.Contains(t, path, "selected_scene.txt")
}
