// Package pipeline fronts the external character-generation tooling: a
// readiness watcher for generated models, runners for the batch scripts and
// the scene selection file the renderer reads.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prober checks whether an object exists in blob storage. The character
// storage layer satisfies it.
type Prober interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// JobState describes where a model job is in its lifecycle.
type JobState string

const (
	StatePending   JobState = "pending"
	StateReady     JobState = "ready"
	StateTimedOut  JobState = "timed_out"
	StateCancelled JobState = "cancelled"
)

// terminal reports whether the state can no longer change.
func (s JobState) terminal() bool {
	return s != StatePending
}

// Snapshot is a point-in-time view of a model job.
type Snapshot struct {
	ID        string   `json:"id"`
	BaseName  string   `json:"base_name"`
	Key       string   `json:"key"`
	State     JobState `json:"state"`
	Attempts  int      `json:"attempts"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

type job struct {
	mu          sync.Mutex
	snapshot    Snapshot
	cancel      context.CancelFunc
	subscribers map[chan Snapshot]struct{}
}

func (j *job) update(mutate func(*Snapshot)) Snapshot {
	j.mu.Lock()
	mutate(&j.snapshot)
	j.snapshot.UpdatedAt = time.Now().Unix()
	current := j.snapshot
	listeners := make([]chan Snapshot, 0, len(j.subscribers))
	for ch := range j.subscribers {
		listeners = append(listeners, ch)
	}
	j.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- current:
		default:
			// A stalled subscriber drops updates instead of blocking the
			// poll loop; the final state is still delivered on subscribe.
		}
	}
	return current
}

func (j *job) view() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot
}

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("pipeline: job not found")

// Manager tracks model readiness jobs. One job polls the blob store for the
// generated file until it appears, the attempt budget runs out or the job is
// cancelled.
type Manager struct {
	prober      Prober
	interval    time.Duration
	maxAttempts int
	tempPrefix  string

	mu   sync.Mutex
	jobs map[string]*job
}

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxAttempts  = 600
	defaultTempPrefix   = "fbx/temp"
)

// NewManager builds a watcher with explicit settings, mainly for tests.
func NewManager(prober Prober, interval time.Duration, maxAttempts int, tempPrefix string) *Manager {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if strings.TrimSpace(tempPrefix) == "" {
		tempPrefix = defaultTempPrefix
	}
	return &Manager{
		prober:      prober,
		interval:    interval,
		maxAttempts: maxAttempts,
		tempPrefix:  strings.Trim(strings.TrimSpace(tempPrefix), "/"),
		jobs:        make(map[string]*job),
	}
}

// NewManagerFromEnv reads MODEL_POLL_INTERVAL (Go duration or bare seconds),
// MODEL_POLL_MAX_ATTEMPTS and MODEL_TEMP_PREFIX, falling back to the
// generator pipeline's defaults: three seconds, six hundred attempts,
// fbx/temp.
func NewManagerFromEnv(prober Prober) *Manager {
	interval := defaultPollInterval
	if raw := strings.TrimSpace(os.Getenv("MODEL_POLL_INTERVAL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			interval = parsed
		} else if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			interval = time.Duration(seconds) * time.Second
		}
	}

	maxAttempts := defaultMaxAttempts
	if raw := strings.TrimSpace(os.Getenv("MODEL_POLL_MAX_ATTEMPTS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxAttempts = parsed
		}
	}

	return NewManager(prober, interval, maxAttempts, os.Getenv("MODEL_TEMP_PREFIX"))
}

// JobKey is the object key the generator drops when a model is done.
func (m *Manager) JobKey(baseName string) string {
	return fmt.Sprintf("%s/%s_init.fbx", m.tempPrefix, baseName)
}

// Start registers a new job for baseName and begins polling.
func (m *Manager) Start(baseName string) (Snapshot, error) {
	trimmed := strings.TrimSpace(baseName)
	if trimmed == "" {
		return Snapshot{}, errors.New("pipeline: base name is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().Unix()
	j := &job{
		snapshot: Snapshot{
			ID:        uuid.NewString(),
			BaseName:  trimmed,
			Key:       m.JobKey(trimmed),
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel:      cancel,
		subscribers: make(map[chan Snapshot]struct{}),
	}

	m.mu.Lock()
	m.jobs[j.snapshot.ID] = j
	m.mu.Unlock()

	go m.poll(ctx, j)
	return j.view(), nil
}

func (m *Manager) poll(ctx context.Context, j *job) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.update(func(s *Snapshot) {
				if !s.State.terminal() {
					s.State = StateCancelled
				}
			})
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.interval)
		exists, err := m.prober.Exists(probeCtx, j.view().Key)
		cancel()

		snapshot := j.update(func(s *Snapshot) {
			s.Attempts++
			switch {
			case err == nil && exists:
				s.State = StateReady
			case s.Attempts >= m.maxAttempts:
				s.State = StateTimedOut
			}
		})
		if snapshot.State.terminal() {
			return
		}
	}
}

// Job returns the current snapshot for id.
func (m *Manager) Job(id string) (Snapshot, error) {
	j, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return j.view(), nil
}

// Cancel stops a pending job. Cancelling a finished job is a no-op.
func (m *Manager) Cancel(id string) (Snapshot, error) {
	j, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	j.cancel()
	return j.update(func(s *Snapshot) {
		if !s.State.terminal() {
			s.State = StateCancelled
		}
	}), nil
}

// Subscribe returns a channel carrying state updates for id, primed with the
// current snapshot. The returned function detaches the subscription.
func (m *Manager) Subscribe(id string) (<-chan Snapshot, func(), error) {
	j, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Snapshot, 8)
	j.mu.Lock()
	j.subscribers[ch] = struct{}{}
	ch <- j.snapshot
	j.mu.Unlock()

	detach := func() {
		j.mu.Lock()
		delete(j.subscribers, ch)
		j.mu.Unlock()
	}
	return ch, detach, nil
}

func (m *Manager) lookup(id string) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}
