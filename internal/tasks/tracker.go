// Package tasks tracks in-flight fetches per group so a whole group can be
// cancelled at once and each fetch can deregister itself on completion.
package tasks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mmcdole/rescache/internal/metrics"
)

// NewHandle returns a tracker-local handle. Handles are distinct from resource keys
// so two fetches of the same key never untrack or cancel each other.
func NewHandle() uuid.UUID {
	return uuid.New()
}

// Tracker maps group keys to their in-flight tasks.
// A single mutex serializes Track, Untrack and CancelAll across all groups.
type Tracker struct {
	mu      sync.Mutex
	groups  map[string]map[uuid.UUID]context.CancelFunc
	total   int
	metrics *metrics.Metrics
}

// NewTracker creates an empty tracker. m may be nil.
func NewTracker(m *metrics.Metrics) *Tracker {
	return &Tracker{
		groups:  make(map[string]map[uuid.UUID]context.CancelFunc),
		metrics: m,
	}
}

// Track registers cancel under groupKey and handle.
func (t *Tracker) Track(groupKey string, handle uuid.UUID, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tasks, ok := t.groups[groupKey]
	if !ok {
		tasks = make(map[uuid.UUID]context.CancelFunc)
		t.groups[groupKey] = tasks
	}
	if _, exists := tasks[handle]; !exists {
		t.total++
	}
	tasks[handle] = cancel
	t.metrics.SetTrackedTasks(t.total)
}

// Untrack removes exactly one entry. It is a no-op if the entry is absent,
// which happens when a completion races CancelAll.
func (t *Tracker) Untrack(groupKey string, handle uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tasks, ok := t.groups[groupKey]
	if !ok {
		return
	}
	if _, exists := tasks[handle]; !exists {
		return
	}
	delete(tasks, handle)
	t.total--
	if len(tasks) == 0 {
		delete(t.groups, groupKey)
	}
	t.metrics.SetTrackedTasks(t.total)
}

// CancelAll signals cancellation to every task in the group and forgets them.
// It does not wait for the tasks to finish. Returns the number cancelled.
func (t *Tracker) CancelAll(groupKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	tasks, ok := t.groups[groupKey]
	if !ok {
		return 0
	}
	for _, cancel := range tasks {
		cancel()
	}
	n := len(tasks)
	delete(t.groups, groupKey)
	t.total -= n
	t.metrics.SetTrackedTasks(t.total)
	t.metrics.TasksCancelled(n)
	return n
}

// Count returns the number of tracked tasks for groupKey.
func (t *Tracker) Count(groupKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups[groupKey])
}

// Len returns the number of tracked tasks across all groups.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
