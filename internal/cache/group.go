package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mmcdole/rescache/internal/domain"
)

// ErrEvicted reports an item removed before its fetch completed.
var ErrEvicted = errors.New("item evicted before download completed")

// GroupResult is the outcome of AddGroup. Every requested key appears in
// exactly one of Downloaded, Failed or Pending.
type GroupResult struct {
	GroupKey   string
	Downloaded []string
	Failed     map[string]error
	Pending    []string // Still fetching when the context ended
}

// Complete reports whether every key was downloaded.
func (r GroupResult) Complete() bool {
	return len(r.Failed) == 0 && len(r.Pending) == 0
}

// Err summarizes the failures, or returns nil when the group is complete.
func (r GroupResult) Err() error {
	if r.Complete() {
		return nil
	}
	errs := make([]error, 0, len(r.Failed)+1)
	for _, key := range sortedKeys(r.Failed) {
		errs = append(errs, fmt.Errorf("%s: %w", key, r.Failed[key]))
	}
	if len(r.Pending) > 0 {
		errs = append(errs, fmt.Errorf("%d item(s) still pending", len(r.Pending)))
	}
	return errors.Join(errs...)
}

// groupWaiter resolves each key of one group the first time an outcome is
// seen for it.
type groupWaiter struct {
	groupKey string

	mu       sync.Mutex
	pending  map[string]struct{}
	result   GroupResult
	finished chan struct{}
}

func newGroupWaiter(groupKey string, keys []string) *groupWaiter {
	w := &groupWaiter{
		groupKey: groupKey,
		pending:  make(map[string]struct{}, len(keys)),
		result:   GroupResult{GroupKey: groupKey, Failed: map[string]error{}},
		finished: make(chan struct{}),
	}
	for _, k := range keys {
		w.pending[k] = struct{}{}
	}
	if len(w.pending) == 0 {
		close(w.finished)
	}
	return w
}

func (w *groupWaiter) resolve(key string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[key]; !ok {
		return
	}
	delete(w.pending, key)
	if err != nil {
		w.result.Failed[key] = err
	} else {
		w.result.Downloaded = append(w.result.Downloaded, key)
	}
	if len(w.pending) == 0 {
		close(w.finished)
	}
}

func (w *groupWaiter) snapshot() GroupResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := w.result
	res.Downloaded = append([]string(nil), w.result.Downloaded...)
	sort.Strings(res.Downloaded)
	res.Failed = make(map[string]error, len(w.result.Failed))
	for k, err := range w.result.Failed {
		res.Failed[k] = err
	}
	for k := range w.pending {
		res.Pending = append(res.Pending, k)
	}
	sort.Strings(res.Pending)
	return res
}

func (w *groupWaiter) OnChange(change domain.Change) {
	if change.IsDownloaded {
		w.resolve(change.ItemKey, nil)
	} else {
		w.resolve(change.ItemKey, ErrEvicted)
	}
}

func (w *groupWaiter) DidAdd(string, string) {}

func (w *groupWaiter) DidFailAdd(groupKey, itemKey string, err error) {
	// Cancelled fetches are requeued or end in an eviction change
	if groupKey != w.groupKey || errors.Is(err, context.Canceled) {
		return
	}
	w.resolve(itemKey, err)
}

func (w *groupWaiter) DidRemove(string, string)            {}
func (w *groupWaiter) DidFailRemove(string, string, error) {}

// AddGroup adds every item of groupKey and blocks until each one is downloaded,
// has failed, or ctx ends. Keys still fetching when ctx ends are reported in
// Pending along with ctx's error; they keep fetching in the background.
func (c *Cache) AddGroup(ctx context.Context, groupKey string, itemKeys []string) (GroupResult, error) {
	return c.AddGroupVariant(ctx, groupKey, "", itemKeys)
}

// AddGroupVariant is AddGroup with every item added as variant.
func (c *Cache) AddGroupVariant(ctx context.Context, groupKey, variant string, itemKeys []string) (GroupResult, error) {
	keys := dedupe(itemKeys)
	w := newGroupWaiter(groupKey, keys)

	unsubscribe := c.hub.Subscribe(w)
	defer unsubscribe()
	removeObserver := c.AddObserver(w)
	defer removeObserver()

	for _, key := range keys {
		if err := c.AddVariant(groupKey, key, variant); err != nil {
			w.resolve(key, err)
			continue
		}
		if rec, ok := c.records.Record(key); ok && rec.IsDownloaded && !rec.PendingDelete {
			w.resolve(key, nil)
		}
	}

	select {
	case <-w.finished:
		return w.snapshot(), nil
	case <-ctx.Done():
		return w.snapshot(), ctx.Err()
	}
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
