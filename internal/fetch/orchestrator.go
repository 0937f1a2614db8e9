// Package fetch orchestrates downloads into the content store.
//
// Every Request is tracked under its group from before the download starts until
// after its observers have been notified, so CancelGroup can always reach it and
// completion never leaks a tracker entry.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mmcdole/rescache/internal/content"
	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/keyhash"
	"github.com/mmcdole/rescache/internal/metrics"
	"github.com/mmcdole/rescache/internal/tasks"
)

const defaultMaxConcurrent = 4

// ErrMissingTempFile indicates a fetch reported success without a payload location.
var ErrMissingTempFile = errors.New("fetch succeeded without a temporary file")

// BlobStore is the subset of the content store the orchestrator writes through.
// Keys are content keys (keyhash.ContentKey of item and variant).
type BlobStore interface {
	Put(tempPath, key, mimeType string) (content.PutResult, error)
	PutHeader(key string, header http.Header) error
	ETag(key string) string
	Remove(key string) error
}

// Orchestrator runs fire-and-forget fetches and routes results into a BlobStore.
type Orchestrator struct {
	fetcher domain.Fetcher
	blobs   BlobStore
	tracker *tasks.Tracker
	resolve domain.URLResolver
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Metrics

	obsMu     sync.RWMutex
	observers []observer
	nextObsID int

	ctx     context.Context
	stop    context.CancelFunc
	closeMu sync.RWMutex
	closed  bool

	// Requests in flight; Request may run while Wait blocks.
	activeMu sync.Mutex
	idle     *sync.Cond
	active   int
}

type observer struct {
	id  int
	obs domain.FetchObserver
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver sets the item key to URL transform. Defaults to IdentityResolver.
func WithResolver(resolve domain.URLResolver) Option {
	return func(o *Orchestrator) { o.resolve = resolve }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithMaxConcurrent bounds the number of simultaneous downloads.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates an Orchestrator.
func New(fetcher domain.Fetcher, blobs BlobStore, tracker *tasks.Tracker, opts ...Option) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		fetcher: fetcher,
		blobs:   blobs,
		tracker: tracker,
		resolve: IdentityResolver,
		sem:     semaphore.NewWeighted(defaultMaxConcurrent),
		ctx:     ctx,
		stop:    stop,
	}
	o.idle = sync.NewCond(&o.activeMu)
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// AddObserver registers an observer for every subsequent outcome and returns a
// function that removes it.
func (o *Orchestrator) AddObserver(obs domain.FetchObserver) (remove func()) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.nextObsID++
	id := o.nextObsID
	o.observers = append(o.observers, observer{id: id, obs: obs})

	return func() {
		o.obsMu.Lock()
		defer o.obsMu.Unlock()
		for i, e := range o.observers {
			if e.id == id {
				o.observers = append(o.observers[:i:i], o.observers[i+1:]...)
				return
			}
		}
	}
}

// Request fetches req in the background. Observers and done (which may be nil)
// are invoked exactly once with the outcome. Concurrent requests for the same
// item are not merged; each runs and places independently.
func (o *Orchestrator) Request(req domain.FetchRequest, done func(domain.FetchResult, error)) {
	url, err := o.resolve(req.ItemKey)
	if err != nil {
		o.finishAdd(req, domain.FetchResult{}, fmt.Errorf("resolve %s: %w", req.ItemKey, err), done)
		return
	}

	o.closeMu.RLock()
	if o.closed {
		o.closeMu.RUnlock()
		o.finishAdd(req, domain.FetchResult{}, domain.ErrClosed, done)
		return
	}
	handle := tasks.NewHandle()
	ctx, cancel := context.WithCancel(o.ctx)
	o.tracker.Track(req.GroupKey, handle, cancel)
	o.begin()
	o.closeMu.RUnlock()

	go func() {
		defer o.end()
		defer cancel()
		// Untrack runs last on every path
		defer o.tracker.Untrack(req.GroupKey, handle)

		start := time.Now()
		res, err := o.fetchAndPlace(ctx, req, url)
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		o.metrics.FetchCompleted(outcome, time.Since(start).Seconds())
		o.finishAdd(req, res, err, done)
	}()
}

func (o *Orchestrator) fetchAndPlace(ctx context.Context, req domain.FetchRequest, url string) (domain.FetchResult, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return domain.FetchResult{}, err
	}
	defer o.sem.Release(1)

	key := keyhash.ContentKey(req.ItemKey, req.Variant)
	etag := o.blobs.ETag(key)
	o.logger.Debug("fetching resource", "key", req.ItemKey, "variant", req.Variant, "url", url, "etag", etag)

	dl, err := o.fetcher.Download(ctx, url, etag)
	if err != nil {
		return domain.FetchResult{}, err
	}
	if dl != nil && dl.NotModified && etag != "" {
		o.logger.Debug("resource not modified", "key", req.ItemKey, "etag", etag)
		return domain.FetchResult{ETag: etag, NotModified: true}, nil
	}
	if dl == nil || dl.TempPath == "" {
		return domain.FetchResult{}, ErrMissingTempFile
	}

	result, err := o.blobs.Put(dl.TempPath, key, dl.MimeType)
	if err != nil {
		o.discard(dl.TempPath)
		return domain.FetchResult{}, err
	}
	o.logger.Debug("stored resource", "key", req.ItemKey, "result", result.String())

	if result == content.AlreadyExists {
		// The first placement's headers describe the stored bytes
		return domain.FetchResult{ETag: o.blobs.ETag(key)}, nil
	}
	if dl.Header != nil {
		if err := o.blobs.PutHeader(key, dl.Header); err != nil {
			o.logger.Warn("failed to write resource headers", "key", req.ItemKey, "error", err)
		}
	}
	return domain.FetchResult{ETag: dl.ETag}, nil
}

func (o *Orchestrator) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("failed to remove temp file", "path", path, "error", err)
	}
}

func (o *Orchestrator) finishAdd(req domain.FetchRequest, res domain.FetchResult, err error, done func(domain.FetchResult, error)) {
	if err != nil {
		o.logger.Error("failed to fetch resource", "group", req.GroupKey, "key", req.ItemKey, "error", err)
	}
	for _, obs := range o.snapshotObservers() {
		if err != nil {
			obs.DidFailAdd(req.GroupKey, req.ItemKey, err)
		} else {
			obs.DidAdd(req.GroupKey, req.ItemKey)
		}
	}
	if done != nil {
		done(res, err)
	}
}

// Cancel evicts req: every in-flight fetch of its group is cancelled and the
// stored blob is removed. A fetch already past its last cancellation point may
// still place its blob afterwards.
func (o *Orchestrator) Cancel(req domain.FetchRequest) error {
	o.CancelGroup(req.GroupKey)

	err := o.blobs.Remove(keyhash.ContentKey(req.ItemKey, req.Variant))
	for _, obs := range o.snapshotObservers() {
		if err != nil {
			obs.DidFailRemove(req.GroupKey, req.ItemKey, err)
		} else {
			obs.DidRemove(req.GroupKey, req.ItemKey)
		}
	}
	if err != nil {
		o.logger.Error("failed to remove resource", "group", req.GroupKey, "key", req.ItemKey, "error", err)
		return err
	}
	return nil
}

// CancelGroup cancels every in-flight fetch of groupKey without waiting.
func (o *Orchestrator) CancelGroup(groupKey string) int {
	n := o.tracker.CancelAll(groupKey)
	if n > 0 {
		o.logger.Info("cancelled fetches", "group", groupKey, "count", n)
	}
	return n
}

func (o *Orchestrator) begin() {
	o.activeMu.Lock()
	o.active++
	o.activeMu.Unlock()
}

func (o *Orchestrator) end() {
	o.activeMu.Lock()
	o.active--
	if o.active == 0 {
		o.idle.Broadcast()
	}
	o.activeMu.Unlock()
}

// Wait blocks until no request is in flight, including requests issued from
// completion callbacks while waiting.
func (o *Orchestrator) Wait() {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	for o.active > 0 {
		o.idle.Wait()
	}
}

// Close cancels all in-flight fetches and waits for their completions.
// Requests issued after Close fail with domain.ErrClosed.
func (o *Orchestrator) Close() {
	o.closeMu.Lock()
	o.closed = true
	o.closeMu.Unlock()

	o.stop()
	o.Wait()
}

func (o *Orchestrator) snapshotObservers() []domain.FetchObserver {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	out := make([]domain.FetchObserver, len(o.observers))
	for i, e := range o.observers {
		out[i] = e.obs
	}
	return out
}
