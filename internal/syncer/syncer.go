// Package syncer keeps content in step with cache records. It reacts to the
// record change feed by fetching new records, flipping IsDownloaded once content
// is placed, and evicting records marked for deletion.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/logging"
	"github.com/mmcdole/rescache/internal/metrics"
	"github.com/mmcdole/rescache/internal/store"
)

// Records is the persistence the syncer reads and commits through.
type Records interface {
	Subscribe(fn func(domain.ChangeBatch)) (unsubscribe func())
	Update(fn func(tx *store.Tx) error) error
	Record(key string) (domain.CacheRecord, bool)
	Records() []domain.CacheRecord
}

// Requester starts fetches and evictions.
type Requester interface {
	Request(req domain.FetchRequest, done func(domain.FetchResult, error))
	Cancel(req domain.FetchRequest) error
}

// Publisher broadcasts cached-state changes.
type Publisher interface {
	Publish(change domain.Change)
}

// Syncer subscribes to record commits and drives fetches and evictions.
type Syncer struct {
	records   Records
	requester Requester
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	unsubscribe func()
}

// Option configures a Syncer.
type Option func(*Syncer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// New creates a Syncer. Call Start to begin observing commits.
func New(records Records, requester Requester, publisher Publisher, opts ...Option) *Syncer {
	s := &Syncer{
		records:   records,
		requester: requester,
		publisher: publisher,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start subscribes to the change feed. Calling Start twice is a no-op.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return
	}
	s.unsubscribe = s.records.Subscribe(s.handle)
}

// Stop unsubscribes from the change feed. In-flight fetches still complete
// and commit their results.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Resync re-requests every record still awaiting content and re-issues every
// pending eviction. It recovers work interrupted by a crash or a failed commit.
// Returns the number of records acted on.
func (s *Syncer) Resync() int {
	n := 0
	for _, rec := range s.records.Records() {
		switch {
		case rec.PendingDelete:
			s.evict(rec)
		case rec.NeedsDownload():
			s.request(rec)
		default:
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("resync issued work", "count", n)
	}
	return n
}

func (s *Syncer) handle(batch domain.ChangeBatch) {
	for _, rec := range batch.Inserted {
		switch {
		case rec.PendingDelete:
			s.evict(rec)
		case rec.NeedsDownload():
			s.request(rec)
		}
	}
	for _, ch := range batch.Updated {
		switch {
		case ch.New.PendingDelete && !ch.Old.PendingDelete:
			s.evict(ch.New)
		case ch.Old.MigrationPending && ch.New.NeedsDownload():
			// Migration resolved without content
			s.request(ch.New)
		case ch.Old.PendingDelete && ch.New.NeedsDownload():
			// Re-added before the eviction committed
			s.request(ch.New)
		}
	}
}

func (s *Syncer) request(rec domain.CacheRecord) {
	key := rec.Key
	s.requester.Request(rec.FetchRequest(), func(res domain.FetchResult, err error) {
		switch {
		case errors.Is(err, context.Canceled):
			s.requeue(key)
		case err != nil:
			s.logger.Info("download did not complete", "key", key, "error", err)
		default:
			s.markDownloaded(key, res.ETag)
		}
	})
}

// requeue re-requests a cancelled download whose record still needs content.
// Evicting one item cancels every fetch of its group, so siblings land here.
func (s *Syncer) requeue(key string) {
	rec, ok := s.records.Record(key)
	if !ok || !rec.NeedsDownload() {
		s.logger.Debug("download cancelled", "key", key)
		return
	}
	s.logger.Debug("re-requesting cancelled download", "key", key, "group", rec.GroupKey)
	s.request(rec)
}

func (s *Syncer) markDownloaded(key, etag string) {
	changed := false
	err := s.records.Update(func(tx *store.Tx) error {
		rec, ok, err := tx.Get(key)
		if err != nil || !ok || rec.IsDownloaded || rec.PendingDelete {
			return err
		}
		rec.IsDownloaded = true
		if etag != "" {
			rec.ETag = etag
		}
		changed = true
		return tx.Put(rec)
	})
	if err != nil {
		s.metrics.CommitFailed()
		logging.Fatal(s.logger, "failed to commit downloaded flag", "key", key, "error", err)
		return
	}
	if changed {
		s.publisher.Publish(domain.Change{ItemKey: key, IsDownloaded: true})
	}
}

func (s *Syncer) evict(rec domain.CacheRecord) {
	if err := s.requester.Cancel(rec.FetchRequest()); err != nil {
		s.logger.Error("failed to evict resource", "key", rec.Key, "error", err)
		return
	}

	deleted := false
	err := s.records.Update(func(tx *store.Tx) error {
		cur, ok, err := tx.Get(rec.Key)
		if err != nil || !ok || !cur.PendingDelete {
			return err
		}
		tx.Delete(rec.Key)
		deleted = true
		return nil
	})
	if err != nil {
		s.metrics.CommitFailed()
		logging.Fatal(s.logger, "failed to commit record deletion", "key", rec.Key, "error", err)
		return
	}
	if deleted {
		s.publisher.Publish(domain.Change{ItemKey: rec.Key, IsDownloaded: false})
	}
}
