// Package migration moves records from the legacy on-disk format into the
// content store. Each record is migrated at most once; a record whose legacy
// payload is missing or unreadable is resolved anyway and left for the sync
// loop to fetch.
package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/mmcdole/rescache/internal/content"
	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/keyhash"
	"github.com/mmcdole/rescache/internal/logging"
	"github.com/mmcdole/rescache/internal/metrics"
	"github.com/mmcdole/rescache/internal/store"
)

// Records is the persistence the adapter reads and commits through.
type Records interface {
	Record(key string) (domain.CacheRecord, bool)
	Update(fn func(tx *store.Tx) error) error
}

// BlobWriter places converted payloads.
type BlobWriter interface {
	CreateTemp() (*os.File, error)
	Put(tempPath, key, mimeType string) (content.PutResult, error)
	PutHeader(key string, header http.Header) error
}

// Publisher broadcasts cached-state changes.
type Publisher interface {
	Publish(change domain.Change)
}

// Adapter migrates legacy records on demand.
type Adapter struct {
	records   Records
	legacy    LegacyStore
	blobs     BlobWriter
	publisher Publisher
	converter Converter
	logger    *slog.Logger
	metrics   *metrics.Metrics

	inflight singleflight.Group
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithConverter replaces the default EnvelopeConverter.
func WithConverter(c Converter) Option {
	return func(a *Adapter) { a.converter = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// New creates an Adapter.
func New(records Records, legacy LegacyStore, blobs BlobWriter, publisher Publisher, opts ...Option) *Adapter {
	a := &Adapter{
		records:   records,
		legacy:    legacy,
		blobs:     blobs,
		publisher: publisher,
		converter: EnvelopeConverter{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Migrate resolves the pending migration of key. Concurrent calls for the same
// key share one attempt. Records already resolved are left alone. A missing or
// unconvertible legacy payload still resolves the record; only a missing record,
// a cancelled ctx or a failed commit is reported as an error.
func (a *Adapter) Migrate(ctx context.Context, key string) error {
	_, err, _ := a.inflight.Do(key, func() (any, error) {
		return nil, a.migrate(ctx, key)
	})
	return err
}

func (a *Adapter) migrate(ctx context.Context, key string) error {
	rec, ok := a.records.Record(key)
	if !ok {
		return fmt.Errorf("migrate %s: %w", key, domain.ErrRecordNotFound)
	}
	if !rec.MigrationPending {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	outcome := a.convertAndPlace(rec)

	// The legacy footprint goes whether or not conversion worked.
	if err := a.legacy.Remove(rec); err != nil {
		a.logger.Warn("failed to remove legacy payload", "key", key, "error", err)
	}

	placed := outcome == metrics.OutcomeSuccess
	resolved := false
	err := a.records.Update(func(tx *store.Tx) error {
		cur, ok, err := tx.Get(key)
		if err != nil || !ok || !cur.MigrationPending {
			return err
		}
		cur.MigrationPending = false
		cur.IsDownloaded = placed
		resolved = true
		return tx.Put(cur)
	})
	if err != nil {
		a.metrics.CommitFailed()
		logging.Fatal(a.logger, "failed to commit migration", "key", key, "error", err)
		return fmt.Errorf("migrate %s: %w", key, err)
	}

	a.metrics.MigrationResolved(outcome)
	a.logger.Info("migrated legacy record", "key", key, "outcome", outcome)
	if resolved && placed {
		a.publisher.Publish(domain.Change{ItemKey: key, IsDownloaded: true})
	}
	return nil
}

// convertAndPlace returns a metrics outcome: success, missing or failure.
func (a *Adapter) convertAndPlace(rec domain.CacheRecord) string {
	raw, err := a.legacy.Read(rec)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("legacy payload missing, falling back to download", "key", rec.Key)
			return metrics.OutcomeMissing
		}
		a.logger.Error("failed to read legacy payload", "key", rec.Key, "error", err)
		return metrics.OutcomeFailure
	}

	payload, err := a.converter.Convert(raw)
	if err != nil {
		a.logger.Error("failed to convert legacy payload", "key", rec.Key, "error", err)
		return metrics.OutcomeFailure
	}

	if err := a.place(keyhash.ContentKey(rec.Key, rec.Variant), payload); err != nil {
		a.logger.Error("failed to place migrated content", "key", rec.Key, "error", err)
		return metrics.OutcomeFailure
	}
	return metrics.OutcomeSuccess
}

func (a *Adapter) place(key string, payload Payload) error {
	tmp, err := a.blobs.CreateTemp()
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(payload.Data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Put consumes the temp file on every path except a failed link and copy.
	result, err := a.blobs.Put(tmpPath, key, payload.MimeType)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if result == content.Placed && payload.MimeType != "" {
		header := http.Header{}
		header.Set("Content-Type", payload.MimeType)
		if err := a.blobs.PutHeader(key, header); err != nil {
			a.logger.Warn("failed to write migrated headers", "key", key, "error", err)
		}
	}
	return nil
}

// Import inserts a migration-pending record for every legacy payload whose key
// is not yet known. Returns the number of records inserted.
func (a *Adapter) Import(ctx context.Context) (int, error) {
	entries, err := a.legacy.Scan()
	if err != nil {
		return 0, fmt.Errorf("failed to scan legacy store: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	inserted := 0
	err = a.records.Update(func(tx *store.Tx) error {
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, ok, err := tx.Get(e.Key); err != nil || ok {
				if err != nil {
					return err
				}
				continue
			}
			if err := tx.Put(domain.CacheRecord{Key: e.Key, GroupKey: e.GroupKey, MigrationPending: true}); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.logger.Info("imported legacy records", "count", inserted, "scanned", len(entries))
	return inserted, nil
}
