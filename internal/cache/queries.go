package cache

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/mmcdole/rescache/internal/content"
	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/keyhash"
	"github.com/mmcdole/rescache/internal/search"
)

// Entry describes a record and, when present, its stored content.
type Entry struct {
	Record domain.CacheRecord
	Blob   *domain.StoredBlob
	Path   string
	Header http.Header // Response headers recorded with the blob, if any
}

// Stats summarizes cache state.
type Stats struct {
	Records          int
	Downloaded       int
	MigrationPending int
	PendingDelete    int
	InFlight         int
}

// Lookup returns the entry for key, migrating it first if it is still in the
// legacy format.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, error) {
	rec, ok := c.records.Record(key)
	if !ok {
		return Entry{}, domain.ErrRecordNotFound
	}

	if rec.MigrationPending && c.migrator != nil {
		if err := c.migrator.Migrate(ctx, key); err != nil {
			return Entry{}, err
		}
		if rec, ok = c.records.Record(key); !ok {
			return Entry{}, domain.ErrRecordNotFound
		}
	}

	entry := Entry{Record: rec}
	if rec.IsDownloaded {
		contentKey := keyhash.ContentKey(rec.Key, rec.Variant)
		blob, err := c.blobs.Stat(contentKey)
		switch {
		case err == nil:
			entry.Blob = &blob
			entry.Path = c.blobs.Path(contentKey)
			entry.Header, _ = c.blobs.Header(contentKey)
		case errors.Is(err, content.ErrBlobNotFound):
			c.logger.Warn("record marked downloaded but content is missing", "key", key)
		default:
			return Entry{}, err
		}
	}
	return entry, nil
}

// Open returns a reader over the stored content for key.
func (c *Cache) Open(ctx context.Context, key string) (io.ReadCloser, Entry, error) {
	entry, err := c.Lookup(ctx, key)
	if err != nil {
		return nil, Entry{}, err
	}
	if entry.Blob == nil {
		return nil, entry, content.ErrBlobNotFound
	}
	f, err := c.blobs.Open(keyhash.ContentKey(entry.Record.Key, entry.Record.Variant))
	if err != nil {
		return nil, entry, err
	}
	return f, entry, nil
}

// List returns the records of groupKey, or every record when groupKey is empty.
func (c *Cache) List(groupKey string) []domain.CacheRecord {
	if groupKey == "" {
		return c.records.Records()
	}
	return c.records.GroupRecords(groupKey)
}

// Filter fuzzy-matches query against record keys.
func (c *Cache) Filter(query string) []search.Result {
	return c.filter.Filter(query)
}

// Stats counts records by state and reports in-flight fetches.
func (c *Cache) Stats() Stats {
	var s Stats
	for _, rec := range c.records.Records() {
		s.Records++
		if rec.IsDownloaded {
			s.Downloaded++
		}
		if rec.MigrationPending {
			s.MigrationPending++
		}
		if rec.PendingDelete {
			s.PendingDelete++
		}
	}
	s.InFlight = c.tracker.Len()
	return s
}
