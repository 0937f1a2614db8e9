package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mmcdole/rescache/internal/domain"
)

const dbFileName = "records.db"

// Bucket names
var (
	bucketRecords = []byte("records")
	bucketGroups  = []byte("groups")
)

// groupSep separates group and item key in the group index.
const groupSep = 0x00

// Store persists cache records in BoltDB and publishes every commit on an
// ordered change feed.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	mu sync.RWMutex // Protects memory cache

	// In-memory cache for hot-path reads (promoted on access).
	// In memory-only mode this is the authoritative copy.
	cache map[string]domain.CacheRecord
	gen   uint64 // Bumped on every commit; guards promotion of stale reads

	writeMu sync.Mutex // Serializes transactions
	closed  bool

	feed *feed
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens the record database in dir. An empty dir selects memory-only mode.
// A database file that cannot be opened is removed and recreated once.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		cache: make(map[string]domain.CacheRecord),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err := openDB(filepath.Join(dir, dbFileName), s.logger)
		if err != nil {
			return nil, err
		}
		s.db = db
	}

	s.feed = newFeed()
	go s.feed.run()
	return s, nil
}

func openDB(path string, logger *slog.Logger) (*bolt.DB, error) {
	db, err := openAndPrepare(path)
	if err == nil {
		return db, nil
	}
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("record database is locked by another process: %w", err)
	}

	logger.Error("failed to open record database, recreating", "path", path, "error", err)
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove unusable record database: %w", rmErr)
	}
	db, err = openAndPrepare(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return db, nil
}

func openAndPrepare(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketGroups} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close stops accepting transactions, delivers every queued batch and closes
// the database.
func (s *Store) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.writeMu.Unlock()

	s.feed.close()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Subscribe registers fn for every subsequent commit. Batches arrive in commit
// order on a single dispatcher goroutine; fn may call Update.
func (s *Store) Subscribe(fn func(domain.ChangeBatch)) (unsubscribe func()) {
	return s.feed.subscribe(fn)
}

// Flush blocks until subscribers have received every batch committed before
// the call. It must not be called from a subscriber.
func (s *Store) Flush() {
	s.feed.flush()
}

// === Reads ===

// Record returns the committed record for key.
func (s *Store) Record(key string) (domain.CacheRecord, bool) {
	s.mu.RLock()
	if rec, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return rec, true
	}
	s.mu.RUnlock()

	if s.db == nil {
		return domain.CacheRecord{}, false
	}

	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	rec, ok, err := s.load(key)
	if err != nil {
		s.logger.Warn("failed to read record", "key", key, "error", err)
		return domain.CacheRecord{}, false
	}
	if !ok {
		return domain.CacheRecord{}, false
	}

	// Promote to memory cache
	s.mu.Lock()
	if s.gen == gen {
		s.cache[key] = rec
	}
	s.mu.Unlock()

	return rec, true
}

// Records returns every committed record ordered by key.
func (s *Store) Records() []domain.CacheRecord {
	if s.db == nil {
		return s.cachedRecords(func(domain.CacheRecord) bool { return true })
	}

	var recs []domain.CacheRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec domain.CacheRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("failed to list records", "error", err)
	}
	return recs
}

// GroupRecords returns the committed records of groupKey ordered by key.
func (s *Store) GroupRecords(groupKey string) []domain.CacheRecord {
	if s.db == nil {
		return s.cachedRecords(func(r domain.CacheRecord) bool { return r.GroupKey == groupKey })
	}

	var recs []domain.CacheRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		c := tx.Bucket(bucketGroups).Cursor()
		prefix := groupPrefix(groupKey)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			v := records.Get(k[len(prefix):])
			if v == nil {
				continue
			}
			var rec domain.CacheRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to list group records", "group", groupKey, "error", err)
	}
	return recs
}

func (s *Store) cachedRecords(match func(domain.CacheRecord) bool) []domain.CacheRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []domain.CacheRecord
	for _, rec := range s.cache {
		if match(rec) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs
}

// committed returns the last committed state of key.
func (s *Store) committed(key string) (domain.CacheRecord, bool, error) {
	s.mu.RLock()
	rec, ok := s.cache[key]
	s.mu.RUnlock()
	if ok || s.db == nil {
		return rec, ok, nil
	}
	return s.load(key)
}

func (s *Store) load(key string) (domain.CacheRecord, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRecords).Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return domain.CacheRecord{}, false, err
	}
	var rec domain.CacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.CacheRecord{}, false, err
	}
	return rec, true, nil
}

// === Transactions ===

// Update runs fn in a read-write transaction. Transactions are serialized.
// When fn returns nil the buffered writes are committed atomically and a
// ChangeBatch is queued for subscribers; a transaction without effective
// changes writes nothing and emits nothing.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}

	tx := &Tx{store: s, writes: make(map[string]*write)}
	if err := fn(tx); err != nil {
		return err
	}

	batch, err := tx.resolve(s.now().Unix())
	if err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	if s.db != nil {
		if err := s.db.Update(func(btx *bolt.Tx) error { return persist(btx, batch) }); err != nil {
			return fmt.Errorf("failed to commit records: %w", err)
		}
	}

	s.mu.Lock()
	s.gen++
	for _, rec := range batch.Inserted {
		s.cache[rec.Key] = rec
	}
	for _, ch := range batch.Updated {
		s.cache[ch.New.Key] = ch.New
	}
	for _, rec := range batch.Deleted {
		delete(s.cache, rec.Key)
	}
	s.mu.Unlock()

	s.feed.publish(batch)
	return nil
}

func persist(tx *bolt.Tx, batch domain.ChangeBatch) error {
	records := tx.Bucket(bucketRecords)
	groups := tx.Bucket(bucketGroups)

	put := func(rec domain.CacheRecord) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(rec.Key), data); err != nil {
			return err
		}
		return groups.Put(groupIndexKey(rec.GroupKey, rec.Key), nil)
	}

	for _, rec := range batch.Inserted {
		if err := put(rec); err != nil {
			return err
		}
	}
	for _, ch := range batch.Updated {
		if ch.Old.GroupKey != ch.New.GroupKey {
			if err := groups.Delete(groupIndexKey(ch.Old.GroupKey, ch.Old.Key)); err != nil {
				return err
			}
		}
		if err := put(ch.New); err != nil {
			return err
		}
	}
	for _, rec := range batch.Deleted {
		if err := records.Delete([]byte(rec.Key)); err != nil {
			return err
		}
		if err := groups.Delete(groupIndexKey(rec.GroupKey, rec.Key)); err != nil {
			return err
		}
	}
	return nil
}

func groupPrefix(groupKey string) []byte {
	return append([]byte(groupKey), groupSep)
}

func groupIndexKey(groupKey, key string) []byte {
	return append(groupPrefix(groupKey), key...)
}
