package store

import (
	"errors"

	"github.com/mmcdole/rescache/internal/domain"
)

// ErrEmptyKey is returned when a record without a key is written.
var ErrEmptyKey = errors.New("record key is required")

type write struct {
	rec     domain.CacheRecord
	deleted bool
}

// Tx buffers writes until Update commits them.
// Get sees the transaction's own writes.
type Tx struct {
	store  *Store
	writes map[string]*write
	order  []string
}

// Get returns the record for key as seen by this transaction.
func (tx *Tx) Get(key string) (domain.CacheRecord, bool, error) {
	if w, ok := tx.writes[key]; ok {
		if w.deleted {
			return domain.CacheRecord{}, false, nil
		}
		return w.rec, true, nil
	}
	return tx.store.committed(key)
}

// Put inserts or replaces rec. Timestamps are maintained by the store.
func (tx *Tx) Put(rec domain.CacheRecord) error {
	if rec.Key == "" {
		return ErrEmptyKey
	}
	tx.touch(rec.Key).rec = rec
	tx.writes[rec.Key].deleted = false
	return nil
}

// Delete removes the record for key. Deleting an absent record is a no-op.
func (tx *Tx) Delete(key string) {
	w := tx.touch(key)
	w.rec = domain.CacheRecord{}
	w.deleted = true
}

func (tx *Tx) touch(key string) *write {
	w, ok := tx.writes[key]
	if !ok {
		w = &write{}
		tx.writes[key] = w
		tx.order = append(tx.order, key)
	}
	return w
}

// resolve diffs the buffered writes against committed state, in first-write order.
func (tx *Tx) resolve(now int64) (domain.ChangeBatch, error) {
	var batch domain.ChangeBatch
	for _, key := range tx.order {
		w := tx.writes[key]
		old, existed, err := tx.store.committed(key)
		if err != nil {
			return domain.ChangeBatch{}, err
		}

		switch {
		case w.deleted:
			if existed {
				batch.Deleted = append(batch.Deleted, old)
			}
		case !existed:
			rec := w.rec
			rec.CreatedAt, rec.UpdatedAt = now, now
			batch.Inserted = append(batch.Inserted, rec)
		default:
			rec := w.rec
			rec.CreatedAt, rec.UpdatedAt = old.CreatedAt, old.UpdatedAt
			if rec == old {
				continue
			}
			rec.UpdatedAt = now
			batch.Updated = append(batch.Updated, domain.RecordChange{Old: old, New: rec})
		}
	}
	return batch, nil
}
