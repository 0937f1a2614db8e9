package cache

import (
	"context"
	"fmt"

	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/keyhash"
	"github.com/mmcdole/rescache/internal/store"
)

// Add records itemKey under groupKey. The sync loop fetches it in the
// background; subscribe for the outcome. Adding a known key is a no-op, except
// that a key awaiting eviction is kept and fetched again.
func (c *Cache) Add(groupKey, itemKey string) error {
	return c.AddVariant(groupKey, itemKey, "")
}

// AddVariant is Add for one rendition of itemKey (an image width, a language).
// The variant is fixed when the record is created or revived.
func (c *Cache) AddVariant(groupKey, itemKey, variant string) error {
	if _, err := keyhash.Hash(itemKey); err != nil {
		return fmt.Errorf("add %q: %w", itemKey, err)
	}
	if _, err := keyhash.Hash(keyhash.ContentKey(itemKey, variant)); err != nil {
		return fmt.Errorf("add %q variant %q: %w", itemKey, variant, err)
	}
	err := c.records.Update(func(tx *store.Tx) error {
		rec, ok, err := tx.Get(itemKey)
		if err != nil {
			return err
		}
		if !ok {
			return tx.Put(domain.CacheRecord{Key: itemKey, GroupKey: groupKey, Variant: variant})
		}
		if rec.PendingDelete {
			rec.PendingDelete = false
			rec.IsDownloaded = false
			rec.Variant = variant
			rec.ETag = ""
			return tx.Put(rec)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("failed to add record", "group", groupKey, "key", itemKey, "error", err)
		return err
	}
	return nil
}

// Remove marks itemKey for eviction. The sync loop removes its content and
// then the record. A key without a record still has any stray content removed.
func (c *Cache) Remove(groupKey, itemKey string) error {
	found := false
	err := c.records.Update(func(tx *store.Tx) error {
		rec, ok, err := tx.Get(itemKey)
		if err != nil || !ok {
			return err
		}
		found = true
		rec.PendingDelete = true
		return tx.Put(rec)
	})
	if err != nil {
		c.logger.Error("failed to remove record", "group", groupKey, "key", itemKey, "error", err)
		return err
	}
	if !found {
		if err := c.fetcher.Cancel(domain.FetchRequest{GroupKey: groupKey, ItemKey: itemKey}); err != nil {
			return err
		}
		c.hub.Publish(domain.Change{ItemKey: itemKey, IsDownloaded: false})
	}
	return nil
}

// RemoveGroup cancels the group's in-flight fetches and marks all its records
// for eviction. Returns the number of records marked.
func (c *Cache) RemoveGroup(groupKey string) (int, error) {
	c.fetcher.CancelGroup(groupKey)

	marked := 0
	err := c.records.Update(func(tx *store.Tx) error {
		for _, rec := range c.records.GroupRecords(groupKey) {
			if rec.PendingDelete {
				continue
			}
			rec.PendingDelete = true
			if err := tx.Put(rec); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		c.logger.Error("failed to remove group", "group", groupKey, "error", err)
		return 0, err
	}
	return marked, nil
}

// Migrate resolves the pending legacy migration of key.
func (c *Cache) Migrate(ctx context.Context, key string) error {
	if c.migrator == nil {
		return ErrLegacyDisabled
	}
	return c.migrator.Migrate(ctx, key)
}

// MigrateAll resolves every pending migration. Returns the number attempted.
func (c *Cache) MigrateAll(ctx context.Context) (int, error) {
	if c.migrator == nil {
		return 0, ErrLegacyDisabled
	}
	n := 0
	for _, rec := range c.records.Records() {
		if !rec.MigrationPending {
			continue
		}
		if err := c.migrator.Migrate(ctx, rec.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ImportLegacy creates migration-pending records for every legacy payload.
func (c *Cache) ImportLegacy(ctx context.Context) (int, error) {
	if c.migrator == nil {
		return 0, ErrLegacyDisabled
	}
	return c.migrator.Import(ctx)
}

// Resync re-issues fetches and evictions for records left unfinished.
func (c *Cache) Resync() int {
	return c.syncer.Resync()
}

// Subscribe registers l for cached-state changes.
func (c *Cache) Subscribe(l domain.ChangeListener) (unsubscribe func()) {
	return c.hub.Subscribe(l)
}

// AddObserver registers obs for every fetch and eviction outcome and returns a
// function that removes it.
func (c *Cache) AddObserver(obs domain.FetchObserver) (remove func()) {
	return c.fetcher.AddObserver(obs)
}

// Wait blocks until every committed change has been handled and no fetch is in
// flight. It must not be called from a listener or observer.
func (c *Cache) Wait() {
	for {
		c.records.Flush()
		c.fetcher.Wait()
		// Completions commit and may requeue work
		c.records.Flush()
		if c.tracker.Len() == 0 {
			return
		}
	}
}
