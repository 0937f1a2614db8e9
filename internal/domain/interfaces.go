package domain

import "context"

// Fetcher downloads a resource into a temporary local file.
// Implementations must honor ctx cancellation. A non-empty etag makes the fetch
// conditional; a matching origin answers with a NotModified Download.
type Fetcher interface {
	Download(ctx context.Context, url, etag string) (*Download, error)
}

// URLResolver turns an item key into a fetchable URL.
type URLResolver func(itemKey string) (string, error)

// FetchObserver receives the outcome of every fetch and eviction.
type FetchObserver interface {
	DidAdd(groupKey, itemKey string)
	DidFailAdd(groupKey, itemKey string, err error)
	DidRemove(groupKey, itemKey string)
	DidFailRemove(groupKey, itemKey string, err error)
}

// ChangeListener receives cached-state change notifications.
type ChangeListener interface {
	OnChange(change Change)
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc func(Change)

func (f ChangeListenerFunc) OnChange(change Change) { f(change) }
