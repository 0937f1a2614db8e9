package domain

import (
	"net/http"
	"time"
)

// CacheRecord is the durable description of one cacheable resource.
// The persistence layer owns it; the content store never touches it.
type CacheRecord struct {
	Key              string `json:"key"`      // Source URL or equivalent opaque identifier
	GroupKey         string `json:"groupKey"` // Owning collection
	IsDownloaded     bool   `json:"isDownloaded"`
	MigrationPending bool   `json:"migrationPending"`
	PendingDelete    bool   `json:"pendingDelete"`
	Variant          string `json:"variant,omitempty"` // Selects one rendition of Key (size, language)
	ETag             string `json:"etag,omitempty"`    // Validator of the stored content
	CreatedAt        int64  `json:"createdAt"` // Unix timestamp
	UpdatedAt        int64  `json:"updatedAt"` // Unix timestamp
}

// NeedsDownload reports whether the sync loop should fetch this record.
func (r CacheRecord) NeedsDownload() bool {
	return !r.IsDownloaded && !r.MigrationPending && !r.PendingDelete
}

// FetchRequest returns the fetch that would produce this record's content.
func (r CacheRecord) FetchRequest() FetchRequest {
	return FetchRequest{GroupKey: r.GroupKey, ItemKey: r.Key, Variant: r.Variant}
}

// StoredBlob is the physical artifact behind a record in the content store.
type StoredBlob struct {
	ContentKey string // Hash of CacheRecord.Key
	MimeType   string // Best-effort, may be empty
	ETag       string // From the header side file, may be empty
	Size       int64
	ModTime    time.Time
}

// RecordChange pairs the committed state of a record with its state before the commit.
type RecordChange struct {
	Old CacheRecord
	New CacheRecord
}

// ChangeBatch is one committed transaction as seen by change-feed subscribers.
type ChangeBatch struct {
	Inserted []CacheRecord
	Updated  []RecordChange
	Deleted  []CacheRecord
}

// Empty returns true if the batch carries no changes.
func (b ChangeBatch) Empty() bool {
	return len(b.Inserted) == 0 && len(b.Updated) == 0 && len(b.Deleted) == 0
}

// Change is broadcast whenever a resource's cached state changes
// (initial fetch, migration, eviction).
type Change struct {
	ItemKey      string
	IsDownloaded bool
}

// FetchRequest identifies one fetch: the item, the rendition and the owning group.
type FetchRequest struct {
	GroupKey string
	ItemKey  string
	Variant  string
}

// FetchResult describes completed content.
type FetchResult struct {
	ETag        string
	NotModified bool // The origin confirmed the stored content
}

// Download is the result of a successful fetch: a temporary local file plus
// metadata. A NotModified download carries no file.
type Download struct {
	TempPath    string
	MimeType    string
	Size        int64
	ETag        string
	Header      http.Header
	NotModified bool
}
