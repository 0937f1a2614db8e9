package cache

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/rescache/internal/content"
	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/keyhash"
	"github.com/mmcdole/rescache/internal/logging"
	"github.com/mmcdole/rescache/internal/migration"
	"github.com/mmcdole/rescache/internal/notify"
)

const waitFor = 2 * time.Second

type origin struct {
	*httptest.Server
	hits        atomic.Int32
	notModified atomic.Int32

	gate    chan struct{}
	release func()
}

// newOrigin serves "<path> body" for every path except /missing/*, tagged with
// the quoted path as its ETag. Requests under /slow/ block until release.
func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{gate: make(chan struct{})}
	var once sync.Once
	o.release = func() { once.Do(func() { close(o.gate) }) }
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if strings.HasPrefix(r.URL.Path, "/missing/") {
			http.NotFound(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/slow/") {
			select {
			case <-o.gate:
			case <-r.Context().Done():
				return
			}
		}
		etag := `"` + r.URL.Path + `"`
		if r.Header.Get("If-None-Match") == etag {
			o.notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, r.URL.Path+" body")
	}))
	t.Cleanup(o.Close)
	t.Cleanup(o.release)
	return o
}

type failures struct {
	mu   sync.Mutex
	keys []string
}

func (f *failures) DidAdd(string, string) {}
func (f *failures) DidFailAdd(_ string, key string, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
}
func (f *failures) DidRemove(string, string)            {}
func (f *failures) DidFailRemove(string, string, error) {}

func (f *failures) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func newCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Dir == "" && opts.BlobDir == "" {
		opts.BlobDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NullLogger()
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitDownloaded(t *testing.T, c *Cache, key string) Entry {
	t.Helper()
	var entry Entry
	require.Eventually(t, func() bool {
		e, err := c.Lookup(context.Background(), key)
		entry = e
		return err == nil && e.Record.IsDownloaded
	}, waitFor, 10*time.Millisecond)
	return entry
}

func TestCache_AddFetchesAndNotifies(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	changes := make(chan domain.Change, 8)
	c.Subscribe(notify.NewChannelListener(changes))
	c.Start()

	require.NoError(t, c.Add("article/1", "/img/a.png"))

	select {
	case ch := <-changes:
		assert.Equal(t, domain.Change{ItemKey: "/img/a.png", IsDownloaded: true}, ch)
	case <-time.After(waitFor):
		t.Fatal("no change notification")
	}

	entry := waitDownloaded(t, c, "/img/a.png")
	require.NotNil(t, entry.Blob)

	rc, _, err := c.Open(context.Background(), "/img/a.png")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "/img/a.png body", string(data))
	assert.Len(t, changes, 0)
}

func TestCache_AddTwiceIsNoOp(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	require.NoError(t, c.Add("g", "/a"))
	waitDownloaded(t, c, "/a")
	require.NoError(t, c.Add("g", "/a"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), o.hits.Load())
}

func TestCache_FailedFetchLeavesRecord(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	obs := &failures{}
	c.AddObserver(obs)
	c.Start()

	require.NoError(t, c.Add("g", "/missing/a"))

	require.Eventually(t, func() bool { return len(obs.snapshot()) == 1 }, waitFor, 10*time.Millisecond)
	entry, err := c.Lookup(context.Background(), "/missing/a")
	require.NoError(t, err)
	assert.False(t, entry.Record.IsDownloaded)
	assert.Nil(t, entry.Blob)

	_, _, err = c.Open(context.Background(), "/missing/a")
	assert.ErrorIs(t, err, content.ErrBlobNotFound)
}

func TestCache_RemoveEvicts(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	changes := make(chan domain.Change, 8)
	c.Start()

	require.NoError(t, c.Add("g", "/a"))
	entry := waitDownloaded(t, c, "/a")
	c.Subscribe(notify.NewChannelListener(changes))

	require.NoError(t, c.Remove("g", "/a"))

	require.Eventually(t, func() bool {
		_, err := c.Lookup(context.Background(), "/a")
		return err == domain.ErrRecordNotFound
	}, waitFor, 10*time.Millisecond)
	assert.NoFileExists(t, entry.Path)
	assert.Equal(t, domain.Change{ItemKey: "/a", IsDownloaded: false}, <-changes)
}

func TestCache_RemoveUnknownKeySucceeds(t *testing.T) {
	c := newCache(t, Options{})
	changes := make(chan domain.Change, 8)
	c.Subscribe(notify.NewChannelListener(changes))
	c.Start()

	require.NoError(t, c.Remove("g", "a.png"))
	select {
	case ch := <-changes:
		assert.Equal(t, domain.Change{ItemKey: "a.png", IsDownloaded: false}, ch)
	case <-time.After(waitFor):
		t.Fatal("no change notification")
	}
}

func TestCache_RemoveKeepsSiblingFetching(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	require.NoError(t, c.Add("g", "/a"))
	waitDownloaded(t, c, "/a")

	require.NoError(t, c.Add("g", "/slow/b"))
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, waitFor, 10*time.Millisecond)

	// Evicting /a cancels every fetch in the group, including /slow/b's.
	require.NoError(t, c.Remove("g", "/a"))
	require.Eventually(t, func() bool {
		_, err := c.Lookup(context.Background(), "/a")
		return err == domain.ErrRecordNotFound
	}, waitFor, 10*time.Millisecond)
	o.release()

	entry := waitDownloaded(t, c, "/slow/b")
	require.NotNil(t, entry.Blob)
	c.Wait()
	assert.Zero(t, c.Stats().InFlight)
}

func TestCache_RemoveGroup(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	for _, k := range []string{"/1", "/2"} {
		require.NoError(t, c.Add("doomed", k))
	}
	require.NoError(t, c.Add("kept", "/3"))
	waitDownloaded(t, c, "/1")
	waitDownloaded(t, c, "/2")
	waitDownloaded(t, c, "/3")

	n, err := c.RemoveGroup("doomed")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool { return len(c.List("doomed")) == 0 }, waitFor, 10*time.Millisecond)
	assert.Len(t, c.List("kept"), 1)
	assert.Len(t, c.List(""), 1)
}

func TestCache_ReAddDuringEviction(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	require.NoError(t, c.Add("g", "/a"))
	waitDownloaded(t, c, "/a")

	require.NoError(t, c.Remove("g", "/a"))
	require.NoError(t, c.Add("g", "/a"))

	// Either the eviction finished first and the key was re-inserted, or the
	// record was revived; both end downloaded.
	waitDownloaded(t, c, "/a")
}

func legacyEnvelope(data string) []byte {
	return []byte(`{"mimeType":"text/plain","data":"` + base64.StdEncoding.EncodeToString([]byte(data)) + `"}`)
}

func TestCache_LegacyImportAndLazyMigration(t *testing.T) {
	o := newOrigin(t)
	legacy := migration.NewFS(memfs.New())
	require.NoError(t, legacy.Write(domain.CacheRecord{Key: "/old.png", GroupKey: "g"}, legacyEnvelope("legacy bytes")))
	require.NoError(t, legacy.Write(domain.CacheRecord{Key: "/gone.png", GroupKey: "g"}, []byte("corrupt")))

	c := newCache(t, Options{BaseURL: o.URL, Legacy: legacy})
	c.Start()

	n, err := c.ImportLegacy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, c.Stats().MigrationPending)

	entry, err := c.Lookup(context.Background(), "/old.png")
	require.NoError(t, err)
	assert.False(t, entry.Record.MigrationPending)
	assert.True(t, entry.Record.IsDownloaded)
	require.NotNil(t, entry.Blob)
	assert.Equal(t, int32(0), o.hits.Load())

	// An unconvertible payload falls back to a network fetch.
	_, err = c.Lookup(context.Background(), "/gone.png")
	require.NoError(t, err)
	waitDownloaded(t, c, "/gone.png")
	assert.Equal(t, int32(1), o.hits.Load())

	entries, err := legacy.Scan()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCache_MigrateAll(t *testing.T) {
	legacy := migration.NewFS(memfs.New())
	for _, k := range []string{"a", "b"} {
		require.NoError(t, legacy.Write(domain.CacheRecord{Key: k, GroupKey: "g"}, legacyEnvelope(k)))
	}
	c := newCache(t, Options{Legacy: legacy})
	c.Start()

	_, err := c.ImportLegacy(context.Background())
	require.NoError(t, err)

	n, err := c.MigrateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, c.Stats().Downloaded)
}

func TestCache_LegacyDisabled(t *testing.T) {
	c := newCache(t, Options{})
	assert.ErrorIs(t, c.Migrate(context.Background(), "a"), ErrLegacyDisabled)
	_, err := c.ImportLegacy(context.Background())
	assert.ErrorIs(t, err, ErrLegacyDisabled)
}

func TestCache_ResyncOnStartupAfterRestart(t *testing.T) {
	o := newOrigin(t)
	dir := t.TempDir()

	// Records committed while nothing syncs, as after a crash.
	c, err := New(Options{Dir: dir, BaseURL: o.URL, Logger: logging.NullLogger()})
	require.NoError(t, err)
	require.NoError(t, c.Add("g", "/a"))
	require.NoError(t, c.Close())

	c = newCache(t, Options{Dir: dir, BaseURL: o.URL, ResyncOnStartup: true})
	c.Start()
	waitDownloaded(t, c, "/a")
}

func TestCache_InvalidKey(t *testing.T) {
	c := newCache(t, Options{})
	assert.Error(t, c.Add("g", ""))
}

func TestCache_FilterAndStats(t *testing.T) {
	c := newCache(t, Options{})
	require.NoError(t, c.Add("g", "https://example.org/images/cat.png"))
	require.NoError(t, c.Add("g", "https://example.org/styles/site.css"))

	results := c.Filter("cat")
	require.Len(t, results, 1)
	assert.Equal(t, "https://example.org/images/cat.png", results[0].Record.Key)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Records)
	assert.Zero(t, stats.Downloaded)
}

func TestCache_WaitReturnsWhenIdle(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	for _, k := range []string{"/1", "/2", "/missing/3"} {
		require.NoError(t, c.Add("g", k))
	}
	c.Wait()

	stats := c.Stats()
	assert.Equal(t, 2, stats.Downloaded)
	assert.Zero(t, stats.InFlight)

	_, err := c.RemoveGroup("g")
	require.NoError(t, err)
	c.Wait()
	assert.Empty(t, c.List("g"))
}

func TestCache_AddGroupReportsEachItem(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	require.NoError(t, c.Add("g", "/1"))
	waitDownloaded(t, c, "/1")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := c.AddGroup(ctx, "g", []string{"/1", "/2", "/missing/3", "/2"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/1", "/2"}, res.Downloaded)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed, "/missing/3")
	assert.Empty(t, res.Pending)
	assert.False(t, res.Complete())
	assert.ErrorContains(t, res.Err(), "/missing/3")
}

func TestCache_AddGroupPendingOnDeadline(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := c.AddGroup(ctx, "g", []string{"/a", "/slow/b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"/a"}, res.Downloaded)
	assert.Equal(t, []string{"/slow/b"}, res.Pending)

	o.release()
	waitDownloaded(t, c, "/slow/b")
}

func TestCache_AddGroupEmpty(t *testing.T) {
	c := newCache(t, Options{})
	res, err := c.AddGroup(context.Background(), "g", nil)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.NoError(t, res.Err())
}

func TestCache_VariantStoredUnderOwnName(t *testing.T) {
	o := newOrigin(t)
	c := newCache(t, Options{BaseURL: o.URL})
	c.Start()

	require.NoError(t, c.AddVariant("g", "/img.png", "960"))
	entry := waitDownloaded(t, c, "/img.png")

	assert.Equal(t, "960", entry.Record.Variant)
	require.NotNil(t, entry.Blob)
	assert.Equal(t, c.blobs.Path(keyhash.ContentKey("/img.png", "960")), entry.Path)
	assert.Equal(t, "text/plain", entry.Header.Get("Content-Type"))
	assert.Equal(t, `"/img.png"`, entry.Record.ETag)
}

func TestCache_RevalidatesExistingContent(t *testing.T) {
	o := newOrigin(t)
	blobDir := t.TempDir()

	c, err := New(Options{Dir: t.TempDir(), BlobDir: blobDir, BaseURL: o.URL, Logger: logging.NullLogger()})
	require.NoError(t, err)
	c.Start()
	require.NoError(t, c.Add("g", "/a"))
	waitDownloaded(t, c, "/a")
	require.NoError(t, c.Close())

	// Fresh records over the same content: the stored ETag is revalidated
	// instead of downloading again.
	c = newCache(t, Options{Dir: t.TempDir(), BlobDir: blobDir, BaseURL: o.URL})
	c.Start()
	require.NoError(t, c.Add("g", "/a"))
	entry := waitDownloaded(t, c, "/a")

	assert.Equal(t, int32(2), o.hits.Load())
	assert.Equal(t, int32(1), o.notModified.Load())
	assert.Equal(t, `"/a"`, entry.Record.ETag)
	require.NotNil(t, entry.Blob)
	assert.Equal(t, `"/a"`, entry.Blob.ETag)
}
