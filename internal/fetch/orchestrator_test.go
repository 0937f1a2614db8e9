package fetch

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/rescache/internal/content"
	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/keyhash"
	"github.com/mmcdole/rescache/internal/tasks"
)

// stubFetcher writes body into the staging dir, optionally waiting on gate.
type stubFetcher struct {
	dir     string
	body    string
	err     error
	noTemp  bool
	etag    string // Served as the ETag; a matching If-None-Match is answered NotModified
	gate    chan struct{}
	started chan string

	mu    sync.Mutex
	calls []string
	etags []string
}

func (f *stubFetcher) Download(ctx context.Context, url, etag string) (*domain.Download, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.etags = append(f.etags, etag)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- url
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.noTemp {
		return &domain.Download{}, nil
	}
	if f.etag != "" && etag == f.etag {
		return &domain.Download{ETag: etag, NotModified: true}, nil
	}
	tmp, err := os.CreateTemp(f.dir, "stub-*")
	if err != nil {
		return nil, err
	}
	defer tmp.Close()
	if _, err := tmp.WriteString(f.body); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "image/png")
	if f.etag != "" {
		header.Set("ETag", f.etag)
	}
	return &domain.Download{TempPath: tmp.Name(), MimeType: "image/png", ETag: f.etag, Header: header}, nil
}

func req(group, key string) domain.FetchRequest {
	return domain.FetchRequest{GroupKey: group, ItemKey: key}
}

type event struct {
	kind  string
	group string
	key   string
	err   error
}

type recordingObserver struct {
	events chan event
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: make(chan event, 64)}
}

func (r *recordingObserver) DidAdd(g, k string) { r.events <- event{"add", g, k, nil} }
func (r *recordingObserver) DidFailAdd(g, k string, err error) {
	r.events <- event{"failAdd", g, k, err}
}
func (r *recordingObserver) DidRemove(g, k string) { r.events <- event{"remove", g, k, nil} }
func (r *recordingObserver) DidFailRemove(g, k string, err error) {
	r.events <- event{"failRemove", g, k, err}
}

func (r *recordingObserver) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for observer event")
		return event{}
	}
}

type fixture struct {
	store    *content.Store
	tracker  *tasks.Tracker
	fetcher  *stubFetcher
	observer *recordingObserver
	orch     *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := content.New(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		tracker:  tasks.NewTracker(nil),
		fetcher:  &stubFetcher{dir: store.StagingDir(), body: "png-bytes"},
		observer: newRecordingObserver(),
	}
	f.orch = New(f.fetcher, store, f.tracker, opts...)
	f.orch.AddObserver(f.observer)
	t.Cleanup(f.orch.Close)
	return f
}

func TestRequest_Success(t *testing.T) {
	f := newFixture(t)
	key := "https://example.org/a.png"

	f.orch.Request(req("group1", key), nil)

	e := f.observer.next(t)
	assert.Equal(t, "add", e.kind)
	assert.Equal(t, "group1", e.group)
	assert.Equal(t, key, e.key)

	f.orch.Wait()
	h, _ := keyhash.Hash(key)
	blob, err := f.store.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, h, blob.ContentKey)
	assert.Equal(t, 0, f.tracker.Len())
}

func TestRequest_FetchFailure(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = domain.ErrUnreachable
	key := "https://example.org/a.png"

	var doneErr error
	doneCh := make(chan struct{})
	f.orch.Request(req("group1", key), func(_ domain.FetchResult, err error) {
		doneErr = err
		close(doneCh)
	})

	e := f.observer.next(t)
	assert.Equal(t, "failAdd", e.kind)
	assert.ErrorIs(t, e.err, domain.ErrUnreachable)
	<-doneCh
	assert.ErrorIs(t, doneErr, domain.ErrUnreachable)

	f.orch.Wait()
	_, err := f.store.Stat(key)
	assert.ErrorIs(t, err, content.ErrBlobNotFound)
	assert.Equal(t, 0, f.tracker.Len())
}

func TestRequest_MissingTempFile(t *testing.T) {
	f := newFixture(t)
	f.fetcher.noTemp = true

	f.orch.Request(req("g", "https://example.org/a.png"), nil)

	e := f.observer.next(t)
	assert.Equal(t, "failAdd", e.kind)
	assert.ErrorIs(t, e.err, ErrMissingTempFile)
	f.orch.Wait()
	assert.Equal(t, 0, f.tracker.Len())
}

func TestRequest_ResolveFailure(t *testing.T) {
	f := newFixture(t)

	f.orch.Request(req("g", "relative/a.png"), nil)

	e := f.observer.next(t)
	assert.Equal(t, "failAdd", e.kind)
	assert.Empty(t, f.fetcher.calls)
	assert.Equal(t, 0, f.tracker.Len())
}

func TestRequest_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	f.fetcher.gate = make(chan struct{})
	f.fetcher.started = make(chan string, 2)
	key := "https://example.org/a.png"

	f.orch.Request(req("group1", key), nil)
	f.orch.Request(req("group1", key), nil)

	// Both fetches are in flight and tracked independently.
	<-f.fetcher.started
	<-f.fetcher.started
	assert.Equal(t, 2, f.tracker.Count("group1"))

	close(f.fetcher.gate)

	assert.Equal(t, "add", f.observer.next(t).kind)
	assert.Equal(t, "add", f.observer.next(t).kind)

	f.orch.Wait()
	assert.Len(t, f.fetcher.calls, 2)
	assert.Equal(t, 0, f.tracker.Len())

	data, err := os.ReadFile(f.store.Path(key))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestCancel_NoBlobIsSuccess(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Cancel(req("group1", "a.png"))
	require.NoError(t, err)

	e := f.observer.next(t)
	assert.Equal(t, "remove", e.kind)
	assert.Equal(t, "a.png", e.key)
}

func TestCancel_RemovesBlob(t *testing.T) {
	f := newFixture(t)
	key := "https://example.org/a.png"
	f.orch.Request(req("g", key), nil)
	require.Equal(t, "add", f.observer.next(t).kind)
	f.orch.Wait()

	require.NoError(t, f.orch.Cancel(req("g", key)))
	assert.Equal(t, "remove", f.observer.next(t).kind)

	_, err := f.store.Stat(key)
	assert.ErrorIs(t, err, content.ErrBlobNotFound)
}

func TestCancel_AbortsInFlight(t *testing.T) {
	f := newFixture(t)
	f.fetcher.gate = make(chan struct{})
	f.fetcher.started = make(chan string, 1)
	key := "https://example.org/slow.png"

	f.orch.Request(req("g", key), nil)
	<-f.fetcher.started

	require.NoError(t, f.orch.Cancel(req("g", key)))

	var sawFail, sawRemove bool
	for i := 0; i < 2; i++ {
		e := f.observer.next(t)
		switch e.kind {
		case "failAdd":
			sawFail = true
			assert.ErrorIs(t, e.err, context.Canceled)
		case "remove":
			sawRemove = true
		}
	}
	assert.True(t, sawFail)
	assert.True(t, sawRemove)

	f.orch.Wait()
	assert.Equal(t, 0, f.tracker.Len())
}

func TestRequest_DoneFiresOnce(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	calls := 0
	f.orch.Request(req("g", "https://example.org/a.png"), func(domain.FetchResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	f.observer.next(t)
	f.orch.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestRequest_AfterClose(t *testing.T) {
	f := newFixture(t)
	f.orch.Close()

	var got error
	f.orch.Request(req("g", "https://example.org/a.png"), func(_ domain.FetchResult, err error) { got = err })
	assert.ErrorIs(t, got, domain.ErrClosed)
	assert.Equal(t, "failAdd", f.observer.next(t).kind)
}

func TestWithMaxConcurrent(t *testing.T) {
	f := newFixture(t, WithMaxConcurrent(1))
	f.fetcher.gate = make(chan struct{})
	f.fetcher.started = make(chan string, 2)

	f.orch.Request(req("g", "https://example.org/1.png"), nil)
	f.orch.Request(req("g", "https://example.org/2.png"), nil)

	<-f.fetcher.started
	select {
	case <-f.fetcher.started:
		t.Fatal("second download started while the first held the only slot")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, f.tracker.Count("g"))

	close(f.fetcher.gate)
	f.observer.next(t)
	f.observer.next(t)
	f.orch.Wait()
}

func TestRequest_StoreFailureDiscardsTempFile(t *testing.T) {
	f := newFixture(t)
	f.orch.blobs = failingBlobs{err: errors.New("disk full")}

	f.orch.Request(req("g", "https://example.org/a.png"), nil)
	e := f.observer.next(t)
	assert.Equal(t, "failAdd", e.kind)
	assert.EqualError(t, e.err, "disk full")

	f.orch.Wait()
	entries, err := os.ReadDir(f.store.StagingDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRequest_VariantStoredSeparately(t *testing.T) {
	f := newFixture(t)
	key := "https://example.org/a.png"

	f.orch.Request(domain.FetchRequest{GroupKey: "g", ItemKey: key, Variant: "960"}, nil)
	assert.Equal(t, "add", f.observer.next(t).kind)
	f.orch.Wait()

	_, err := f.store.Stat(keyhash.ContentKey(key, "960"))
	require.NoError(t, err)
	_, err = f.store.Stat(key)
	assert.ErrorIs(t, err, content.ErrBlobNotFound)

	require.NoError(t, f.orch.Cancel(domain.FetchRequest{GroupKey: "g", ItemKey: key, Variant: "960"}))
	_, err = f.store.Stat(keyhash.ContentKey(key, "960"))
	assert.ErrorIs(t, err, content.ErrBlobNotFound)
}

func TestRequest_RecordsHeadersAndRevalidates(t *testing.T) {
	f := newFixture(t)
	f.fetcher.etag = `"v1"`
	key := "https://example.org/a.png"

	results := make(chan domain.FetchResult, 2)
	done := func(res domain.FetchResult, err error) {
		assert.NoError(t, err)
		results <- res
	}

	f.orch.Request(req("g", key), done)
	first := <-results
	assert.Equal(t, `"v1"`, first.ETag)
	assert.False(t, first.NotModified)
	f.orch.Wait()

	header, err := f.store.Header(key)
	require.NoError(t, err)
	assert.Equal(t, "image/png", header.Get("Content-Type"))

	// The stored validator makes the second fetch conditional.
	f.orch.Request(req("g", key), done)
	second := <-results
	assert.True(t, second.NotModified)
	assert.Equal(t, `"v1"`, second.ETag)
	f.orch.Wait()

	f.fetcher.mu.Lock()
	defer f.fetcher.mu.Unlock()
	assert.Equal(t, []string{"", `"v1"`}, f.fetcher.etags)
}

func TestRequest_NoValidatorWithoutBlob(t *testing.T) {
	f := newFixture(t)
	f.fetcher.etag = `"v1"`
	key := "https://example.org/a.png"

	f.orch.Request(req("g", key), nil)
	f.observer.next(t)
	f.orch.Wait()
	require.NoError(t, f.orch.Cancel(req("g", key)))
	f.observer.next(t)

	// The blob is gone, so its old ETag must not be offered.
	f.orch.Request(req("g", key), nil)
	assert.Equal(t, "add", f.observer.next(t).kind)
	f.orch.Wait()

	f.fetcher.mu.Lock()
	defer f.fetcher.mu.Unlock()
	assert.Equal(t, []string{"", ""}, f.fetcher.etags)
	_, err := f.store.Stat(key)
	assert.NoError(t, err)
}

func TestAddObserver_Remove(t *testing.T) {
	f := newFixture(t)
	extra := newRecordingObserver()
	remove := f.orch.AddObserver(extra)

	f.orch.Request(req("g", "https://example.org/1.png"), nil)
	f.observer.next(t)
	extra.next(t)
	f.orch.Wait()

	remove()
	f.orch.Request(req("g", "https://example.org/2.png"), nil)
	f.observer.next(t)
	f.orch.Wait()
	assert.Empty(t, extra.events)
}

type failingBlobs struct{ err error }

func (b failingBlobs) Put(string, string, string) (content.PutResult, error) {
	return content.Placed, b.err
}
func (b failingBlobs) PutHeader(string, http.Header) error { return b.err }
func (b failingBlobs) ETag(string) string                  { return "" }
func (b failingBlobs) Remove(string) error                 { return b.err }
