package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/mmcdole/rescache/internal/domain"
)

const legacyExt = ".json"

// Entry identifies one payload in the legacy store.
type Entry struct {
	GroupKey string
	Key      string
}

// LegacyStore is the pre-migration storage format.
// Read returns an error wrapping fs.ErrNotExist when no payload exists.
type LegacyStore interface {
	Read(rec domain.CacheRecord) ([]byte, error)
	Remove(rec domain.CacheRecord) error
	Scan() ([]Entry, error)
}

// FS is a LegacyStore laid out as <escaped group>/<escaped key>.json.
type FS struct {
	fs billy.Filesystem
}

// NewFS wraps a billy filesystem.
func NewFS(bfs billy.Filesystem) *FS {
	return &FS{fs: bfs}
}

// OpenDir opens the legacy store rooted at dir on the local filesystem.
func OpenDir(dir string) *FS {
	return NewFS(osfs.New(dir))
}

func escape(s string) string {
	if s == "" {
		return "_"
	}
	return url.PathEscape(s)
}

func unescape(s string) (string, error) {
	if s == "_" {
		return "", nil
	}
	return url.PathUnescape(s)
}

func (l *FS) groupDir(groupKey string) string {
	return escape(groupKey)
}

func (l *FS) path(rec domain.CacheRecord) string {
	return path.Join(l.groupDir(rec.GroupKey), escape(rec.Key)+legacyExt)
}

func (l *FS) Read(rec domain.CacheRecord) ([]byte, error) {
	return util.ReadFile(l.fs, l.path(rec))
}

// Write stores a legacy payload. Used to seed stores in tests and tools.
func (l *FS) Write(rec domain.CacheRecord, data []byte) error {
	if err := l.fs.MkdirAll(l.groupDir(rec.GroupKey), 0755); err != nil {
		return err
	}
	return util.WriteFile(l.fs, l.path(rec), data, 0644)
}

// Remove deletes the payload for rec and its group directory once empty.
// A missing payload is not an error.
func (l *FS) Remove(rec domain.CacheRecord) error {
	if err := l.fs.Remove(l.path(rec)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove legacy payload: %w", err)
	}

	dir := l.groupDir(rec.GroupKey)
	entries, err := l.fs.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return nil
	}
	if err := l.fs.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove legacy group: %w", err)
	}
	return nil
}

// Scan lists every payload in the store. Unrecognized names are skipped.
func (l *FS) Scan() ([]Entry, error) {
	groups, err := l.fs.ReadDir("/")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		groupKey, err := unescape(g.Name())
		if err != nil {
			continue
		}
		files, err := l.fs.ReadDir(g.Name())
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, legacyExt) {
				continue
			}
			key, err := unescape(strings.TrimSuffix(name, legacyExt))
			if err != nil || key == "" {
				continue
			}
			entries = append(entries, Entry{GroupKey: groupKey, Key: key})
		}
	}
	return entries, nil
}
