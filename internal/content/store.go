// Package content owns the on-disk blob layout of the cache.
//
// Blobs live directly under the root directory, named by keyhash.FileName of their
// content key, each optionally paired with a "__Header" side file holding the
// response headers it was fetched with. Downloads are staged in root/.staging so that placement is a hard
// link on a single filesystem: the destination is either absent or complete, and
// an existing destination is never overwritten.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/keyhash"
	"github.com/mmcdole/rescache/internal/metrics"
)

const stagingDirName = ".staging"

var (
	// ErrSourceMissing indicates the temporary payload vanished before placement
	ErrSourceMissing = errors.New("source file missing")

	// ErrBlobNotFound indicates no blob exists for the key
	ErrBlobNotFound = errors.New("blob not found")

	// ErrHeaderNotFound indicates no header side file exists for the key
	ErrHeaderNotFound = errors.New("blob header not found")
)

// PutResult distinguishes a fresh placement from an idempotent repeat.
// Both mean the content is now present.
type PutResult int

const (
	Placed PutResult = iota
	AlreadyExists
)

func (r PutResult) String() string {
	if r == AlreadyExists {
		return "exists"
	}
	return "placed"
}

// Store is a filesystem-backed content-addressed blob store.
type Store struct {
	root    string
	staging string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store rooted at root, creating the directory layout if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("content root is required")
	}
	s := &Store{
		root:    root,
		staging: filepath.Join(root, stagingDirName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := os.MkdirAll(s.staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return s, nil
}

// StagingDir returns the directory for temporary payloads awaiting placement.
func (s *Store) StagingDir() string { return s.staging }

// CreateTemp creates a staging file on the same filesystem as the blobs.
func (s *Store) CreateTemp() (*os.File, error) {
	return os.CreateTemp(s.staging, "put-*")
}

// Path returns the content-addressed destination for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, keyhash.FileName(key))
}

// HeaderPath returns the header side file for key.
func (s *Store) HeaderPath(key string) string {
	return filepath.Join(s.root, keyhash.HeaderFileName(key))
}

// Put moves the payload at tempPath to the content-addressed destination for key.
// An existing destination yields AlreadyExists and the temp file is discarded.
func (s *Store) Put(tempPath, key, mimeType string) (PutResult, error) {
	dest := s.Path(key)

	err := os.Link(tempPath, dest)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		s.discard(tempPath)
		s.metrics.BlobPut(metrics.OutcomeExists)
		return AlreadyExists, nil
	case !fileExists(tempPath):
		s.metrics.BlobPut(metrics.OutcomeMissing)
		return Placed, fmt.Errorf("place %s: %w", key, ErrSourceMissing)
	default:
		// Hard links unavailable (cross-device temp file or unsupported filesystem)
		s.logger.Debug("link failed, placing by copy", "key", key, "error", err)
		result, err := s.placeByCopy(tempPath, dest)
		if err != nil {
			s.metrics.BlobPut(metrics.OutcomeFailure)
			return Placed, fmt.Errorf("place %s: %w", key, err)
		}
		if result == AlreadyExists {
			s.discard(tempPath)
			s.metrics.BlobPut(metrics.OutcomeExists)
			return AlreadyExists, nil
		}
	}

	s.discard(tempPath)

	if mimeType != "" {
		if err := setMimeType(dest, mimeType); err != nil {
			s.logger.Debug("failed to tag blob mime type", "key", key, "error", err)
		}
	}

	s.metrics.BlobPut(metrics.OutcomeSuccess)
	s.logger.Debug("placed blob", "key", key, "path", dest)
	return Placed, nil
}

// placeByCopy copies src into staging and links the copy into place.
func (s *Store) placeByCopy(src, dest string) (PutResult, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Placed, ErrSourceMissing
		}
		return Placed, err
	}
	defer in.Close()

	tmp, err := s.CreateTemp()
	if err != nil {
		return Placed, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return Placed, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Placed, err
	}
	if err := tmp.Close(); err != nil {
		return Placed, err
	}

	err = os.Link(tmpPath, dest)
	switch {
	case err == nil:
		return Placed, nil
	case errors.Is(err, fs.ErrExist):
		return AlreadyExists, nil
	}

	// No hard links at all on this filesystem; rename is still atomic but may
	// replace a blob placed concurrently with identical content.
	if fileExists(dest) {
		return AlreadyExists, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return Placed, err
	}
	return Placed, nil
}

// Remove deletes the blob for key and its header side file. Missing files are
// not an error.
func (s *Store) Remove(key string) error {
	for _, path := range []string{s.Path(key), s.HeaderPath(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.metrics.BlobRemoved(metrics.OutcomeFailure)
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	s.metrics.BlobRemoved(metrics.OutcomeSuccess)
	return nil
}

// PutHeader replaces the header side file for key.
func (s *Store) PutHeader(key string, header http.Header) error {
	data, err := json.Marshal(header)
	if err != nil {
		return err
	}
	tmp, err := s.CreateTemp()
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.HeaderPath(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write header %s: %w", key, err)
	}
	return nil
}

// Header returns the headers recorded for key.
func (s *Store) Header(key string) (http.Header, error) {
	data, err := os.ReadFile(s.HeaderPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrHeaderNotFound
		}
		return nil, err
	}
	var header http.Header
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode header %s: %w", key, err)
	}
	return header, nil
}

// ETag returns the validator recorded for the stored blob of key, or "" when
// the blob or its headers are missing.
func (s *Store) ETag(key string) string {
	if !fileExists(s.Path(key)) {
		return ""
	}
	header, err := s.Header(key)
	if err != nil {
		return ""
	}
	return header.Get("ETag")
}

// Stat describes the blob stored for key.
func (s *Store) Stat(key string) (domain.StoredBlob, error) {
	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.StoredBlob{}, ErrBlobNotFound
		}
		return domain.StoredBlob{}, err
	}
	blob := domain.StoredBlob{
		ContentKey: filepath.Base(path),
		Size:       info.Size(),
		ModTime:    info.ModTime(),
	}
	blob.MimeType, _ = getMimeType(path)
	if header, err := s.Header(key); err == nil {
		blob.ETag = header.Get("ETag")
		if blob.MimeType == "" {
			blob.MimeType = mediaType(header.Get("Content-Type"))
		}
	}
	return blob, nil
}

// Open opens the blob stored for key for reading.
func (s *Store) Open(key string) (*os.File, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return f, nil
}

// MimeType returns the MIME tag attached to the blob for key.
func (s *Store) MimeType(key string) (string, error) {
	return getMimeType(s.Path(key))
}

// SweepStaging removes staging files older than maxAge, left behind by
// interrupted downloads. Returns the number of files removed.
func (s *Store) SweepStaging(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.staging, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept staging files", "count", removed)
	}
	return removed, nil
}

func (s *Store) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove temp file", "path", path, "error", err)
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
