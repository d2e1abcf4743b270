// Package workspace implements the per-session file store.
//
// Files are content addressed: bytes live in <root>/<session>/.blobs/<hash>
// where hash is the hex BLAKE3 digest, and <root>/<session>/.bassi/workspace.json
// records each file's logical name, folder role and upload time in
// insertion order. Uploading bytes a session already holds returns the
// existing record and writes nothing new.
package workspace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// DefaultMaxFileSize is the upload ceiling when none is configured.
const DefaultMaxFileSize int64 = 100 << 20

// Record is the metadata document of one session workspace.
type Record struct {
	SessionID   string                `json:"sessionID"`
	DisplayName string                `json:"displayName,omitempty"`
	CreatedAt   int64                 `json:"createdAt"`
	Files       []types.WorkspaceFile `json:"files"`
}

// Stats aggregates the record's files.
func (r *Record) Stats() types.WorkspaceStats {
	stats := types.WorkspaceStats{FileCount: len(r.Files)}
	for _, f := range r.Files {
		stats.ByteTotal += f.Size
	}
	return stats
}

// Store manages session workspaces on an afero filesystem.
type Store struct {
	fs          afero.Fs
	root        string
	maxFileSize int64
	bus         *event.Bus

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes writes to one session. refs counts holders and
// waiters and is guarded by Store.mu.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxFileSize sets the upload ceiling in bytes.
func WithMaxFileSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithBus publishes workspace.file.added events on bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// New creates a store rooted at root on fs.
func New(fs afero.Fs, root string, opts ...Option) *Store {
	s := &Store{
		fs:          fs,
		root:        filepath.Clean(root),
		maxFileSize: DefaultMaxFileSize,
		locks:       make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the directory holding all session workspaces.
func (s *Store) Root() string {
	return s.root
}

// MaxFileSize returns the upload ceiling in bytes.
func (s *Store) MaxFileSize() int64 {
	return s.maxFileSize
}

// Path returns the directory of a session workspace.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) metaPath(sessionID string) string {
	return filepath.Join(s.root, sessionID, metaDir, "workspace.json")
}

func (s *Store) blobPath(sessionID, hash string) string {
	return filepath.Join(s.root, sessionID, blobsDir, hash)
}

// lock takes the session's write lock and returns the function releasing
// it. The entry is dropped once nobody holds or waits for it.
func (s *Store) lock(sessionID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}

// Create makes the workspace directory of a session and its metadata
// record. It is a no-op for an existing workspace.
func (s *Store) Create(sessionID string) (*Record, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	unlock := s.lock(sessionID)
	defer unlock()

	rec, err := s.readRecord(sessionID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rec = &Record{SessionID: sessionID, CreatedAt: time.Now().UnixMilli(), Files: []types.WorkspaceFile{}}
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Exists reports whether the session has a workspace directory.
func (s *Store) Exists(sessionID string) bool {
	if validSessionID(sessionID) != nil {
		return false
	}
	ok, _ := afero.DirExists(s.fs, s.Path(sessionID))
	return ok
}

// Put streams r into the session workspace under logicalName.
//
// The content hash is computed while copying, so the payload is never held
// in memory. If the session already holds the same bytes, the existing
// record is returned (with logicalName added to its aliases) and nothing
// new is written. An empty role means user input.
func (s *Store) Put(ctx context.Context, sessionID string, r io.Reader, logicalName string, role types.FolderRole) (*types.WorkspaceFile, error) {
	file, err := s.put(ctx, sessionID, r, logicalName, role)
	var (
		invalid  *InvalidNameError
		tooLarge *FileTooLargeError
	)
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		metrics.Uploads.WithLabelValues("invalid_name").Inc()
	case errors.As(err, &tooLarge):
		metrics.Uploads.WithLabelValues("too_large").Inc()
	default:
		metrics.Uploads.WithLabelValues("error").Inc()
	}
	return file, err
}

func (s *Store) put(ctx context.Context, sessionID string, r io.Reader, logicalName string, role types.FolderRole) (*types.WorkspaceFile, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	if role == "" {
		role = types.RoleUserInput
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	name, err := canonicalName(s.Path(sessionID), logicalName)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(sessionID)
	defer unlock()

	blobs := filepath.Join(s.root, sessionID, blobsDir)
	if err := s.fs.MkdirAll(blobs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, blobs, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = s.fs.Remove(tmpName)
		}
	}()

	hasher := blake3.New()
	limited := io.LimitReader(&ctxReader{ctx: ctx, r: r}, s.maxFileSize+1)
	size, err := io.Copy(tmp, io.TeeReader(limited, hasher))
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close upload: %w", closeErr)
	}
	if size > s.maxFileSize {
		return nil, &FileTooLargeError{Name: name, Limit: s.maxFileSize}
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	rec, err := s.readRecord(sessionID)
	if errors.Is(err, ErrNotFound) {
		rec = &Record{SessionID: sessionID, CreatedAt: time.Now().UnixMilli()}
	} else if err != nil {
		return nil, err
	}

	if i := slices.IndexFunc(rec.Files, func(f types.WorkspaceFile) bool { return f.ContentHash == hash }); i >= 0 {
		existing := &rec.Files[i]
		if name != existing.LogicalName && !slices.Contains(existing.Aliases, name) {
			existing.Aliases = append(existing.Aliases, name)
			if err := s.writeRecord(rec); err != nil {
				return nil, err
			}
		}
		out := cloneFile(*existing)
		metrics.Uploads.WithLabelValues("deduplicated").Inc()
		logging.Debug().
			Str("sessionID", sessionID).
			Str("hash", hash).
			Str("name", name).
			Msg("Upload deduplicated")
		s.publish(sessionID, out, true)
		return &out, nil
	}

	if err := s.fs.Rename(tmpName, s.blobPath(sessionID, hash)); err != nil {
		return nil, fmt.Errorf("failed to store blob: %w", err)
	}
	keep = true

	file := types.WorkspaceFile{
		ContentHash: hash,
		LogicalName: name,
		Size:        size,
		UploadedAt:  time.Now().UnixMilli(),
		FolderRole:  role,
	}
	rec.Files = append(rec.Files, file)
	if err := s.writeRecord(rec); err != nil {
		_ = s.fs.Remove(s.blobPath(sessionID, hash))
		return nil, err
	}

	metrics.Uploads.WithLabelValues("stored").Inc()
	metrics.UploadBytes.Add(float64(size))
	logging.Info().
		Str("sessionID", sessionID).
		Str("hash", hash).
		Str("name", name).
		Int64("size", size).
		Msg("File stored")
	s.publish(sessionID, file, false)
	return &file, nil
}

func (s *Store) publish(sessionID string, file types.WorkspaceFile, dedup bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Type: event.WorkspaceFileAdded,
		Data: event.FileAddedData{SessionID: sessionID, File: file, Deduplicated: dedup},
	})
}

// List returns the session's files in insertion order.
func (s *Store) List(sessionID string) ([]types.WorkspaceFile, error) {
	rec, err := s.Record(sessionID)
	if err != nil {
		return nil, err
	}
	return rec.Files, nil
}

// Stats returns the file count and byte total of a session.
func (s *Store) Stats(sessionID string) (types.WorkspaceStats, error) {
	rec, err := s.Record(sessionID)
	if err != nil {
		return types.WorkspaceStats{}, err
	}
	return rec.Stats(), nil
}

// Record returns a copy of the session's metadata. A session without a
// workspace yields ErrNotFound.
func (s *Store) Record(sessionID string) (*Record, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	unlock := s.lock(sessionID)
	defer unlock()
	return s.readRecord(sessionID)
}

// Open returns a reader over the blob with the given hash.
func (s *Store) Open(sessionID, hash string) (afero.File, *types.WorkspaceFile, error) {
	if !validHash(hash) {
		return nil, nil, fmt.Errorf("%w: blob %q", ErrNotFound, hash)
	}
	rec, err := s.Record(sessionID)
	if err != nil {
		return nil, nil, err
	}
	i := slices.IndexFunc(rec.Files, func(f types.WorkspaceFile) bool { return f.ContentHash == hash })
	if i < 0 {
		return nil, nil, fmt.Errorf("%w: blob %q", ErrNotFound, hash)
	}

	f, err := s.fs.Open(s.blobPath(sessionID, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: blob %q", ErrNotFound, hash)
		}
		return nil, nil, fmt.Errorf("failed to open blob: %w", err)
	}
	file := rec.Files[i]
	return f, &file, nil
}

// SetDisplayName stores the session's display name in its metadata record.
func (s *Store) SetDisplayName(sessionID, name string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	unlock := s.lock(sessionID)
	defer unlock()

	rec, err := s.readRecord(sessionID)
	if errors.Is(err, ErrNotFound) {
		rec = &Record{SessionID: sessionID, CreatedAt: time.Now().UnixMilli()}
	} else if err != nil {
		return err
	}
	rec.DisplayName = name
	return s.writeRecord(rec)
}

// Purge deletes the session's workspace and everything in it.
func (s *Store) Purge(sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	unlock := s.lock(sessionID)
	defer unlock()

	if err := s.fs.RemoveAll(s.Path(sessionID)); err != nil {
		return fmt.Errorf("failed to purge workspace %s: %w", sessionID, err)
	}
	logging.Info().Str("sessionID", sessionID).Msg("Workspace purged")
	return nil
}

// Sessions lists the ids of all session directories under the root.
func (s *Store) Sessions() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || validSessionID(entry.Name()) != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// readRecord loads the metadata record. Callers hold the session lock.
func (s *Store) readRecord(sessionID string) (*Record, error) {
	data, err := afero.ReadFile(s.fs, s.metaPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			if ok, _ := afero.DirExists(s.fs, s.Path(sessionID)); ok {
				// A bare directory counts as an empty workspace.
				rec := &Record{SessionID: sessionID, Files: []types.WorkspaceFile{}}
				if info, err := s.fs.Stat(s.Path(sessionID)); err == nil {
					rec.CreatedAt = info.ModTime().UnixMilli()
				}
				return rec, nil
			}
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to read workspace record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode workspace record %s: %w", sessionID, err)
	}
	if rec.Files == nil {
		rec.Files = []types.WorkspaceFile{}
	}
	return &rec, nil
}

// writeRecord replaces the metadata record atomically. Callers hold the
// session lock.
func (s *Store) writeRecord(rec *Record) error {
	path := s.metaPath(rec.SessionID)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode workspace record: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write workspace record: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to replace workspace record: %w", err)
	}
	return nil
}

func cloneFile(f types.WorkspaceFile) types.WorkspaceFile {
	f.Aliases = slices.Clone(f.Aliases)
	return f
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
