// Package registry implements the per-user JSON ingestion ledger.
package registry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
	"sync_server/pkg/logger"
)

// =============================================================================
// File Registry
// =============================================================================

const (
	registryFileMode = 0o600
	registryDirMode  = 0o755
)

// registryFile is the on-disk shape: one JSON document per user, entries
// keyed by canonical path.
type registryFile struct {
	Version   int                              `json:"version"`
	UserID    string                           `json:"user_id"`
	UpdatedAt time.Time                        `json:"updated_at"`
	Entries   map[string]*domain.RegistryEntry `json:"entries"`
}

// userLedger is the in-memory state for one user. Writes buffer here
// until Flush; the sync manager guarantees one writer per user.
type userLedger struct {
	entries map[string]*domain.RegistryEntry
	dirty   bool
}

// FileRegistry keeps one ledger file per user under the registry root.
// Reads hit memory after the first load; Flush persists by writing a
// temp file and renaming it over the target.
type FileRegistry struct {
	root  string
	users map[string]*userLedger
	mu    sync.RWMutex
	log   *logger.Logger
}

// NewFileRegistry creates a registry rooted at dir (created on demand).
func NewFileRegistry(dir string) *FileRegistry {
	return &FileRegistry{
		root:  dir,
		users: make(map[string]*userLedger),
		log:   logger.WithField("component", "file_registry"),
	}
}

func (r *FileRegistry) ledgerPath(userID string) string {
	return filepath.Join(r.root, userID+".json")
}

// ledger returns the loaded ledger for the user, reading the file on
// first touch. Callers hold no lock; ledger takes the write lock only
// when a load is needed.
func (r *FileRegistry) ledger(userID string) (*userLedger, error) {
	r.mu.RLock()
	l, ok := r.users[userID]
	r.mu.RUnlock()
	if ok {
		return l, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.users[userID]; ok {
		return l, nil
	}

	l = &userLedger{entries: make(map[string]*domain.RegistryEntry)}
	raw, err := os.ReadFile(r.ledgerPath(userID))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First sync for this user.
	case err != nil:
		return nil, apperr.StorageError("read registry", err)
	default:
		var file registryFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, apperr.ParseError("registry file", err)
		}
		if file.Entries != nil {
			l.entries = file.Entries
		}
	}

	r.users[userID] = l
	return l, nil
}

// =============================================================================
// Reads
// =============================================================================

// FileExists reports whether path was already ingested for the user.
func (r *FileRegistry) FileExists(ctx context.Context, userID, path string) (bool, error) {
	l, err := r.ledger(userID)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := l.entries[path]
	return ok, nil
}

// Lookup returns the entry at path, or nil when absent.
func (r *FileRegistry) Lookup(ctx context.Context, userID, path string) (*domain.RegistryEntry, error) {
	l, err := r.ledger(userID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := l.entries[path]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

// ListByPrefix returns entries whose path starts with prefix, ordered by
// path for stable output.
func (r *FileRegistry) ListByPrefix(ctx context.Context, userID, prefix string) ([]*domain.RegistryEntry, error) {
	l, err := r.ledger(userID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.RegistryEntry
	for path, e := range l.entries {
		if strings.HasPrefix(path, prefix) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// =============================================================================
// Writes
// =============================================================================

// Register upserts the entry at entry.Path. The write stays in memory
// until Flush.
func (r *FileRegistry) Register(ctx context.Context, userID string, entry *domain.RegistryEntry) error {
	if entry == nil || entry.Path == "" {
		return apperr.MissingField("path")
	}
	l, err := r.ledger(userID)
	if err != nil {
		return err
	}

	stored := entry.Clone()
	if stored.IngestedAt.IsZero() {
		stored.IngestedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	l.entries[stored.Path] = stored
	l.dirty = true
	return nil
}

// UpdateEmailClassification stamps the classified action on every entry
// whose email_id metadata matches: the email body entry and any
// attachment entries that carry the same id.
func (r *FileRegistry) UpdateEmailClassification(ctx context.Context, userID, emailID string, action domain.EmailAction) (int, error) {
	if emailID == "" {
		return 0, apperr.MissingField("email_id")
	}
	l, err := r.ledger(userID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for _, e := range l.entries {
		if e.EmailID() != emailID {
			continue
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[domain.RegistryMetaClassifiedAction] = string(action)
		updated++
	}
	if updated > 0 {
		l.dirty = true
	}
	return updated, nil
}

// =============================================================================
// Flush
// =============================================================================

// Flush persists buffered writes for the user. A clean ledger is a
// no-op; the write goes through a temp file in the registry directory
// and an atomic rename.
func (r *FileRegistry) Flush(ctx context.Context, userID string) error {
	l, err := r.ledger(userID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !l.dirty {
		return nil
	}

	if err := os.MkdirAll(r.root, registryDirMode); err != nil {
		return apperr.StorageError("create registry directory", err)
	}

	blob, err := json.Marshal(&registryFile{
		Version:   1,
		UserID:    userID,
		UpdatedAt: time.Now().UTC(),
		Entries:   l.entries,
	})
	if err != nil {
		return apperr.StorageError("encode registry", err)
	}

	tmp, err := os.CreateTemp(r.root, "."+userID+".*")
	if err != nil {
		return apperr.StorageError("create temp registry file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.StorageError("write registry file", err)
	}
	if err := tmp.Chmod(registryFileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.StorageError("chmod registry file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.StorageError("close registry file", err)
	}
	if err := os.Rename(tmpName, r.ledgerPath(userID)); err != nil {
		os.Remove(tmpName)
		return apperr.StorageError("rename registry file", err)
	}

	l.dirty = false
	r.log.WithUser(userID).Debug("registry flushed entries=%d", len(l.entries))
	return nil
}

// Interface compliance check
var _ out.Registry = (*FileRegistry)(nil)
