package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/tousync/tousync/pkg/log"
)

const localSchemaVersion = 1

// localDocument is the on-disk shape of the local store: one JSON document
// holding every key. Values stay raw so keys written by a newer build are
// carried through rewrites untouched.
type localDocument struct {
	Version int                        `json:"version"`
	Keys    map[string]json.RawMessage `json:"keys"`
}

// Local persists state to a single JSON document with copy-on-write
// semantics: every Set/Delete rewrites the whole document to a temp file
// and renames it into place.
type Local struct {
	mu   sync.Mutex
	path string
	doc  localDocument
}

func configuredLocal() *Local {
	path := lflag.String("storage-path", "tousync_state.json", "Path to the local state document")

	l := &Local{}
	lflag.Do(func() {
		l.path = *path
	})
	return l
}

// Init reads the document from disk. A missing file starts empty; an
// unparseable file is reset to empty with an alert, since stale state is
// recoverable but a wedged controller is not.
func (l *Local) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.doc = localDocument{
		Version: localSchemaVersion,
		Keys:    map[string]json.RawMessage{},
	}

	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state document: %w", err)
	}

	var doc localDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "state document corrupt, resetting",
			slog.String("path", l.path), slog.Any("error", err))
		return nil
	}
	if doc.Version > localSchemaVersion {
		return fmt.Errorf("state document version %d is newer than supported %d", doc.Version, localSchemaVersion)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]json.RawMessage{}
	}
	doc.Version = localSchemaVersion
	l.doc = doc
	return nil
}

// Get unmarshals the stored value into dest.
func (l *Local) Get(ctx context.Context, key string, dest interface{}) error {
	l.mu.Lock()
	raw, ok := l.doc.Keys[key]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Set stores the value and rewrites the document.
func (l *Local) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.Keys[key] = raw
	return l.persistLocked()
}

// Delete removes the key and rewrites the document.
func (l *Local) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.doc.Keys[key]; !ok {
		return nil
	}
	delete(l.doc.Keys, key)
	return l.persistLocked()
}

// persistLocked writes the document to a temp file in the same directory
// and renames it over the target so readers never see a partial write.
// Must be called with l.mu held.
func (l *Local) persistLocked() error {
	raw, err := json.Marshal(l.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state document: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state document: %w", err)
	}
	return nil
}

// Close is a no-op; every write is already flushed.
func (l *Local) Close() error {
	return nil
}
