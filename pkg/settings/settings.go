// Package settings holds the live site configuration: loaded from the state
// store at start, migrated across schema versions, and written through on
// every update.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/types"
)

// storeKey is the state-store key holding the settings document.
const storeKey = "settings"

// document is the persisted envelope.
type document struct {
	Version  int            `json:"version"`
	Settings types.Settings `json:"settings"`
}

// Applier pushes freshly decrypted credentials into a live component. It
// returns the (possibly updated) credentials and whether they changed, so
// a refreshed session token gets re-sealed and persisted.
type Applier func(ctx context.Context, settings types.Settings, creds types.Credentials) (types.Credentials, bool)

// Manager is the single writer of the settings document. Readers get
// value copies, so a snapshot taken at the start of an operation stays
// coherent even if the user saves mid-flight.
type Manager struct {
	store         storage.Store
	encryptionKey string

	mu       sync.RWMutex
	current  types.Settings
	appliers []Applier
}

// Configured sets up the manager based on flags.
func Configured(store storage.Store) *Manager {
	key := lflag.String("credentials-encryption-key", "", "32-character key for encrypting stored credentials")

	m := &Manager{store: store}
	lflag.Do(func() {
		if *key != "" && len(*key) != 32 {
			panic("credentials-encryption-key must be 32 characters")
		}
		m.encryptionKey = *key
	})
	return m
}

// NewManager creates a manager without flag wiring, for tests.
func NewManager(store storage.Store, encryptionKey string) *Manager {
	return &Manager{store: store, encryptionKey: encryptionKey}
}

// OnApply registers fn to receive decrypted credentials after Load and
// after every successful Update. Register before Load.
func (m *Manager) OnApply(fn Applier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliers = append(m.appliers, fn)
}

// Load reads the persisted settings and migrates them to the current
// version. A missing document starts from defaults.
func (m *Manager) Load(ctx context.Context) error {
	var doc document
	err := m.store.Get(ctx, storeKey, &doc)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	migrated, changed, err := types.MigrateSettings(doc.Settings, doc.Version)
	if err != nil {
		// best effort: run with what we have
		log.Ctx(ctx).ErrorContext(ctx, "settings migration failed",
			slog.Int("version", doc.Version),
			slog.Any("error", err),
		)
		migrated = doc.Settings
	} else if changed {
		log.Ctx(ctx).InfoContext(ctx, "migrated settings",
			slog.Int("oldVersion", doc.Version),
			slog.Int("newVersion", types.CurrentSettingsVersion),
		)
		if err := m.store.Set(ctx, storeKey, document{
			Version:  types.CurrentSettingsVersion,
			Settings: migrated,
		}); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
		}
	}

	m.mu.Lock()
	m.current = migrated
	m.mu.Unlock()

	m.applyCredentials(ctx, migrated)
	return nil
}

// applyCredentials decrypts the sealed blob and fans it out to the live
// adapters (the battery controller, the retailer source, the price
// stream). An applier returning changed credentials gets them re-sealed
// and written through so cached tokens survive restarts.
func (m *Manager) applyCredentials(ctx context.Context, s types.Settings) {
	m.mu.RLock()
	appliers := m.appliers
	m.mu.RUnlock()
	if len(appliers) == 0 {
		return
	}

	creds, err := m.DecryptCredentials(s.EncryptedCredentials)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot apply credentials", slog.Any("error", err))
		return
	}

	changed := false
	for _, fn := range appliers {
		var c bool
		creds, c = fn(ctx, s, creds)
		changed = changed || c
	}
	if !changed {
		return
	}

	sealed, err := m.EncryptCredentials(creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to re-seal updated credentials", slog.Any("error", err))
		return
	}

	m.mu.Lock()
	m.current.EncryptedCredentials = sealed
	next := m.current
	m.mu.Unlock()
	if err := m.store.Set(ctx, storeKey, document{
		Version:  types.CurrentSettingsVersion,
		Settings: next,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist updated credentials", slog.Any("error", err))
	}
}

// Get returns a copy of the current settings.
func (m *Manager) Get() types.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Func returns the read accessor handed to components.
func (m *Manager) Func() func() types.Settings {
	return m.Get
}

// Update applies mutate to a copy of the current settings, persists the
// result and makes it live. Mutate returning an error aborts the update.
// Credential appliers run after the write so a saved credential change
// immediately reaches the adapters.
func (m *Manager) Update(ctx context.Context, mutate func(*types.Settings) error) (types.Settings, error) {
	m.mu.Lock()
	cur := m.current
	next := cur
	if err := mutate(&next); err != nil {
		m.mu.Unlock()
		return cur, err
	}
	if err := m.store.Set(ctx, storeKey, document{
		Version:  types.CurrentSettingsVersion,
		Settings: next,
	}); err != nil {
		m.mu.Unlock()
		return cur, err
	}
	m.current = next
	m.mu.Unlock()

	m.applyCredentials(ctx, next)
	return next, nil
}
