package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Keys owned by the controller's components. Each key has exactly one
// writer; the store only arbitrates the document itself.
const (
	KeyCachedExportRule     = "cached_export_rule"
	KeyBatteryHealth        = "battery_health"
	KeyForceModeState       = "force_mode_state"
	KeyManualExportOverride = "manual_export_override"
	KeyInverterLastState    = "inverter_last_state"
	KeyInverterPowerLimitW  = "inverter_power_limit_w"
)

// ErrNotFound is returned by Get when the key has never been written or
// was deleted.
var ErrNotFound = errors.New("key not found")

// Store is versioned key/value persistence. Values are JSON-encoded; a
// write to one key never loses a concurrent write to another.
type Store interface {
	// Get unmarshals the stored value into dest. Returns ErrNotFound when
	// the key is absent.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the JSON encoding of value under key atomically.
	Set(ctx context.Context, key string, value interface{}) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// Configured sets up the state store based on flags.
func Configured() Store {
	provider := lflag.String("storage-provider", "local", "Storage provider to use (available: local, firestore)")

	var p struct{ Store }

	local := configuredLocal()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "local":
			if err := local.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("local storage init failed: %v", err))
			}
			p.Store = local
		case "firestore":
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Store = fs
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
