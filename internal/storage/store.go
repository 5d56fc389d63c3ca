package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"display-resolver/internal/config"
)

// ErrNotFound is returned by Get when a slot has never been written or was deleted.
var ErrNotFound = errors.New("storage: slot not found")

// Slot names. Values are opaque strings; typed access goes through State.
const (
	SlotNativeOnly  = "native_only_v1"
	SlotEndpoint    = "secured_endpoint_v1"
	SlotPathID      = "extracted_path_id_v1"
	SlotRemoteShown = "remote_shown_v1"
	SlotRatingShown = "rating_shown_v1"
	SlotInstallID   = "install_id_v1"
)

// Store is a plain key/value contract over named slots. Implementations must
// tolerate one writer and one reader without external locking.
type Store interface {
	Get(ctx context.Context, slot string) (string, error)
	Set(ctx context.Context, slot, value string) error
	Delete(ctx context.Context, slot string) error
	Close() error
}

// Open builds the backend selected by cfg.Storage.Backend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "leveldb":
		return NewLevelStore(cfg.Storage.LevelDBPath)
	case "postgres":
		return NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
