package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const levelPrefix = "s:"

// LevelStore keeps slots in an on-disk leveldb database. Writes are synced so
// a flag set right before the process dies survives the next launch.
type LevelStore struct {
	db *leveldb.DB
}

func NewLevelStore(path string) (*LevelStore, error) {
	if path == "" {
		return nil, errors.New("leveldb path is empty")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func (l *LevelStore) Get(_ context.Context, slot string) (string, error) {
	b, err := l.db.Get([]byte(levelPrefix+slot), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", slot, err)
	}
	return string(b), nil
}

func (l *LevelStore) Set(_ context.Context, slot, value string) error {
	if err := l.db.Put([]byte(levelPrefix+slot), []byte(value), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("put %s: %w", slot, err)
	}
	return nil
}

func (l *LevelStore) Delete(_ context.Context, slot string) error {
	if err := l.db.Delete([]byte(levelPrefix+slot), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("delete %s: %w", slot, err)
	}
	return nil
}

func (l *LevelStore) Close() error {
	return l.db.Close()
}
