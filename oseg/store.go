package oseg

import (
	"context"
	"errors"

	"github.com/tidwall/buntdb"
)

// Store is the abstract OSeg backing-store contract (spec.md §4.2):
// async key/value operations that may fail transiently. Implementations
// must treat SET/SETNX as the commit point -- no partial state.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// SetNX sets key only if absent, reporting whether it did.
	SetNX(ctx context.Context, key, value string) (set bool, err error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
	Close() error
}

var ErrStoreUnavailable = errors.New("oseg: backing store unreachable")

// BuntStore is the default local Store, grounded on
// github.com/tidwall/buntdb (SPEC_FULL.md domain stack: buntdb -> oseg
// default local KV backing store). Suitable for single-server testing
// and for deployments that colocate the directory with one space server;
// production multi-server deployments point at RedisStore instead.
type BuntStore struct {
	db *buntdb.DB
}

// NewBuntStore opens (or creates) a buntdb file at path, or an
// in-memory store if path is ":memory:".
func NewBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &BuntStore{db: db}, nil
}

func (b *BuntStore) Get(_ context.Context, key string) (string, bool, error) {
	var val string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *BuntStore) SetNX(_ context.Context, key, value string) (bool, error) {
	set := false
	err := b.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return nil // already present: SETNX is a no-op, set stays false
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		if _, _, err := tx.Set(key, value, nil); err != nil {
			return err
		}
		set = true
		return nil
	})
	return set, err
}

func (b *BuntStore) Set(_ context.Context, key, value string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
}

func (b *BuntStore) Del(_ context.Context, key string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (b *BuntStore) Close() error { return b.db.Close() }

var _ Store = (*BuntStore)(nil)
