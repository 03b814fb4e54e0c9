package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var carsBucket = []byte("cars")

// BoltCache persists cars in a BoltDB file, one JSON value per car id.
type BoltCache struct {
	db *bbolt.DB
}

func OpenBoltCache(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("[registry] create db dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("[registry] open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(carsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[registry] create bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (b *BoltCache) Put(c Car) error {
	v, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(carsBucket).Put([]byte(c.ID), v)
	})
}

func (b *BoltCache) Delete(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(carsBucket).Delete([]byte(id))
	})
}

// LoadAll returns every stored car. Undecodable entries are skipped.
func (b *BoltCache) LoadAll() ([]Car, error) {
	var out []Car
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(carsBucket).ForEach(func(k, v []byte) error {
			var c Car
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (b *BoltCache) Close() error {
	return b.db.Close()
}
