package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("support_state")

type boltEnvelope struct {
	ExpiresAt int64           `json:"expires_at"` // unix nanoseconds, 0 = never
	Data      json.RawMessage `json:"data"`
}

// BoltCache persists entries in a single bbolt file. Expiry is checked on
// read and enforced by Sweep.
type BoltCache struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltCache{db: db, now: time.Now}, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	var env boltEnvelope
	var decodeErr error
	found := false

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		decodeErr = json.Unmarshal(v, &env)
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if decodeErr != nil {
		return false, corrupt(key, decodeErr, c.Del(ctx, key))
	}
	if !found || c.expired(env.ExpiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return false, corrupt(key, err, c.Del(ctx, key))
	}
	return true, nil
}

func (c *BoltCache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	env := boltEnvelope{Data: data}
	if ttl > 0 {
		env.ExpiresAt = c.now().Add(ttl).UnixNano()
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), b)
	})
}

func (c *BoltCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sweep deletes expired and unreadable entries. On error nothing is removed.
func (c *BoltCache) Sweep() (SweepResult, error) {
	var res SweepResult
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		var expired, unreadable [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var env boltEnvelope
			switch {
			case json.Unmarshal(v, &env) != nil:
				unreadable = append(unreadable, append([]byte(nil), k...))
			case c.expired(env.ExpiresAt):
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range append(expired, unreadable...) {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		res = SweepResult{Expired: len(expired), Corrupt: len(unreadable)}
		return nil
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to sweep bolt store: %w", err)
	}
	return res, nil
}

func (c *BoltCache) expired(expiresAt int64) bool {
	return expiresAt != 0 && c.now().UnixNano() >= expiresAt
}
