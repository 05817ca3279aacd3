// Package cache keeps records fetched from the network while they are
// needed as validation dependencies.
//
// Cached records are not authoritative: they are never served by queries
// and never integrated directly. They only let structural and application
// validation resolve a previous action, an original or deleted action, or
// a link-add action without waiting for the op carrying it to integrate.
//
// Storage is a bbolt file with one bucket per content type, keyed by hash.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
)

var (
	bucketActions = []byte("actions")
	bucketEntries = []byte("entries")
)

// ErrCounterfeit is returned when a fetched record does not match the hash
// it claims.
var ErrCounterfeit = errors.New("record does not match its hash")

// Cache is a bbolt-backed fetch cache.
type Cache struct {
	db  *bolt.DB
	log *slog.Logger
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketActions, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open cache: create buckets: %w", err)
	}
	return &Cache{db: db, log: slog.Default().With("component", "cache")}, nil
}

// Close closes the cache file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// PutRecords stores fetched records. Every action signature and hash, and
// every carried entry hash, is checked first; one bad record rejects the
// whole batch.
func (c *Cache) PutRecords(records []ir.Record) error {
	actions := make(map[ir.ActionHash][]byte, len(records))
	entries := make(map[ir.EntryHash][]byte, len(records))

	for _, r := range records {
		hash, err := r.Action.Hash()
		if err != nil {
			return fmt.Errorf("put records: %w", err)
		}
		if !keystore.VerifyAction(r.Action) {
			return fmt.Errorf("put records %s: %w", ir.Short(hash), ErrCounterfeit)
		}
		body, err := json.Marshal(r.Action)
		if err != nil {
			return fmt.Errorf("put records: %w", err)
		}
		actions[hash] = body

		if r.Entry == nil {
			continue
		}
		eh, err := r.Entry.Hash()
		if err != nil {
			return fmt.Errorf("put records: %w", err)
		}
		if eh != r.Action.Action.EntryHash {
			return fmt.Errorf("put records %s: entry: %w", ir.Short(hash), ErrCounterfeit)
		}
		body, err = json.Marshal(r.Entry)
		if err != nil {
			return fmt.Errorf("put records: %w", err)
		}
		entries[eh] = body
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		ab := tx.Bucket(bucketActions)
		for h, body := range actions {
			if err := ab.Put([]byte(h), body); err != nil {
				return err
			}
		}
		eb := tx.Bucket(bucketEntries)
		for h, body := range entries {
			if err := eb.Put([]byte(h), body); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put records: %w", err)
	}
	c.log.Debug("cached fetched records", "actions", len(actions), "entries", len(entries))
	return nil
}

// Action returns a cached action. found is false on a miss.
func (c *Cache) Action(hash ir.ActionHash) (ir.SignedAction, bool, error) {
	var (
		sa    ir.SignedAction
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(bucketActions).Get([]byte(hash))
		if bs == nil {
			return nil
		}
		found = true
		return json.Unmarshal(bs, &sa)
	})
	if err != nil {
		return ir.SignedAction{}, false, fmt.Errorf("cache action %s: %w", ir.Short(hash), err)
	}
	return sa, found, nil
}

// Entry returns a cached entry. found is false on a miss.
func (c *Cache) Entry(hash ir.EntryHash) (ir.Entry, bool, error) {
	var (
		e     ir.Entry
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(bucketEntries).Get([]byte(hash))
		if bs == nil {
			return nil
		}
		found = true
		return json.Unmarshal(bs, &e)
	})
	if err != nil {
		return ir.Entry{}, false, fmt.Errorf("cache entry %s: %w", ir.Short(hash), err)
	}
	return e, found, nil
}

// Evict drops cached actions once they are no longer needed, e.g. after
// the ops carrying them integrated.
func (c *Cache) Evict(hashes []ir.ActionHash) error {
	if len(hashes) == 0 {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		for _, h := range hashes {
			if err := b.Delete([]byte(h)); err != nil {
				return fmt.Errorf("evict %s: %w", ir.Short(h), err)
			}
		}
		return nil
	})
}

// Len returns the number of cached actions and entries.
func (c *Cache) Len() (actions, entries int, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		actions = tx.Bucket(bucketActions).Stats().KeyN
		entries = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return actions, entries, err
}
