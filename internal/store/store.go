// Package store implements the opaque key/value namespace the rest of the
// node treats as persistent configuration storage (spec §4.I, §6). On-disk
// format is an implementation detail, not part of the specified interface:
// it is backed by BoltDB, one bucket per logical namespace, with
// full-replace-per-namespace semantics.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Namespace names the five logical config categories (spec §6).
type Namespace string

const (
	NamespaceWifi        Namespace = "wifi"
	NamespaceZone         Namespace = "zone"
	NamespaceSystem       Namespace = "system"
	NamespaceSensorSet    Namespace = "sensor-set"
	NamespaceActuatorSet  Namespace = "actuator-set"
)

// All lists the namespaces in warm-boot load order (spec §4.I).
var All = []Namespace{NamespaceWifi, NamespaceZone, NamespaceSystem, NamespaceSensorSet, NamespaceActuatorSet}

// Store wraps a BoltDB file, exposing whole-namespace replace and read.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB file at path, creating one bucket per
// namespace.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range All {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ReplaceAll atomically deletes every existing key in the namespace and
// writes items in its place — a full replace, never a merge.
func (s *Store) ReplaceAll(ns Namespace, items map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			var err error
			b, err = tx.CreateBucket([]byte(ns))
			if err != nil {
				return err
			}
		} else {
			if err := tx.DeleteBucket([]byte(ns)); err != nil {
				return err
			}
			var err error
			b, err = tx.CreateBucket([]byte(ns))
			if err != nil {
				return err
			}
		}
		for k, v := range items {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal %s/%s: %w", ns, k, err)
			}
			if err := b.Put([]byte(k), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll reads every key in a namespace into dest (a map keyed by the same
// string keys, decoded via json.Unmarshal into json.RawMessage for the
// caller to further decode per item). A missing namespace returns an empty
// map and no error — a missing category is acceptable at warm boot.
func (s *Store) LoadAll(ns Namespace) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			raw := make(json.RawMessage, len(v))
			copy(raw, v)
			out[string(k)] = raw
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ns, err)
	}
	return out, nil
}
