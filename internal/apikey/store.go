// Package apikey implements component B, the API-key store: a
// key-to-caller-address map backed by a plain embedded KV file, with an
// in-memory read cache so the REST ingress's hot path never touches
// disk. Writes are rare (issuance/revocation from the admin surface) and
// go straight through bbolt, which already serializes them with its
// single-writer transaction model.
package apikey

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var keysBucket = []byte("api_keys")

// Key is a single issued API key record.
type Key struct {
	Key       string    `json:"key"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	Revoked   bool      `json:"revoked"`
}

// Store is the bbolt-backed API-key store.
type Store struct {
	db *bolt.DB

	mu    sync.RWMutex
	cache map[string]Key
}

// Open opens (creating if necessary) the bbolt file at path and warms
// the in-memory cache from its contents.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("apikey: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apikey: create bucket: %w", err)
	}

	s := &Store{db: db, cache: make(map[string]Key)}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var rec Key
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("apikey: corrupt record for %s: %w", k, err)
			}
			s.cache[rec.Key] = rec
			return nil
		})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Issue creates a new high-entropy key bound to address and persists it.
func (s *Store) Issue(address string) (*Key, error) {
	rec := Key{
		Key:       uuid.New().String(),
		Address:   address,
		CreatedAt: time.Now().UTC(),
		Revoked:   false,
	}

	if err := s.put(rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Revoke soft-deletes key, if present. It is not an error to revoke an
// already-revoked or unknown key.
func (s *Store) Revoke(key string) error {
	s.mu.RLock()
	rec, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	rec.Revoked = true
	return s.put(rec)
}

func (s *Store) put(rec Key) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("apikey: marshal record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put([]byte(rec.Key), data)
	})
	if err != nil {
		return fmt.Errorf("apikey: write record: %w", err)
	}

	s.mu.Lock()
	s.cache[rec.Key] = rec
	s.mu.Unlock()
	return nil
}

// Resolve looks up key and returns its record, provided it exists and
// has not been revoked. It never touches disk.
func (s *Store) Resolve(key string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.cache[key]
	if !ok || rec.Revoked {
		return nil, false
	}
	return &rec, true
}

// List returns every non-revoked key, ordered by key string for
// deterministic admin-endpoint output.
func (s *Store) List() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Key, 0, len(s.cache))
	for _, rec := range s.cache {
		if !rec.Revoked {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
