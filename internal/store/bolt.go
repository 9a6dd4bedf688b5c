package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCodes = []byte("rolling_codes")

type codeRecord struct {
	Code uint16 `json:"code"`
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) NextCode(id string) (uint16, error) {
	var code uint16
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCodes)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("shutter %s: %w", id, ErrNotFound)
		}
		var rec codeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		code = rec.Code
		rec.Code++
		next, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), next)
	})
	if err != nil {
		return 0, err
	}
	return code, nil
}

func (s *BoltStore) GetCode(id string) (uint16, error) {
	var code uint16
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCodes)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("shutter %s: %w", id, ErrNotFound)
		}
		var rec codeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		code = rec.Code
		return nil
	})
	if err != nil {
		return 0, err
	}
	return code, nil
}

func (s *BoltStore) SeedCode(id string, code uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCodes)
		}
		if b.Get([]byte(id)) != nil {
			return nil // already tracking, configured seed is stale
		}
		data, err := json.Marshal(codeRecord{Code: code})
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
