// Package storage persists JSON documents in bbolt buckets.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get, Update and Delete for a missing key.
var ErrNotFound = errors.New("not found")

// Store is the subset of bucket operations every module uses.
type Store interface {
	CreateBucket(bucket string) error
	Get(bucket, id string, v interface{}) error
	List(bucket string, fn func(string, []byte) error) error
	Create(bucket string, fn func(string) interface{}) error
	Update(bucket, id string, v interface{}) error
	Delete(bucket, id string) error
	Close() error
}

type store struct {
	db *bolt.DB
}

// New opens (or creates) the database file at path.
func New(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &store{db: db}, nil
}

func (s *store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

func (s *store) Get(bucket, id string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// List walks a bucket in key order. Returning an error from fn stops the walk.
func (s *store) List(bucket string, fn func(string, []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Create allocates the next sequence id, hands it to fn and stores what fn returns.
func (s *store) Create(bucket string, fn func(string) interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id := Key(seq)
		data, err := json.Marshal(fn(id))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *store) Update(bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, ErrNotFound)
		}
		return b.Put([]byte(id), data)
	})
}

func (s *store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *store) Close() error {
	return s.db.Close()
}

// Key renders a sequence number so that byte order matches numeric order.
func Key(seq uint64) string {
	s := strconv.FormatUint(seq, 10)
	for len(s) < 12 {
		s = "0" + s
	}
	return s
}
