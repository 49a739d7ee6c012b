package common

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	MatchesBucket = "escrow:matches"
	AuditBucket   = "escrow:audit"
)

var ErrBucketNotFound = errors.New("bucket doesn't exist")

type DatabaseService struct {
	DB *bolt.DB
}

func NewDatabaseService(i do.Injector) (*DatabaseService, error) {
	dataDir := do.MustInvokeNamed[string](i, "data-dir")

	return OpenDatabase(dataDir)
}

func OpenDatabase(dataDir string) (*DatabaseService, error) {
	err := os.MkdirAll(dataDir, 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create database path: %w", err)
	}

	dbPath := path.Join(dataDir, "kakeru.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{
			MatchesBucket,
			AuditBucket,
		} {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to initialize database buckets: %w", err)
	}

	return &DatabaseService{
		DB: db,
	}, nil
}

func (s *DatabaseService) Shutdown() error {
	//nolint:wrapcheck
	return s.DB.Close()
}

// Put stores value under key, replacing any previous value.
func (s *DatabaseService) Put(bucket string, key, value []byte) error {
	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}

		return b.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}

	return nil
}

// Append stores value under the bucket's next sequence number and returns it.
func (s *DatabaseService) Append(bucket string, value []byte) (uint64, error) {
	var seq uint64

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}

		next, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		seq = next

		return b.Put(Uint64ToBytes(next), value)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", bucket, err)
	}

	return seq, nil
}

// ForEach walks the bucket in key order. The slices passed to fn are only
// valid for the duration of the call.
func (s *DatabaseService) ForEach(bucket string, fn func(key, value []byte) error) error {
	err := s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}

		return b.ForEach(fn)
	})
	if err != nil {
		return fmt.Errorf("failed to iterate %s: %w", bucket, err)
	}

	return nil
}

// Uint64ToBytes encodes big endian so that sequence keys sort numerically.
func Uint64ToBytes(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)

	return buf
}

func BytesToUint64(b []byte, _default uint64) uint64 {
	if len(b) != 8 {
		return _default
	}

	return binary.BigEndian.Uint64(b)
}
