// Package store persists calibrations and protocols in a bbolt database, keyed by
// scale id and JSON encoded.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/controller"
	"github.com/itohio/goplant/pkg/protocol"
)

const (
	CalibrationBucket = "calibration"
	ProtocolBucket    = "protocol"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrBucketNotFound = errors.New("bucket not found")
)

// Store is a bbolt backed key/value store of JSON documents.
type Store struct {
	db *bolt.DB
}

// Ensure Store implements controller.Persister.
var _ controller.Persister = (*Store)(nil)

// Open opens or creates the database at path and ensures the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	s := &Store{db: db}
	for _, b := range []string{CalibrationBucket, ProtocolBucket} {
		if err := s.CreateBucket(b); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateBucket creates a bucket if it does not exist.
func (s *Store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		return nil
	})
}

// Get decodes the document stored under id into v.
func (s *Store) Get(bucket, id string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, id)
		}
		return json.Unmarshal(data, v)
	})
}

// Update stores v under id, replacing any previous document.
func (s *Store) Update(bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, id, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return b.Put([]byte(id), data)
	})
}

// Delete removes the document stored under id.
func (s *Store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return b.Delete([]byte(id))
	})
}

// List calls fn for every document in bucket in key order.
func (s *Store) List(bucket string, fn func(id string, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func key(scale uint8) string {
	return strconv.Itoa(int(scale))
}

// SaveCalibration stores a calibration under its scale id.
func (s *Store) SaveCalibration(c calib.Calibration) error {
	return s.Update(CalibrationBucket, key(c.Scale), &c)
}

// LoadCalibration returns the stored calibration of a scale.
func (s *Store) LoadCalibration(scale uint8) (calib.Calibration, error) {
	var c calib.Calibration
	err := s.Get(CalibrationBucket, key(scale), &c)
	return c, err
}

// DeleteCalibration removes the stored calibration of a scale. Deleting a missing
// calibration is not an error.
func (s *Store) DeleteCalibration(scale uint8) error {
	return s.Delete(CalibrationBucket, key(scale))
}

// Calibrations returns every stored calibration in key order.
func (s *Store) Calibrations() ([]calib.Calibration, error) {
	var out []calib.Calibration
	err := s.List(CalibrationBucket, func(id string, v []byte) error {
		var c calib.Calibration
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("failed to decode calibration %s: %w", id, err)
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// SaveProtocol stores a protocol record under its scale id.
func (s *Store) SaveProtocol(scale uint8, rec protocol.Record) error {
	return s.Update(ProtocolBucket, key(scale), &rec)
}

// LoadProtocol returns the stored protocol record of a scale. The record is validated
// so a corrupt entry cannot reach a running protocol.
func (s *Store) LoadProtocol(scale uint8) (protocol.Record, error) {
	var rec protocol.Record
	if err := s.Get(ProtocolBucket, key(scale), &rec); err != nil {
		return rec, err
	}
	if _, err := protocol.FromRecord(rec); err != nil {
		return rec, fmt.Errorf("stored protocol of scale %d: %w", scale, err)
	}
	return rec, nil
}
