// Package storage provides the persistent model artifact catalog for the CVD
// risk service. It uses BoltDB as the underlying storage engine to record
// where each model's weights came from and how each load went.
//
// Records are keyed "model_timestamp" so that per-model history can be read
// back with cursor range scans.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	artifactsBucket = "artifacts" // Bucket name for acquisition records
	loadsBucket     = "loads"     // Bucket name for load report records

	dbFile = "cvd-catalog.db"
)

// Artifact acquisition sources
const (
	SourceCache    = "cache"
	SourceDownload = "download"
)

// ArtifactRecord describes one acquisition of a model weight file.
type ArtifactRecord struct {
	Model      string    `json:"model"`
	Path       string    `json:"path"`
	URL        string    `json:"url,omitempty"`
	Source     string    `json:"source"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LoadRecord is the persisted form of a model load report.
type LoadRecord struct {
	Model      string    `json:"model"`
	Format     string    `json:"format"`
	Layout     string    `json:"layout,omitempty"`
	Device     string    `json:"device"`
	Applied    int       `json:"applied"`
	Missing    []string  `json:"missing,omitempty"`
	Unexpected []string  `json:"unexpected,omitempty"`
	Mismatched []string  `json:"mismatched,omitempty"`
	Duration   float64   `json:"duration_seconds"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Store provides persistent storage for catalog records using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New creates a new storage instance with the specified data path.
// It initializes the BoltDB database and creates necessary buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(artifactsBucket)); err != nil {
			return fmt.Errorf("create artifacts bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(loadsBucket)); err != nil {
			return fmt.Errorf("create loads bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// RecordArtifact stores an acquisition record in the artifacts bucket.
func (s *Store) RecordArtifact(rec ArtifactRecord) error {
	if rec.AcquiredAt.IsZero() {
		rec.AcquiredAt = time.Now()
	}
	return s.put(artifactsBucket, rec.Model, rec.AcquiredAt, rec)
}

// RecordLoad stores a load report record in the loads bucket.
func (s *Store) RecordLoad(rec LoadRecord) error {
	if rec.LoadedAt.IsZero() {
		rec.LoadedAt = time.Now()
	}
	return s.put(loadsBucket, rec.Model, rec.LoadedAt, rec)
}

func (s *Store) put(bucketName, model string, ts time.Time, v interface{}) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", bucketName, err)
		}

		return b.Put(recordKey(model, ts), data)
	})
}

// getRecordsInRange retrieves records for a model from a bucket within a
// time range, applying unmarshalFunc to each value. Malformed records are
// skipped.
func (s *Store) getRecordsInRange(bucketName, model string, start, end time.Time, unmarshalFunc func([]byte) (interface{}, error)) ([]interface{}, error) {
	var records []interface{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		c := b.Cursor()

		prefix := []byte(model + "_")
		endKey := recordKey(model, end)

		for k, v := c.Seek(recordKey(model, start)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}

			record, err := unmarshalFunc(v)
			if err != nil {
				continue
			}
			records = append(records, record)
		}

		return nil
	})

	return records, err
}

// GetArtifacts retrieves acquisition records for a model within a time range,
// ordered by time. The range is inclusive.
func (s *Store) GetArtifacts(model string, start, end time.Time) ([]ArtifactRecord, error) {
	records, err := s.getRecordsInRange(artifactsBucket, model, start, end, func(data []byte) (interface{}, error) {
		var rec ArtifactRecord
		err := json.Unmarshal(data, &rec)
		return rec, err
	})
	if err != nil {
		return nil, err
	}

	out := make([]ArtifactRecord, len(records))
	for i, record := range records {
		out[i] = record.(ArtifactRecord)
	}
	return out, nil
}

// GetLoads retrieves load records for a model within a time range, ordered
// by time. The range is inclusive.
func (s *Store) GetLoads(model string, start, end time.Time) ([]LoadRecord, error) {
	records, err := s.getRecordsInRange(loadsBucket, model, start, end, func(data []byte) (interface{}, error) {
		var rec LoadRecord
		err := json.Unmarshal(data, &rec)
		return rec, err
	})
	if err != nil {
		return nil, err
	}

	out := make([]LoadRecord, len(records))
	for i, record := range records {
		out[i] = record.(LoadRecord)
	}
	return out, nil
}

// LatestArtifact returns the most recent acquisition record for a model.
// The boolean is false when the model has never been acquired.
func (s *Store) LatestArtifact(model string) (ArtifactRecord, bool, error) {
	var rec ArtifactRecord
	found, err := s.latest(artifactsBucket, model, &rec)
	return rec, found, err
}

// LatestLoad returns the most recent load record for a model.
func (s *Store) LatestLoad(model string) (LoadRecord, bool, error) {
	var rec LoadRecord
	found, err := s.latest(loadsBucket, model, &rec)
	return rec, found, err
}

func (s *Store) latest(bucketName, model string, out interface{}) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		prefix := []byte(model + "_")

		// Keys sort by timestamp within a model, so the last prefixed key is
		// the newest. Seek past the prefix range and step back.
		upper := append(append([]byte{}, prefix...), 0xff)
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		if err := json.Unmarshal(v, out); err != nil {
			return fmt.Errorf("unmarshal %s record: %w", bucketName, err)
		}
		found = true
		return nil
	})
	return found, err
}

// recordKey zero-pads the timestamp so keys order chronologically.
func recordKey(model string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%020d", model, ts.UnixNano()))
}
