package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const metadataFileName = "segments.db"

var segmentsBucket = []byte("segments")

// SegmentRecord is the persistent metadata kept per built segment. It lets
// the cache warm its memory index across restarts and account total cache
// bytes against the advisory budget; the served timestamp is groundwork for
// an eventual LRU sweep.
type SegmentRecord struct {
	StorePath    string    `json:"store_path"`
	Size         int64     `json:"size"`
	BuiltAt      time.Time `json:"built_at"`
	LastServedAt time.Time `json:"last_served_at"`
}

// MetadataStore is a bbolt-backed index of the segments in the cache
// directory, keyed by store-path basename.
type MetadataStore struct {
	db *bolt.DB
}

// OpenMetadataStore opens (creating if needed) the metadata database inside
// the cache directory.
func OpenMetadataStore(cacheDir string) (*MetadataStore, error) {
	db, err := bolt.Open(filepath.Join(cacheDir, metadataFileName), 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening segment metadata database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating segments bucket: %w", err)
	}

	return &MetadataStore{db: db}, nil
}

// Put stores or replaces the record for one segment.
func (m *MetadataStore) Put(basename string, rec SegmentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding segment record: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).Put([]byte(basename), data)
	})
}

// Touch updates the last-served timestamp for a segment. Missing records
// are ignored; the cache files remain the source of truth.
func (m *MetadataStore) Touch(basename string, when time.Time) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		data := b.Get([]byte(basename))
		if data == nil {
			return nil
		}
		var rec SegmentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		rec.LastServedAt = when
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(basename), updated)
	})
}

// Delete removes a segment's record.
func (m *MetadataStore) Delete(basename string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).Delete([]byte(basename))
	})
}

// ForEach visits every record. Undecodable records are skipped.
func (m *MetadataStore) ForEach(fn func(basename string, rec SegmentRecord) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).ForEach(func(k, v []byte) error {
			var rec SegmentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			return fn(string(k), rec)
		})
	})
}

// TotalSize sums the recorded sizes of every segment.
func (m *MetadataStore) TotalSize() (int64, error) {
	var total int64
	err := m.ForEach(func(_ string, rec SegmentRecord) error {
		total += rec.Size
		return nil
	})
	return total, err
}

// Close releases the database.
func (m *MetadataStore) Close() error {
	return m.db.Close()
}
