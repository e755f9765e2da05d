package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Layout:
//
//	bucket(v1) ->
//		bucket(events) -> <id>: event JSON
//		bucket(devices) -> bucket(<device>) -> <id>: (empty)
var (
	bucketKeyVersion = []byte("v1")
	bucketKeyEvents  = []byte("events")
	bucketKeyDevices = []byte("devices")
)

// BoltLogger keeps audit events in a bbolt database.
type BoltLogger struct {
	db *bolt.DB
}

// NewBoltLogger opens (or creates) the database at path.
func NewBoltLogger(path string) (*BoltLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketKeyVersion)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(bucketKeyEvents); err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(bucketKeyDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit db: %w", err)
	}
	return &BoltLogger{db: db}, nil
}

// Log stores an event.
func (l *BoltLogger) Log(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeyVersion)
		if err := root.Bucket(bucketKeyEvents).Put([]byte(event.ID), data); err != nil {
			return err
		}
		if event.Device == "" {
			return nil
		}
		dev, err := root.Bucket(bucketKeyDevices).CreateBucketIfNotExists([]byte(event.Device))
		if err != nil {
			return err
		}
		return dev.Put([]byte(event.ID), []byte{})
	})
}

// Query returns matching events, oldest first.
func (l *BoltLogger) Query(filter Filter) ([]*Event, error) {
	var events []*Event
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeyVersion)
		bkt := root.Bucket(bucketKeyEvents)

		visit := func(id, data []byte) error {
			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("audit event %s: %w", id, err)
			}
			if matchesFilter(&e, filter) {
				events = append(events, &e)
			}
			return nil
		}

		if filter.Device == "" {
			return bkt.ForEach(visit)
		}
		dev := root.Bucket(bucketKeyDevices).Bucket([]byte(filter.Device))
		if dev == nil {
			return nil
		}
		c := dev.Cursor()
		for id, _ := c.First(); id != nil; id, _ = c.Next() {
			data := bkt.Get(id)
			if data == nil {
				continue
			}
			if err := visit(id, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page(events, filter), nil
}

// Close closes the database.
func (l *BoltLogger) Close() error {
	return l.db.Close()
}
