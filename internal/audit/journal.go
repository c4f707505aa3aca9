package audit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

var (
	eventsBucket = []byte("events")
	ordersBucket = []byte("orders")
)

// unrouted collects entries that could not be tied to an order, such as
// undecryptable notifies.
const unrouted = "_unrouted"

// Entry is one journaled order or payment event
type Entry struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OrderNo    string          `json:"order_no"`
	Timestamp  time.Time       `json:"timestamp"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Journal is an append-only, bolt-backed record of events per order. It is
// informational and never consulted by reconciliation.
type Journal struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the journal file
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, ordersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit buckets: %w", err)
	}

	return &Journal{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the journal file lock
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e unless an entry with the same event ID exists. It returns
// false for a duplicate.
func (j *Journal) Record(e Entry) (bool, error) {
	if e.EventID == "" {
		return false, errors.New("audit entry has no event id")
	}

	recorded := false
	err := j.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket)
		if events.Get([]byte(e.EventID)) != nil {
			return nil
		}

		e.RecordedAt = j.now()
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := events.Put([]byte(e.EventID), data); err != nil {
			return err
		}

		perOrder, err := tx.Bucket(ordersBucket).CreateBucketIfNotExists([]byte(orderKey(e.OrderNo)))
		if err != nil {
			return err
		}
		seq, err := perOrder.NextSequence()
		if err != nil {
			return err
		}
		if err := perOrder.Put(itob(seq), []byte(e.EventID)); err != nil {
			return err
		}

		recorded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record audit entry: %w", err)
	}
	return recorded, nil
}

// ListByOrder returns the entries of one order in the order they were recorded
func (j *Journal) ListByOrder(orderNo string) ([]Entry, error) {
	entries := []Entry{}

	err := j.db.View(func(tx *bolt.Tx) error {
		perOrder := tx.Bucket(ordersBucket).Bucket([]byte(orderKey(orderNo)))
		if perOrder == nil {
			return nil
		}
		events := tx.Bucket(eventsBucket)
		return perOrder.ForEach(func(_, id []byte) error {
			v := events.Get(id)
			if v == nil {
				return nil
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func orderKey(orderNo string) string {
	if orderNo == "" {
		return unrouted
	}
	return orderNo
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
