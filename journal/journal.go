package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"revsplit/core"
)

var bucketEvents = []byte("events")

// Journal persists every published ledger event in a BoltDB file so external
// consumers can rebuild the full event history after a restart. The in-memory
// stream only buffers a bounded window; the journal keeps everything.
type Journal struct {
	db *bolt.DB
}

// Entry is the serialised journal row.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Open initialises (and migrates) the Bolt-backed journal.
func Open(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append persists the supplied update under its stream sequence. It satisfies
// core.EventSink.
func (j *Journal) Append(update core.LedgerEventUpdate) error {
	if update.Event == nil {
		return fmt.Errorf("journal: event required")
	}
	entry := Entry{
		Sequence:   update.Sequence,
		Type:       update.Event.Type,
		Attributes: update.Event.Attributes,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(sequenceKey(update.Sequence), encoded)
	})
}

// LastSequence reports the highest persisted sequence, or zero for an empty
// journal.
func (j *Journal) LastSequence() (uint64, error) {
	var last uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		key, _ := cursor.Last()
		if key != nil {
			last = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return last, err
}

// Replay walks persisted entries with sequence greater than after, in order,
// invoking fn for each. Iteration stops at the first error.
func (j *Journal) Replay(after uint64, fn func(Entry) error) error {
	if fn == nil {
		return fmt.Errorf("journal: callback required")
	}
	return j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for key, value := cursor.Seek(sequenceKey(after + 1)); key != nil; key, value = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("journal: decode entry %d: %w", binary.BigEndian.Uint64(key), err)
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
