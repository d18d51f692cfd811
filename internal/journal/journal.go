// Package journal is the append-only durable event log. Every record type
// (flow events, fills, governance actions) is written here with a strictly
// increasing sequence number so in-memory state can be rebuilt on restart.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Record type prefixes. A record's key is "<type>/<seq>" with seq encoded
// big-endian so badger iterates in append order.
const (
	TypeFlowEvent    = "flow"
	TypeFill         = "fill"
	TypeSignature    = "sig"
	TypeProposal     = "proposal"
	TypeTimelock     = "timelock"
	TypeTrustChange  = "trust"
	TypeRetryAttempt = "retry"
)

// Record is one journal entry. Payload is a JSON document whose shape is
// owned by the writing package.
type Record struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Entity    string          `json:"entity"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Appender is the write side of the journal. Components take this interface
// so tests can use Nop().
type Appender interface {
	Append(recordType, entity string, payload interface{}) error
}

// Journal is a badger-backed append-only log.
type Journal struct {
	db     *badger.DB
	seq    atomic.Uint64
	logger *zap.Logger
}

// Open opens or creates a journal at path and seeds the sequence counter
// from the highest key already present.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.seedSequence(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) seedSequence() error {
	return j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var max uint64
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) < 8 {
				continue
			}
			seq := binary.BigEndian.Uint64(key[len(key)-8:])
			if seq > max {
				max = seq
			}
		}
		j.seq.Store(max)
		return nil
	})
}

// Append writes one record. The payload is marshalled to JSON; marshal
// failures are returned, never silently dropped.
func (j *Journal) Append(recordType, entity string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: marshal %s payload: %w", recordType, err)
	}

	seq := j.seq.Add(1)
	rec := Record{
		Seq:       seq,
		Type:      recordType,
		Entity:    entity,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(recordType, seq), data)
	})
	if err != nil {
		return fmt.Errorf("journal: append %s/%d: %w", recordType, seq, err)
	}
	return nil
}

// Replay streams every record of recordType in append order. The callback
// returning an error stops the replay and propagates it.
func (j *Journal) Replay(recordType string, fn func(Record) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(recordType + "/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("journal: decode record: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func key(recordType string, seq uint64) []byte {
	k := make([]byte, 0, len(recordType)+9)
	k = append(k, recordType...)
	k = append(k, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(k, buf[:]...)
}

type nopAppender struct{}

func (nopAppender) Append(string, string, interface{}) error { return nil }

// Nop returns an Appender that discards everything. Intended for tests.
func Nop() Appender { return nopAppender{} }
