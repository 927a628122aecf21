package node

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/boltdb/bolt"

	"dledger/protocol"
)

// Bucket names for the replica snapshot.
var (
	bucketState   = []byte("State")
	bucketHistory = []byte("History")
)

var balanceKey = []byte("balance")

// Store persists a replica's whole state as a snapshot: current balance plus
// the full transaction history. Every save rewrites both buckets.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the replica's snapshot database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db %s: %v", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save overwrites the snapshot wholesale.
func (s *Store) Save(balance int64, history []protocol.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketState, bucketHistory} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		state, err := tx.CreateBucket(bucketState)
		if err != nil {
			return err
		}
		if err := state.Put(balanceKey, encodeInt64(balance)); err != nil {
			return err
		}

		hist, err := tx.CreateBucket(bucketHistory)
		if err != nil {
			return err
		}
		for i, entry := range history {
			data, err := encodeHistoryEntry(entry)
			if err != nil {
				return err
			}
			if err := hist.Put(itob(uint64(i)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads the snapshot back; a fresh database yields zero state.
func (s *Store) Load() (int64, []protocol.HistoryEntry, error) {
	var balance int64
	var history []protocol.HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		state := tx.Bucket(bucketState)
		if state == nil {
			return nil
		}
		if data := state.Get(balanceKey); data != nil {
			b, err := decodeInt64(data)
			if err != nil {
				return err
			}
			balance = b
		}

		hist := tx.Bucket(bucketHistory)
		if hist == nil {
			return nil
		}
		return hist.ForEach(func(k, v []byte) error {
			entry, err := decodeHistoryEntry(v)
			if err != nil {
				return err
			}
			history = append(history, entry)
			return nil
		})
	})
	if err != nil {
		return 0, nil, err
	}
	return balance, history, nil
}

// itob converts an index to a big-endian key so history order survives the
// bucket's byte ordering.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("bad int64 encoding length %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func encodeHistoryEntry(entry protocol.HistoryEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHistoryEntry(data []byte) (protocol.HistoryEntry, error) {
	var entry protocol.HistoryEntry
	err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&entry)
	return entry, err
}
