package coordinator

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/boltdb/bolt"
)

// Bucket names for the coordinator snapshot, one per registry table.
var (
	bucketNodes = []byte("Nodes")
	bucketHosts = []byte("Hosts")
	bucketPairs = []byte("Pairs")
	bucketTxns  = []byte("Transactions")
)

// Snapshot is the coordinator's durable state: the node registry, the
// learned host table, the primary/backup pairing table and all transaction
// records.
type Snapshot struct {
	Nodes map[string]NodeEntry
	Hosts map[string]string
	Pairs map[string]string
	Txns  map[string]Transaction
}

// Store persists the coordinator state as a whole snapshot; every save
// rewrites all four buckets.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the coordinator's snapshot database.
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
func (s *Store) Save(snap Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketHosts, bucketPairs, bucketTxns} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		nodes, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		for id, entry := range snap.Nodes {
			data, err := gobEncode(entry)
			if err != nil {
				return err
			}
			if err := nodes.Put([]byte(id), data); err != nil {
				return err
			}
		}

		hosts, err := tx.CreateBucket(bucketHosts)
		if err != nil {
			return err
		}
		for id, host := range snap.Hosts {
			if err := hosts.Put([]byte(id), []byte(host)); err != nil {
				return err
			}
		}

		pairs, err := tx.CreateBucket(bucketPairs)
		if err != nil {
			return err
		}
		for primary, backup := range snap.Pairs {
			if err := pairs.Put([]byte(primary), []byte(backup)); err != nil {
				return err
			}
		}

		txns, err := tx.CreateBucket(bucketTxns)
		if err != nil {
			return err
		}
		for id, txn := range snap.Txns {
			data, err := gobEncode(txn)
			if err != nil {
				return err
			}
			if err := txns.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads the snapshot back; a fresh database yields empty tables.
func (s *Store) Load() (Snapshot, error) {
	snap := Snapshot{
		Nodes: make(map[string]NodeEntry),
		Hosts: make(map[string]string),
		Pairs: make(map[string]string),
		Txns:  make(map[string]Transaction),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		if nodes := tx.Bucket(bucketNodes); nodes != nil {
			err := nodes.ForEach(func(k, v []byte) error {
				var entry NodeEntry
				if err := gobDecode(v, &entry); err != nil {
					return err
				}
				snap.Nodes[string(k)] = entry
				return nil
			})
			if err != nil {
				return err
			}
		}

		if hosts := tx.Bucket(bucketHosts); hosts != nil {
			err := hosts.ForEach(func(k, v []byte) error {
				snap.Hosts[string(k)] = string(v)
				return nil
			})
			if err != nil {
				return err
			}
		}

		if pairs := tx.Bucket(bucketPairs); pairs != nil {
			err := pairs.ForEach(func(k, v []byte) error {
				snap.Pairs[string(k)] = string(v)
				return nil
			})
			if err != nil {
				return err
			}
		}

		if txns := tx.Bucket(bucketTxns); txns != nil {
			err := txns.ForEach(func(k, v []byte) error {
				var txn Transaction
				if err := gobDecode(v, &txn); err != nil {
					return err
				}
				snap.Txns[string(k)] = txn
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewBuffer(data)).Decode(v)
}
