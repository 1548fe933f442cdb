package antientropy

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketDigests = []byte("digests")

// DigestCache persists the most recently computed per-leaf digests so a
// round can detect which leaves moved since the last round without
// rehashing the whole tree when only the comparison, not the rebuild,
// needs to be cheap. Repurposed from a general bucket-per-concern bbolt
// store: here there is exactly one bucket, keyed by leaf index.
type DigestCache struct {
	db *bolt.DB
}

// OpenDigestCache opens (or creates) a bbolt-backed digest cache at path.
func OpenDigestCache(path string) (*DigestCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("antientropy: open digest cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDigests)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DigestCache{db: db}, nil
}

// Close closes the underlying database.
func (c *DigestCache) Close() error {
	return c.db.Close()
}

// Store persists every leaf digest of t.
func (c *DigestCache) Store(t *Tree) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDigests)
		for i := 0; i < leafCount; i++ {
			if t.leaves[i].isZero() {
				if err := b.Delete(leafKey(i)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(leafKey(i), t.leaves[i][:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reconstructs the last persisted leaf digests into a Tree whose
// root is folded from them.
func (c *DigestCache) Load() (*Tree, error) {
	t := &Tree{nodes: make(map[string]Digest)}
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDigests)
		return b.ForEach(func(k, v []byte) error {
			idx := int(binary.BigEndian.Uint32(k))
			copy(t.leaves[idx][:], v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	t.fold()
	return t, nil
}

func leafKey(index int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(index))
	return b[:]
}
