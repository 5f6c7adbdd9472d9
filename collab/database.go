package collab

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mrlbrg/bbbtree-go/bufpool"
	"github.com/mrlbrg/bbbtree-go/page"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

// recordSize is the on-disk width of one Tuple record: Key and Value are
// both fixed-width uint64s per original_source's templated Database<T>.
const recordSize = 8 + 8

// Tuple is the fixed-schema record Database stores, grounded on
// original_source's Database<IndexT>::Tuple.
type Tuple struct {
	Key   uint64
	Value uint64
}

func encodeTuple(t Tuple) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.Key)
	binary.LittleEndian.PutUint64(buf[8:16], t.Value)
	return buf
}

func decodeTuple(buf []byte) Tuple {
	return Tuple{
		Key:   binary.LittleEndian.Uint64(buf[0:8]),
		Value: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

func keyBytes(key uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, key)
	return buf
}

// Index is the subset of btree.Tree's and bbb.Tree's API Database needs: it
// is satisfied by both, so a caller can swap in the BBB-tree's deferred
// writes without touching Database itself.
type Index interface {
	Lookup(key []byte) ([]byte, bool, error)
	Insert(key, value []byte) error
	Erase(key []byte) (bool, error)
	Size() (int, error)
}

// Database is a toy fixed-schema record store: Tuple payloads live in a
// SPSegment, addressed by a page.TID that the Index maps Key to. Grounded on
// original_source's Database<IndexT>, generalized from its single in-memory
// index template parameter to the Index interface so either package btree
// or package bbb can back it.
type Database struct {
	sp    *SPSegment
	index Index
}

// NewDatabase wires a tuple segment to an index; both must already exist
// (created or opened) against the same pool.
func NewDatabase(sp *SPSegment, index Index) *Database {
	return &Database{sp: sp, index: index}
}

// Insert stores tuple, rejecting the call if its Key already exists.
// btree.Tree.Insert/bbb.Tree.Insert are themselves upsert-only, so
// duplicate detection needs an explicit Lookup first (original_source's
// Database::Insert has the same reject-on-duplicate contract).
func (db *Database) Insert(tuple Tuple) error {
	k := keyBytes(tuple.Key)
	if _, ok, err := db.index.Lookup(k); err != nil {
		return err
	} else if ok {
		return errors.Errorf("collab: Database.Insert: key %d already exists", tuple.Key)
	}

	tid, err := db.sp.Allocate(recordSize)
	if err != nil {
		return err
	}
	if err := db.sp.Write(tid, encodeTuple(tuple)); err != nil {
		return err
	}

	tidBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(tidBytes, uint64(tid))
	if err := db.index.Insert(k, tidBytes); err != nil {
		return err
	}
	return nil
}

// Get looks up the tuple stored under key.
func (db *Database) Get(key uint64) (Tuple, bool, error) {
	tidBytes, ok, err := db.index.Lookup(keyBytes(key))
	if err != nil || !ok {
		return Tuple{}, false, err
	}
	tid := page.TID(binary.LittleEndian.Uint64(tidBytes))

	buf := make([]byte, recordSize)
	if _, err := db.sp.Read(tid, buf); err != nil {
		return Tuple{}, false, err
	}
	return decodeTuple(buf), true, nil
}

// Erase removes the tuple stored under key, if any, reporting whether one
// was found.
func (db *Database) Erase(key uint64) (bool, error) {
	k := keyBytes(key)
	tidBytes, ok, err := db.index.Lookup(k)
	if err != nil || !ok {
		return false, err
	}
	tid := page.TID(binary.LittleEndian.Uint64(tidBytes))

	if err := db.sp.Erase(tid); err != nil {
		return false, err
	}
	return db.index.Erase(k)
}

// Size reports the number of tuples currently stored.
func (db *Database) Size() (int, error) {
	return db.index.Size()
}

// CreateDatabase initializes a brand-new free-space inventory and tuple
// segment within pool and wires them to index, which the caller has
// already created or opened against the same pool.
func CreateDatabase(pool *bufpool.Pool, fsiSeg, spSeg pageio.SegmentID, pageSize uint32, index Index) (*Database, error) {
	fsi, err := CreateFSISegment(pool, fsiSeg)
	if err != nil {
		return nil, err
	}
	sp := NewSPSegment(pool, spSeg, fsi, pageSize)
	return NewDatabase(sp, index), nil
}
