// Package delta implements the wire format of spec §4.7's delta records:
// the (op, key, value) log entries a BBB-tree appends to its delta tree
// in place of re-writing a dirty base-tree page.
package delta

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Op is the kind of change a Delta records.
type Op uint8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Delta is a single change applied to a base-tree entry.
type Delta struct {
	Op    Op
	Key   []byte
	Value []byte
}

// ErrTruncated is returned by Decode when src ends in the middle of a
// record.
var ErrTruncated = errors.New("delta: truncated record")

// Size is the number of bytes Encode needs for this delta: op (u8),
// key_size (u16), value_size (u16), then the key and value bytes.
func (d Delta) Size() int {
	return 1 + 2 + 2 + len(d.Key) + len(d.Value)
}

func (d Delta) encode(dst []byte) int {
	dst[0] = byte(d.Op)
	binary.LittleEndian.PutUint16(dst[1:3], uint16(len(d.Key)))
	binary.LittleEndian.PutUint16(dst[3:5], uint16(len(d.Value)))
	n := 5
	n += copy(dst[n:], d.Key)
	n += copy(dst[n:], d.Value)
	return n
}

func decodeDelta(src []byte) (d Delta, n int, err error) {
	if len(src) < 5 {
		return Delta{}, 0, ErrTruncated
	}
	op := Op(src[0])
	keySize := binary.LittleEndian.Uint16(src[1:3])
	valueSize := binary.LittleEndian.Uint16(src[3:5])
	n = 5 + int(keySize) + int(valueSize)
	if len(src) < n {
		return Delta{}, 0, ErrTruncated
	}
	d = Delta{
		Op:    op,
		Key:   append([]byte(nil), src[5:5+keySize]...),
		Value: append([]byte(nil), src[5+int(keySize):n]...),
	}
	return d, n, nil
}

// Deltas is an ordered list of Delta records as stored in the delta
// tree's value for one PageID: a u16 count followed by that many
// back-to-back records.
type Deltas []Delta

// Size is the number of bytes Encode needs: 2 (count) plus every
// record's own Size.
func (ds Deltas) Size() int {
	n := 2
	for _, d := range ds {
		n += d.Size()
	}
	return n
}

// Encode serializes ds into dst, which must be at least Size() bytes.
func (ds Deltas) Encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(len(ds)))
	off := 2
	for _, d := range ds {
		off += d.encode(dst[off:])
	}
}

// Decode parses a Deltas value previously produced by Encode.
func Decode(src []byte) (Deltas, error) {
	if len(src) < 2 {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint16(src[0:2])
	ds := make(Deltas, 0, count)
	off := 2
	for i := uint16(0); i < count; i++ {
		d, n, err := decodeDelta(src[off:])
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
		off += n
	}
	return ds, nil
}

// Append returns a new Deltas with d appended. It does not merge d with
// any earlier record for the same key.
func (ds Deltas) Append(d Delta) Deltas {
	return append(ds, d)
}
