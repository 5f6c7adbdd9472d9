package btree

import "github.com/mrlbrg/bbbtree-go/bufpool"

// ErrKeyTooLarge is returned by Insert when a key cannot possibly fit in
// an empty page of the tree's configured page size (spec §4.5 edge case:
// "a key larger than a page must be rejected outright, never looped on").
// Its Kind is bufpool.KindTooLargeKey.
var ErrKeyTooLarge = bufpool.New(bufpool.KindTooLargeKey, "btree: key too large for page size")
