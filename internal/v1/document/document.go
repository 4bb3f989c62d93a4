// Package document implements the in-memory document cache: one Document per
// active room, loaded from the newest snapshot on first admission, mutated
// through a single owner goroutine per room, and written back on an interval
// and on retirement.
package document

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Document holds the merged state of one room. Update payloads are opaque;
// merging is a digest-deduplicated set union, which is commutative,
// associative and idempotent, so replaying updates in any order converges to
// the same state.
type Document struct {
	updates [][]byte
	digests map[uint64]struct{}
	size    int64
}

// New returns an empty document.
func New() *Document {
	return &Document{digests: make(map[uint64]struct{})}
}

// ApplyUpdate merges one opaque update and reports whether it was new.
// Duplicates and replays are absorbed silently.
func (d *Document) ApplyUpdate(delta []byte) bool {
	digest := xxhash.Sum64(delta)
	if _, seen := d.digests[digest]; seen {
		return false
	}
	d.digests[digest] = struct{}{}
	d.updates = append(d.updates, append([]byte(nil), delta...))
	d.size += int64(len(delta))
	return true
}

// Len returns the number of distinct updates merged so far.
func (d *Document) Len() int {
	return len(d.updates)
}

// Size returns the total update bytes held in memory.
func (d *Document) Size() int64 {
	return d.size
}

// EncodeFull serializes the whole state as length-prefixed updates in merge
// order. Loading the result into an empty document reproduces this one.
func (d *Document) EncodeFull() []byte {
	out := make([]byte, 0, int(d.size)+len(d.updates)*binary.MaxVarintLen64)
	var scratch [binary.MaxVarintLen64]byte
	for _, u := range d.updates {
		n := binary.PutUvarint(scratch[:], uint64(len(u)))
		out = append(out, scratch[:n]...)
		out = append(out, u...)
	}
	return out
}

// LoadFrom merges a serialized state produced by EncodeFull.
func (d *Document) LoadFrom(payload []byte) error {
	rest := payload
	for len(rest) > 0 {
		length, n := binary.Uvarint(rest)
		if n <= 0 {
			return fmt.Errorf("corrupt snapshot: bad length prefix at offset %d", len(payload)-len(rest))
		}
		rest = rest[n:]
		if length > uint64(len(rest)) {
			return fmt.Errorf("corrupt snapshot: update of %d bytes exceeds remaining %d", length, len(rest))
		}
		d.ApplyUpdate(rest[:length])
		rest = rest[length:]
	}
	return nil
}

// StateVector summarizes which updates this document holds as the sorted set
// of update digests. Two documents with equal state vectors hold the same
// state.
func (d *Document) StateVector() []byte {
	digests := make([]uint64, 0, len(d.digests))
	for digest := range d.digests {
		digests = append(digests, digest)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })

	out := make([]byte, 0, binary.MaxVarintLen64+8*len(digests))
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(digests)))
	out = append(out, scratch[:n]...)
	for _, digest := range digests {
		out = binary.BigEndian.AppendUint64(out, digest)
	}
	return out
}

// Equal reports whether two documents merged the same set of updates.
func (d *Document) Equal(other *Document) bool {
	if len(d.digests) != len(other.digests) {
		return false
	}
	for digest := range d.digests {
		if _, ok := other.digests[digest]; !ok {
			return false
		}
	}
	return true
}
