// Package id implements the 160-bit node identifiers and XOR distance
// metric used throughout the routing table, forwarding strategy and
// message cache.
package id

import (
	"encoding/hex"
	"errors"

	ipfsutil "github.com/ipfs/go-ipfs-util"
)

// Size is the length in bytes of a NodeID (160 bits).
const Size = 20

// ErrInvalidID is returned whenever an operation is given a byte
// slice that is not exactly Size bytes long.
var ErrInvalidID = errors.New("id: invalid node id, expected 20 bytes")

// NodeID is an opaque 160-bit identifier. The core never interprets
// its contents; it is derived by an external crypto collaborator
// (SHA-1 of a public key in the reference source).
type NodeID [Size]byte

// Distance is the XOR metric between two NodeIDs. It compares as an
// unsigned big-endian integer.
type Distance [Size]byte

// FromBytes builds a NodeID from a byte slice, failing with
// ErrInvalidID if the slice isn't exactly Size bytes.
func FromBytes(b []byte) (NodeID, error) {
	var out NodeID
	if len(b) != Size {
		return out, ErrInvalidID
	}
	copy(out[:], b)
	return out, nil
}

// FromHex parses a lowercase or uppercase hex string into a NodeID.
func FromHex(s string) (NodeID, error) {
	var out NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, ErrInvalidID
	}
	return FromBytes(b)
}

// String renders the NodeID as a hex string.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Bytes returns the raw 20 bytes of the id.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// Equal reports whether two ids are identical.
func (n NodeID) Equal(o NodeID) bool {
	return n == o
}

// XOR computes the bytewise XOR distance between two ids.
//
// Laws: XOR(a, b) == XOR(b, a); XOR(a, a) == zero distance.
func XOR(a, b NodeID) Distance {
	var d Distance
	copy(d[:], ipfsutil.XOR(a[:], b[:]))
	return d
}

// IsZero reports whether a distance is the zero distance.
func (d Distance) IsZero() bool {
	return d == Distance{}
}

// Compare performs a lexicographic (equivalently, big-endian unsigned
// integer) comparison of two distances, returning -1, 0 or 1.
// This is the tiebreak rule used when sorting "closest" contacts.
func Compare(a, b Distance) int {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether distance a is strictly smaller than b.
func Less(a, b Distance) bool {
	return Compare(a, b) < 0
}

// BucketIndex returns the position of the highest-order set bit of
// the distance, counting from the most significant bit of byte 0.
// The zero distance (self) maps to index 0 by convention, though it
// is never actually stored in a bucket.
func BucketIndex(d Distance) int {
	for byteIdx := 0; byteIdx < Size; byteIdx++ {
		b := d[byteIdx]
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return 0
}

// TruncatedUint64 interprets the most significant 48 bits (6 bytes)
// of the distance as a big-endian unsigned integer. Used by the
// message cache's distance-bounded admission check.
func (d Distance) TruncatedUint64() uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(d[i])
	}
	return v
}

// CompareID performs a lexicographic comparison of two ids, used as
// the deterministic tiebreak when two contacts are equidistant.
func CompareID(a, b NodeID) int {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
