package dht

import (
	"bytes"
	"crypto/sha256"
)

// CoordSize is the width of a DhtCoord in bytes (256 bits).
const CoordSize = sha256.Size

// DhtCoord is the 256-bit coordinate every identity is mapped to for
// XOR-metric routing: coord(id) = SHA-256(bytes(id)).
type DhtCoord [CoordSize]byte

// NodeCoord derives the coordinate of a node identity.
func NodeCoord(id NodeIdentity) DhtCoord {
	return DhtCoord(sha256.Sum256(id.Bytes()))
}

// UserCoord derives the coordinate of a user identity.
func UserCoord(id UserIdentity) DhtCoord {
	return DhtCoord(sha256.Sum256(id.Bytes()))
}

// Compare orders two coordinates as unsigned big-endian integers, giving
// DhtCoord a total order as required by the data model.
func (c DhtCoord) Compare(other DhtCoord) int {
	return bytes.Compare(c[:], other[:])
}

// Equal reports byte equality of two coordinates.
func (c DhtCoord) Equal(other DhtCoord) bool {
	return c == other
}

// Distance computes the XOR metric distance between two coordinates.
func Distance(a, b DhtCoord) DhtCoord {
	var d DhtCoord
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// LeadingZeros counts the number of leading zero bits in a coordinate,
// used both as a distance class and as a routing table bucket index. A
// coordinate of all zero bytes (dist(x, x)) has LeadingZeros == CoordSize*8.
func (c DhtCoord) LeadingZeros() int {
	zeros := 0
	for _, b := range c {
		if b == 0 {
			zeros += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return zeros
			}
			zeros++
		}
	}
	return zeros
}

// CloserTo reports whether a is strictly closer to goal than b, i.e.
// dist(goal, a) < dist(goal, b).
func CloserTo(goal, a, b DhtCoord) bool {
	return Distance(goal, a).Compare(Distance(goal, b)) < 0
}
