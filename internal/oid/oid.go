// Package oid implements the Git object identifier: a fixed 20-byte SHA-1
// digest, its hex encoding, its total order, and a fast non-cryptographic
// hash suitable for bucketing an OID in an in-process cache.
package oid

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Size is the raw byte length of a Git object identifier.
const Size = 20

// HexSize is the length of an OID's lowercase hex encoding.
const HexSize = 2 * Size

// OID is a 20-byte Git object identifier.
//
// The zero value is the all-zero OID, which callers use as the "no ref"
// sentinel in ref-update parameters (spec §3); it is never stored as an
// object or ref value.
type OID [Size]byte

var _ fmt.Stringer = OID{}

// String returns the lowercase hex encoding of the OID.
func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

// IsZero reports whether o is the all-zero sentinel OID.
func (o OID) IsZero() bool {
	return o == OID{}
}

// FastHash returns a fast, well-distributed 64-bit hash of o, for use as a
// cache-bucket key. It is deliberately not SHA-1-derived: re-hashing an
// already-cryptographic digest with itself would be wasted cycles.
func (o OID) FastHash() uint64 {
	return xxhash.Sum64(o[:])
}

// Parse decodes a 40-character hex string into an OID. The input must be
// exactly 40 characters, each in [0-9a-fA-F]; any other length or character
// is rejected.
func Parse(s string) (OID, error) {
	var o OID
	if len(s) != HexSize {
		return OID{}, errors.Errorf("oid: %q: want %d hex characters, got %d", s, HexSize, len(s))
	}
	n, err := hex.Decode(o[:], []byte(s))
	if err != nil {
		return OID{}, errors.Wrapf(err, "oid: %q: invalid hex", s)
	}
	if n != Size {
		return OID{}, errors.Errorf("oid: %q: decoded %d bytes, want %d", s, n, Size)
	}
	return o, nil
}

// FromBytes copies 20 raw bytes into an OID, rejecting any other length.
func FromBytes(b []byte) (OID, error) {
	var o OID
	if len(b) != Size {
		return OID{}, errors.Errorf("oid: raw OID has %d bytes, want %d", len(b), Size)
	}
	copy(o[:], b)
	return o, nil
}

// Compare defines the byte-wise lexicographic total order used for
// indexing: it returns -1, 0 or +1 as o is less than, equal to, or greater
// than other.
func (o OID) Compare(other OID) int {
	for i := range o {
		if o[i] != other[i] {
			if o[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether o sorts before other.
func (o OID) Less(other OID) bool {
	return o.Compare(other) < 0
}

// ByOID sorts a slice of OIDs by the total order Compare defines. It
// generalises navytux-git-backup's BySha1 sort.Interface to this package's
// OID type.
type ByOID []OID

func (s ByOID) Len() int           { return len(s) }
func (s ByOID) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByOID) Less(i, j int) bool { return s[i].Less(s[j]) }

// Set is a set of OIDs, generalising navytux-git-backup's Sha1Set from a
// single fixed object-hash family to this package's OID type.
type Set map[OID]struct{}

// NewSet builds a Set from zero or more OIDs.
func NewSet(oids ...OID) Set {
	s := make(Set, len(oids))
	for _, o := range oids {
		s.Add(o)
	}
	return s
}

// Add inserts v into the set.
func (s Set) Add(v OID) {
	s[v] = struct{}{}
}

// Contains reports whether v is a member of the set.
func (s Set) Contains(v OID) bool {
	_, ok := s[v]
	return ok
}

// Elements returns the set's members as a slice, in unspecified order.
func (s Set) Elements() []OID {
	ev := make([]OID, 0, len(s))
	for e := range s {
		ev = append(ev, e)
	}
	return ev
}

// PrefixBytes computes the byte-aligned prefix length for a hex prefix of
// hexLen characters, per spec §4.6: prefix-hex-length is in [1,40] and the
// byte prefix is ⌈hexLen/2⌉.
func PrefixBytes(hexLen int) (int, error) {
	if hexLen < 1 || hexLen > HexSize {
		return 0, errors.Errorf("oid: prefix hex length %d out of range [1,%d]", hexLen, HexSize)
	}
	return (hexLen + 1) / 2, nil
}

// PrefixRange validates a short hex OID prefix and returns the inclusive
// [Lo,Hi] OID range it denotes: Lo pads the prefix with '0' out to full
// length, Hi pads it with 'f'. Because OID's total order is a plain
// byte-wise lexicographic compare, "oid BETWEEN lo AND hi" is exactly the
// set of full OIDs sharing the given hex prefix, for any prefix length from
// 1 to 40 — odd lengths included, with no separate nibble-masking logic
// needed at the query layer.
func PrefixRange(prefix string) (lo, hi OID, err error) {
	if len(prefix) < 1 || len(prefix) > HexSize {
		return OID{}, OID{}, errors.Errorf("oid: prefix length %d out of range [1,%d]", len(prefix), HexSize)
	}
	for _, c := range prefix {
		if !isHexDigit(c) {
			return OID{}, OID{}, errors.Errorf("oid: %q: invalid hex digit %q", prefix, c)
		}
	}
	loHex := prefix + zeros[:HexSize-len(prefix)]
	hiHex := prefix + fs[:HexSize-len(prefix)]
	lo, err = Parse(loHex)
	if err != nil {
		return OID{}, OID{}, err
	}
	hi, err = Parse(hiHex)
	if err != nil {
		return OID{}, OID{}, err
	}
	return lo, hi, nil
}

const zeros = "0000000000000000000000000000000000000000"
const fs = "ffffffffffffffffffffffffffffffffffffffffff"

func isHexDigit(c rune) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}

// HasPrefix reports whether o's hex encoding begins with the given
// (lowercased-insensitive) hex prefix.
func HasPrefix(o OID, prefix string) bool {
	s := o.String()
	if len(prefix) > len(s) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if lowerHexByte(s[i]) != lowerHexByte(byte(prefix[i])) {
			return false
		}
	}
	return true
}

func lowerHexByte(b byte) byte {
	if b >= 'A' && b <= 'F' {
		return b - 'A' + 'a'
	}
	return b
}
