package objfmt

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/andrew/gitgres/internal/oid"
)

// TreeEntry is one parsed record of a type-tree object's raw content:
// "<ascii-mode> SP <name> NUL <20-byte-oid>".
//
// Name is raw bytes, not text — Git does not require tree entry names to be
// valid UTF-8 (spec §4.3); callers that need text may lossily coerce it.
type TreeEntry struct {
	Mode string
	Name []byte
	OID  oid.OID
}

// ErrMissingSpace is returned when a tree entry's mode/name separator is
// absent.
var ErrMissingSpace = errors.New("objfmt: tree entry missing SP after mode")

// ErrMissingNul is returned when a tree entry's name/oid separator is
// absent.
var ErrMissingNul = errors.New("objfmt: tree entry missing NUL after name")

// ErrTruncatedOID is returned when fewer than 20 bytes remain after a tree
// entry's NUL separator.
var ErrTruncatedOID = errors.New("objfmt: tree entry truncated before 20-byte OID")

// ParseTree decodes the raw content of a type-tree object into its entries,
// in on-disk order (the format does not guarantee any particular sort order;
// callers that care sort by Name themselves, per spec §4.3).
//
// The scan advances by finding the first SP from the current position, then
// the first NUL after that, then consuming exactly 20 bytes — and requires
// nulPos+1+oid.Size <= len(content) rather than the weaker, one-byte-short
// bound spec §9 flags as an open question in the original implementation.
func ParseTree(content []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	pos := 0
	for pos < len(content) {
		spIdx := bytes.IndexByte(content[pos:], ' ')
		if spIdx < 0 {
			return nil, ErrMissingSpace
		}
		spIdx += pos
		mode := string(content[pos:spIdx])

		nulIdx := bytes.IndexByte(content[spIdx+1:], 0)
		if nulIdx < 0 {
			return nil, ErrMissingNul
		}
		nulIdx += spIdx + 1

		if nulIdx+1+oid.Size > len(content) {
			return nil, ErrTruncatedOID
		}

		name := content[spIdx+1 : nulIdx]
		rawOID := content[nulIdx+1 : nulIdx+1+oid.Size]
		o, err := oid.FromBytes(rawOID)
		if err != nil {
			return nil, errors.Wrap(err, "objfmt: tree entry OID")
		}

		entries = append(entries, TreeEntry{
			Mode: mode,
			Name: append([]byte(nil), name...),
			OID:  o,
		})

		pos = nulIdx + 1 + oid.Size
	}
	return entries, nil
}

// FormatTree reconstructs a type-tree object's raw content from its
// entries, the inverse of ParseTree for well-formed trees
// (spec §8's "tree-entry parser round-trip" property).
func FormatTree(entries []TreeEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.Mode)
		buf.WriteByte(' ')
		buf.Write(e.Name)
		buf.WriteByte(0)
		buf.Write(e.OID[:])
	}
	return buf.Bytes()
}
