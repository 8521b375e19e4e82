// Package objfmt implements the byte-level Git object codecs shared by the
// relational storage driver and the backend: the canonical object hash
// (C2), the tree-entry parser (C3), and the commit-header parser (C4).
package objfmt

import (
	"crypto/sha1" //nolint:gosec // the canonical Git object hash is specified as SHA-1.
	"strconv"

	"github.com/pkg/errors"

	"github.com/andrew/gitgres/internal/oid"
)

// Type is a Git object type code, matching both spec §3's on-disk encoding
// and go-git's plumbing.ObjectType numbering (CommitObject=1, TreeObject=2,
// BlobObject=3, TagObject=4) — the two were designed to agree, which is why
// the object table's type column is defined directly in these terms.
type Type int16

const (
	InvalidType Type = 0
	CommitType  Type = 1
	TreeType    Type = 2
	BlobType    Type = 3
	TagType     Type = 4
)

// String returns the lowercase English type name hashed into the object
// pre-image ("commit", "tree", "blob", "tag").
func (t Type) String() string {
	switch t {
	case CommitType:
		return "commit"
	case TreeType:
		return "tree"
	case BlobType:
		return "blob"
	case TagType:
		return "tag"
	default:
		return "invalid"
	}
}

// ParseType maps a type name back to its code. Unknown names fail with
// ErrInvalidType.
func ParseType(name string) (Type, error) {
	switch name {
	case "commit":
		return CommitType, nil
	case "tree":
		return TreeType, nil
	case "blob":
		return BlobType, nil
	case "tag":
		return TagType, nil
	default:
		return InvalidType, errors.Wrapf(ErrInvalidType, "objfmt: unknown type name %q", name)
	}
}

// ErrInvalidType is returned when a type code or type name falls outside
// {commit, tree, blob, tag}.
var ErrInvalidType = errors.New("objfmt: invalid object type")

// Hash computes the canonical Git object identifier for (typ, content):
// SHA-1 over "<type-name> <decimal-size>\x00<content>".
func Hash(typ Type, content []byte) (oid.OID, error) {
	name := typ.String()
	if _, err := ParseType(name); err != nil {
		return oid.OID{}, err
	}

	h := sha1.New() //nolint:gosec
	h.Write([]byte(name))
	h.Write([]byte{' '})
	h.Write([]byte(strconv.Itoa(len(content))))
	h.Write([]byte{0})
	h.Write(content)

	sum := h.Sum(nil)
	return oid.FromBytes(sum)
}
