package objfmt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrew/gitgres/internal/objfmt"
)

func TestHashBlobHello(t *testing.T) {
	h, err := objfmt.Hash(objfmt.BlobType, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0", h.String())
}

func TestHashEmptyBlob(t *testing.T) {
	h, err := objfmt.Hash(objfmt.BlobType, []byte(""))
	require.NoError(t, err)
	assert.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", h.String())
}

func TestHashRejectsInvalidType(t *testing.T) {
	_, err := objfmt.Hash(objfmt.InvalidType, []byte("x"))
	assert.ErrorIs(t, err, objfmt.ErrInvalidType)
}

func TestTypeNameRoundTrip(t *testing.T) {
	for _, typ := range []objfmt.Type{objfmt.CommitType, objfmt.TreeType, objfmt.BlobType, objfmt.TagType} {
		got, err := objfmt.ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	_, err := objfmt.ParseType("bogus")
	assert.ErrorIs(t, err, objfmt.ErrInvalidType)
}
