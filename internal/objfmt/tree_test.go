package objfmt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrew/gitgres/internal/objfmt"
	"github.com/andrew/gitgres/internal/oid"
)

func blobOID(t *testing.T) oid.OID {
	t.Helper()
	o, err := oid.Parse("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, err)
	return o
}

func TestParseTreeSingleEntry(t *testing.T) {
	o := blobOID(t)
	content := append([]byte("100644 hello.txt\x00"), o[:]...)

	entries, err := objfmt.ParseTree(content)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "100644", entries[0].Mode)
	assert.Equal(t, "hello.txt", string(entries[0].Name))
	assert.Equal(t, o, entries[0].OID)
}

func TestParseTreeMultipleEntries(t *testing.T) {
	o := blobOID(t)
	content := append([]byte("100644 a\x00"), o[:]...)
	content = append(content, []byte("040000 b\x00")...)
	content = append(content, o[:]...)

	entries, err := objfmt.ParseTree(content)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", string(entries[0].Name))
	assert.Equal(t, "b", string(entries[1].Name))
}

func TestParseTreeRoundTrip(t *testing.T) {
	o := blobOID(t)
	entries := []objfmt.TreeEntry{
		{Mode: "100644", Name: []byte("hello.txt"), OID: o},
		{Mode: "100755", Name: []byte("run.sh"), OID: o},
	}
	content := objfmt.FormatTree(entries)

	got, err := objfmt.ParseTree(content)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	assert.Equal(t, content, objfmt.FormatTree(got))
}

func TestParseTreeMissingSpace(t *testing.T) {
	_, err := objfmt.ParseTree([]byte("100644hello\x00blah"))
	assert.ErrorIs(t, err, objfmt.ErrMissingSpace)
}

func TestParseTreeMissingNul(t *testing.T) {
	_, err := objfmt.ParseTree([]byte("100644 hello-no-nul"))
	assert.ErrorIs(t, err, objfmt.ErrMissingNul)
}

func TestParseTreeTruncatedOID(t *testing.T) {
	// NUL present but fewer than 20 bytes follow.
	_, err := objfmt.ParseTree([]byte("100644 hello\x00short"))
	assert.ErrorIs(t, err, objfmt.ErrTruncatedOID)
}

func TestParseTreeExactlyOneByteShort(t *testing.T) {
	// Regression for spec §9's flagged off-by-one: 19 bytes after NUL must
	// still fail, not be silently accepted as a truncated OID.
	short := make([]byte, oid.Size-1)
	content := append([]byte("100644 x\x00"), short...)
	_, err := objfmt.ParseTree(content)
	assert.ErrorIs(t, err, objfmt.ErrTruncatedOID)
}

func TestParseTreeEmpty(t *testing.T) {
	entries, err := objfmt.ParseTree(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
