package dbstore

import (
	"context"
	"io"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrew/gitgres/internal/gerrs"
	"github.com/andrew/gitgres/internal/objfmt"
	"github.com/andrew/gitgres/internal/oid"
)

func TestObjectWriteThenRead(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-write-read")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	o := mustOID(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, b.Write(o, objfmt.BlobType, []byte("hello")))

	typ, size, content, err := b.Read(o, objfmt.BlobType)
	require.NoError(t, err)
	assert.Equal(t, objfmt.BlobType, typ)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, []byte("hello"), content)
}

func TestObjectReadWrongTypeIsError(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-read-wrong-type")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	o := mustOID(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, b.Write(o, objfmt.BlobType, []byte("hello")))

	_, _, _, err = b.Read(o, objfmt.TreeType)
	assert.True(t, gerrs.Is(err, gerrs.InvalidType))
}

func TestObjectWriteIsIdempotent(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-idempotent")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	o := mustOID(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, b.Write(o, objfmt.BlobType, []byte("hello")))
	require.NoError(t, b.Write(o, objfmt.BlobType, []byte("hello")))

	typ, _, content, err := b.ReadAny(o)
	require.NoError(t, err)
	assert.Equal(t, objfmt.BlobType, typ)
	assert.Equal(t, []byte("hello"), content)
}

func TestObjectReadHeaderOmitsContent(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-read-header")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	o := mustOID(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, b.Write(o, objfmt.BlobType, []byte("hello")))

	typ, size, err := b.ReadHeader(o)
	require.NoError(t, err)
	assert.Equal(t, objfmt.BlobType, typ)
	assert.Equal(t, int64(5), size)
}

func TestObjectReadMissingIsNotFound(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-missing")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	o := mustOID(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	_, _, _, err = b.ReadAny(o)
	assert.True(t, gerrs.Is(err, gerrs.NotFound))
}

func TestObjectReadPrefixUniqueMatch(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-read-prefix")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	o := mustOID(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, b.Write(o, objfmt.BlobType, []byte("hello")))

	full, typ, _, content, err := b.ReadPrefix("b6fc4")
	require.NoError(t, err)
	assert.Equal(t, o, full)
	assert.Equal(t, objfmt.BlobType, typ)
	assert.Equal(t, []byte("hello"), content)
}

func TestObjectReadPrefixAmbiguous(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-read-prefix-ambiguous")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	// Two distinct OIDs sharing the hex prefix "0000000000000000000000000000000000000".
	a := mustOID(t, "000000000000000000000000000000000000000a")
	c := mustOID(t, "000000000000000000000000000000000000000b")
	require.NoError(t, b.Write(a, objfmt.BlobType, []byte("a")))
	require.NoError(t, b.Write(c, objfmt.BlobType, []byte("c")))

	_, _, _, _, err = b.ReadPrefix("0000000000000000000000000000000000000")
	assert.True(t, gerrs.Is(err, gerrs.Ambiguous))
}

func TestObjectReadPrefixNotFound(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-read-prefix-not-found")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	_, _, _, _, err = b.ReadPrefix("dead")
	assert.True(t, gerrs.Is(err, gerrs.NotFound))
}

func TestObjectExistsAndExistsPrefix(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-exists")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	o := mustOID(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	ok, err := b.Exists(o)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Write(o, objfmt.BlobType, []byte("hello")))

	ok, err = b.Exists(o)
	require.NoError(t, err)
	assert.True(t, ok)

	full, ok, err := b.ExistsPrefix("b6fc4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, o, full)
}

func TestObjectForeachOrdersByOID(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-foreach")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	a := mustOID(t, "000000000000000000000000000000000000000a")
	c := mustOID(t, "000000000000000000000000000000000000000b")
	require.NoError(t, b.Write(c, objfmt.BlobType, []byte("c")))
	require.NoError(t, b.Write(a, objfmt.BlobType, []byte("a")))

	var seen []string
	require.NoError(t, b.Foreach(func(o oid.OID) error {
		seen = append(seen, o.String())
		return nil
	}))

	require.Len(t, seen, 2)
	assert.Equal(t, a.String(), seen[0])
	assert.Equal(t, c.String(), seen[1])
}

func TestObjectEncodedObjectStorerRoundTrip(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-storer-roundtrip")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	mo := b.NewEncodedObject()
	mo.SetType(plumbing.BlobObject)
	w, err := mo.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	mo.SetSize(5)

	h, err := b.SetEncodedObject(mo)
	require.NoError(t, err)
	assert.Equal(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0", h.String())

	eo, err := b.EncodedObject(plumbing.BlobObject, h)
	require.NoError(t, err)
	assert.Equal(t, plumbing.BlobObject, eo.Type())
	r, err := eo.Reader()
	require.NoError(t, err)
	defer r.Close()
	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, b.HasEncodedObject(h))

	size, err := b.EncodedObjectSize(h)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = b.EncodedObject(plumbing.TreeObject, h)
	assert.ErrorIs(t, err, plumbing.ErrObjectNotFound)
}

func TestObjectHasEncodedObjectMissing(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-has-missing")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	var h plumbing.Hash
	err = b.HasEncodedObject(h)
	assert.ErrorIs(t, err, plumbing.ErrObjectNotFound)
}

func TestObjectIterEncodedObjectsFiltersByType(t *testing.T) {
	drv := newTestDriver(t)
	ctx := context.Background()
	repoID, err := drv.EnsureRepository(ctx, "objects-iter")
	require.NoError(t, err)
	b := NewObjectBackend(drv, repoID, ctx)

	blob := mustOID(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, b.Write(blob, objfmt.BlobType, []byte("hello")))

	tree := mustOID(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	require.NoError(t, b.Write(tree, objfmt.TreeType, nil))

	iter, err := b.IterEncodedObjects(plumbing.BlobObject)
	require.NoError(t, err)
	defer iter.Close()

	var got []plumbing.Hash
	require.NoError(t, iter.ForEach(func(eo plumbing.EncodedObject) error {
		got = append(got, eo.Hash())
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, plumbing.Hash(blob), got[0])
}
