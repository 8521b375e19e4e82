package packingest

import (
	"io"
	"os"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAreaDestroyRemovesScratchDir(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	dir := a.dir

	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, a.Destroy())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Destroy is safe to call again.
	require.NoError(t, a.Destroy())
}

func TestAreaIngestsBlobObjects(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Destroy()

	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	require.NoError(t, err)
	_, err = io.WriteString(w, "hello")
	require.NoError(t, err)
	obj.SetSize(5)

	_, err = a.storage.SetEncodedObject(obj)
	require.NoError(t, err)

	var seen []DecodedObject
	require.NoError(t, a.Each(func(o DecodedObject) error {
		seen = append(seen, o)
		return nil
	}))

	require.Len(t, seen, 1)
	assert.Equal(t, "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0", seen[0].OID.String())
	assert.Equal(t, []byte("hello"), seen[0].Content)
}
