package apkdebugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	a := NewArchive()
	a.Put("AndroidManifest.xml", []byte("manifest"))
	a.Put("classes.dex", []byte("dex"))
	a.Put("assets/", nil)
	a.Put("assets/data.bin", []byte{0, 1, 2, 3})

	data, err := a.Serialize()
	require.NoError(t, err)

	b, err := OpenArchive(data)
	require.NoError(t, err)
	require.Equal(t, a.Len(), b.Len())

	for _, e := range a.Entries() {
		assert.True(t, b.Has(e.Name))
		if e.IsDir {
			continue
		}
		content, err := b.Read(e.Name)
		require.NoError(t, err)
		assert.Equal(t, e.Data, content, "entry %s", e.Name)
	}
}

func TestArchiveDeterministicSerialize(t *testing.T) {
	a := NewArchive()
	a.Put("b", []byte("bee"))
	a.Put("a", []byte("ay"))
	a.Put("c", []byte("sea"))

	first, err := a.Serialize()
	require.NoError(t, err)
	second, err := a.Serialize()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestArchiveEntryOrderStable(t *testing.T) {
	a := NewArchive()
	a.Put("z", []byte("1"))
	a.Put("a", []byte("2"))
	a.Put("m", []byte("3"))
	a.Put("z", []byte("4")) // overwrite keeps position

	var names []string
	for _, e := range a.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"z", "a", "m"}, names)

	content, err := a.Read("z")
	require.NoError(t, err)
	assert.Equal(t, []byte("4"), content)
}

func TestArchiveRemove(t *testing.T) {
	a := NewArchive()
	a.Put("keep", []byte("k"))
	a.Put("drop", []byte("d"))

	assert.True(t, a.Remove("drop"))
	assert.False(t, a.Remove("drop"))
	assert.False(t, a.Has("drop"))

	_, err := a.Read("drop")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestOpenArchiveRejectsGarbage(t *testing.T) {
	_, err := OpenArchive([]byte("this is not a zip file"))
	assert.ErrorIs(t, err, ErrMalformedArchive)
}
