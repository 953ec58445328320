package memory

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGetOverwrite(t *testing.T) {
	fs := NewFileStore(0, 0)

	data := bytes.Repeat([]byte{0xab}, 1000)
	info, err := fs.Put("report.pdf", "alice", data)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Size)
	assert.Equal(t, "alice", info.UploadedBy)

	got, b, err := fs.Get("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, data, b)

	_, err = fs.Put("report.pdf", "bob", []byte("v2"))
	require.NoError(t, err)
	got, b, err = fs.Get("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.UploadedBy)
	assert.Equal(t, []byte("v2"), b)
	assert.Equal(t, int64(2), fs.Size())

	_, _, err = fs.Get("missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestFileStore_Limits(t *testing.T) {
	fs := NewFileStore(10, 15)

	_, err := fs.Put("big", "alice", make([]byte, 11))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = fs.Put("a", "alice", make([]byte, 10))
	require.NoError(t, err)

	_, err = fs.Put("b", "alice", make([]byte, 6))
	assert.ErrorIs(t, err, ErrStoreFull)

	// overwriting releases the previous size first
	_, err = fs.Put("a", "alice", make([]byte, 9))
	require.NoError(t, err)
	_, err = fs.Put("b", "alice", make([]byte, 6))
	require.NoError(t, err)
	assert.Equal(t, int64(15), fs.Size())
}

func TestFileStore_List(t *testing.T) {
	fs := NewFileStore(0, 0)
	_, _ = fs.Put("b.txt", "bob", []byte("b"))
	_, _ = fs.Put("a.txt", "alice", []byte("aa"))

	files := fs.List()
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Filename)
	assert.Equal(t, int64(2), files[0].Size)
	assert.Equal(t, "b.txt", files[1].Filename)
}

func TestFileStore_ConcurrentDownloads(t *testing.T) {
	fs := NewFileStore(0, 0)
	data := bytes.Repeat([]byte("x"), 4096)
	_, err := fs.Put("f", "alice", data)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, b, err := fs.Get("f")
			assert.NoError(t, err)
			assert.Equal(t, data, b)
		}()
	}
	wg.Wait()
}
