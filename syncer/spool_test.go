package syncer

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpoolRoundTrip(t *testing.T) {
	w, err := newSpoolWriter(t.TempDir(), "users")
	require.NoError(t, err)
	defer w.Discard()

	first := RowBatch{
		{"id": []byte{1}, "name": []byte("ada")},
		{"id": []byte{2}, "name": []byte("grace")},
	}
	second := RowBatch{
		{"id": []byte{3}, "name": []byte("edsger")},
	}
	require.NoError(t, w.WriteChunk(first))
	require.NoError(t, w.WriteChunk(second))
	require.NoError(t, w.WriteChunk(nil)) // empty chunks are skipped

	r, err := w.Reader()
	require.NoError(t, err)

	chunk, err := r.NextChunk()
	require.NoError(t, err)
	assert.Equal(t, first, chunk)

	chunk, err = r.NextChunk()
	require.NoError(t, err)
	assert.Equal(t, second, chunk)

	_, err = r.NextChunk()
	assert.Equal(t, io.EOF, err)
}

func TestSpoolDetectsCorruption(t *testing.T) {
	w, err := newSpoolWriter(t.TempDir(), "users")
	require.NoError(t, err)
	defer w.Discard()

	require.NoError(t, w.WriteChunk(RowBatch{{"id": []byte{1}}}))

	// Flip a byte inside the compressed payload
	_, err = w.f.WriteAt([]byte{0xFF}, 14)
	require.NoError(t, err)

	r, err := w.Reader()
	require.NoError(t, err)

	_, err = r.NextChunk()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}
