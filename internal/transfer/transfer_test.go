package transfer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumChunks(t *testing.T) {
	assert.Equal(t, 0, NumChunks(0, 1024))
	assert.Equal(t, 1, NumChunks(1, 1024))
	assert.Equal(t, 1, NumChunks(1024, 1024))
	assert.Equal(t, 2, NumChunks(1025, 1024))
	assert.Equal(t, 3, NumChunks(3*1024-1, 1024))
}

func TestSplitSizes(t *testing.T) {
	data := make([]byte, 2500)
	chunks := Split(data, 1024)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Data, 1024)
	assert.Len(t, chunks[1].Data, 1024)
	assert.Len(t, chunks[2].Data, 452, "only the last chunk may be short")
	for i, c := range chunks {
		assert.Equal(t, i, c.Index, "indexes are contiguous from zero")
	}
}

func metaFor(data []byte, chunkSize int) Meta {
	return Meta{
		Type:        TypeMeta,
		TotalBytes:  len(data),
		ChunkSize:   chunkSize,
		TotalChunks: NumChunks(len(data), chunkSize),
	}
}

func TestRoundTrip(t *testing.T) {
	data := make([]byte, 10_000)
	for i := range data {
		data[i] = byte(i * 31)
	}

	chunks := Split(data, 1024)
	asm, err := NewAssembler(metaFor(data, 1024))
	require.NoError(t, err)

	// Deliver out of order: reassembly is by index, not arrival order.
	rand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
	for _, c := range chunks {
		require.NoError(t, asm.Put(c))
	}

	require.NoError(t, asm.MarkDone())
	require.True(t, asm.Complete())
	got, err := asm.Bytes()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestEncodeDecodeChunk(t *testing.T) {
	c := Chunk{Index: 7, Data: []byte("payload")}
	frame := EncodeChunk(c)

	decoded, err := DecodeChunk(frame)
	require.NoError(t, err)
	assert.Equal(t, c.Index, decoded.Index)
	assert.Equal(t, c.Data, decoded.Data)

	_, err = DecodeChunk([]byte{1, 2})
	assert.Error(t, err)
}

func TestAssemblerRejectsBadChunks(t *testing.T) {
	data := []byte("0123456789")
	asm, err := NewAssembler(metaFor(data, 4))
	require.NoError(t, err)

	assert.Error(t, asm.Put(Chunk{Index: 3, Data: []byte("xxxx")}), "index out of range")
	assert.Error(t, asm.Put(Chunk{Index: 0, Data: []byte("xx")}), "wrong length")

	require.NoError(t, asm.Put(Chunk{Index: 0, Data: []byte("0123")}))
	assert.Error(t, asm.Put(Chunk{Index: 0, Data: []byte("0123")}), "duplicate")

	assert.Error(t, asm.MarkDone(), "done before all chunks arrived")
	assert.False(t, asm.Complete())
	_, err = asm.Bytes()
	assert.Error(t, err)
}

func TestAssemblerEmptyArchive(t *testing.T) {
	asm, err := NewAssembler(metaFor(nil, 1024))
	require.NoError(t, err)
	require.NoError(t, asm.MarkDone())
	got, err := asm.Bytes()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssemblerMetaValidation(t *testing.T) {
	_, err := NewAssembler(Meta{TotalBytes: 10, ChunkSize: 0, TotalChunks: 1})
	assert.Error(t, err)
	_, err = NewAssembler(Meta{TotalBytes: 10, ChunkSize: 4, TotalChunks: 5})
	assert.Error(t, err, "announced chunk count must match")
}
