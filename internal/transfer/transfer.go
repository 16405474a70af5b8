// Package transfer implements the chunked delivery of a finished
// archive across the websocket boundary. Archives can run to hundreds
// of megabytes while individual messages must stay bounded, so the
// sender splits the buffer into fixed-size chunks and the receiver
// reassembles them by index.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"coursezipgo/internal/models"
)

// DefaultChunkSize keeps every chunk message safely under the transport
// message-size ceiling.
const DefaultChunkSize = 1 << 20 // 1 MiB

// Message type tags used on the wire. Request, meta, done and error
// travel as JSON text frames; chunks as binary frames.
const (
	TypeRequest = "request"
	TypeMeta    = "meta"
	TypeDone    = "done"
	TypeError   = "error"
)

// Request asks the builder to run a full build and stream the result.
type Request struct {
	Type        string            `json:"type"`
	ArchiveName string            `json:"archiveName"`
	Resources   []models.Resource `json:"resources"`
}

// Meta announces the finished archive before its chunks.
type Meta struct {
	Type         string   `json:"type"`
	ArchiveName  string   `json:"archiveName"`
	TotalBytes   int      `json:"totalBytes"`
	ChunkSize    int      `json:"chunkSize"`
	TotalChunks  int      `json:"totalChunks"`
	SuccessCount int      `json:"successCount"`
	FailedCount  int      `json:"failedCount"`
	TotalCount   int      `json:"totalCount"`
	FailedURLs   []string `json:"failedUrls"`
}

// Done terminates a successful transfer.
type Done struct {
	Type string `json:"type"`
}

// Error terminates a failed transfer with a human-readable reason.
type Error struct {
	Type   string `json:"type"`
	Reason string `json:"error"`
}

// Chunk is one piece of the archive. Every chunk has length ChunkSize
// except possibly the last.
type Chunk struct {
	Index int
	Data  []byte
}

// NumChunks returns ceil(totalBytes / chunkSize).
func NumChunks(totalBytes, chunkSize int) int {
	if totalBytes == 0 {
		return 0
	}
	return (totalBytes + chunkSize - 1) / chunkSize
}

// Split cuts data into ordered chunks. The chunk data aliases the input
// buffer; callers must not mutate it until the transfer completes.
func Split(data []byte, chunkSize int) []Chunk {
	n := NumChunks(len(data), chunkSize)
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(data))
		chunks = append(chunks, Chunk{Index: i, Data: data[start:end]})
	}
	return chunks
}

const chunkHeaderLen = 4

// EncodeChunk frames a chunk as a 4-byte big-endian index followed by
// the payload.
func EncodeChunk(c Chunk) []byte {
	frame := make([]byte, chunkHeaderLen+len(c.Data))
	binary.BigEndian.PutUint32(frame, uint32(c.Index))
	copy(frame[chunkHeaderLen:], c.Data)
	return frame
}

func DecodeChunk(frame []byte) (Chunk, error) {
	if len(frame) < chunkHeaderLen {
		return Chunk{}, errors.New("chunk frame too short")
	}
	return Chunk{
		Index: int(binary.BigEndian.Uint32(frame)),
		Data:  frame[chunkHeaderLen:],
	}, nil
}

// Assembler reconstructs an archive from chunks arriving in any order.
// The transfer is complete only after every chunk arrived and Done was
// observed.
type Assembler struct {
	buf       []byte
	chunkSize int
	total     int
	received  map[int]struct{}
	done      bool
}

func NewAssembler(meta Meta) (*Assembler, error) {
	if meta.ChunkSize <= 0 {
		return nil, errors.New("invalid chunk size")
	}
	if meta.TotalBytes < 0 {
		return nil, errors.New("invalid total size")
	}
	if want := NumChunks(meta.TotalBytes, meta.ChunkSize); meta.TotalChunks != want {
		return nil, fmt.Errorf("chunk count mismatch: announced %d, expected %d", meta.TotalChunks, want)
	}
	return &Assembler{
		buf:       make([]byte, meta.TotalBytes),
		chunkSize: meta.ChunkSize,
		total:     meta.TotalChunks,
		received:  make(map[int]struct{}, meta.TotalChunks),
	}, nil
}

// Put writes one chunk at offset index*chunkSize. Duplicate indexes are
// rejected, as are chunks of the wrong length.
func (a *Assembler) Put(c Chunk) error {
	if c.Index < 0 || c.Index >= a.total {
		return fmt.Errorf("chunk index %d out of range [0,%d)", c.Index, a.total)
	}
	if _, ok := a.received[c.Index]; ok {
		return fmt.Errorf("duplicate chunk %d", c.Index)
	}

	offset := c.Index * a.chunkSize
	want := min(a.chunkSize, len(a.buf)-offset)
	if len(c.Data) != want {
		return fmt.Errorf("chunk %d has %d bytes, want %d", c.Index, len(c.Data), want)
	}

	copy(a.buf[offset:], c.Data)
	a.received[c.Index] = struct{}{}
	return nil
}

// MarkDone records the terminal done message.
func (a *Assembler) MarkDone() error {
	if len(a.received) != a.total {
		return fmt.Errorf("done after %d of %d chunks", len(a.received), a.total)
	}
	a.done = true
	return nil
}

func (a *Assembler) Complete() bool {
	return a.done
}

// Bytes returns the reassembled archive. Only valid once Complete.
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.done {
		return nil, errors.New("transfer not complete")
	}
	return a.buf, nil
}
