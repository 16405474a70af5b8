// Package archive accumulates fetched files in memory and serializes
// them into a single DEFLATE-compressed zip.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"coursezipgo/internal/resource"
)

// Fixed compression level for every entry.
const compressionLevel = 6

type entry struct {
	path string
	data []byte
}

// Writer collects entries under collision-free paths. Add is safe for
// concurrent use by the fetch workers; Serialize is not, and is called
// once after all workers finished.
type Writer struct {
	mu      sync.Mutex
	paths   *resource.PathRegistry
	entries []entry
}

func NewWriter() *Writer {
	return &Writer{paths: resource.NewPathRegistry()}
}

// Add places data under dir/fileName, sanitizing both and uniquifying
// the full path against everything added so far. Returns the final
// entry path.
func (w *Writer) Add(dir, fileName string, data []byte) string {
	name := resource.SanitizeName(fileName)
	full := name
	if cleanDir := resource.SanitizePath(dir); cleanDir != "" {
		full = cleanDir + "/" + name
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	full = w.paths.Unique(full)
	w.entries = append(w.entries, entry{path: full, data: data})
	return full
}

func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Serialize writes all entries into a zip archive, calling onProgress
// with a 0..100 percentage as entries are written.
func (w *Writer) Serialize(onProgress func(percent int)) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, compressionLevel)
	})

	now := time.Now()
	for i, ent := range w.entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     ent.path,
			Method:   zip.Deflate,
			Modified: now,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot create entry %s: %w", ent.path, err)
		}
		if _, err := fw.Write(ent.data); err != nil {
			return nil, fmt.Errorf("cannot write entry %s: %w", ent.path, err)
		}
		if onProgress != nil {
			onProgress((i + 1) * 100 / len(w.entries))
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("cannot finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
