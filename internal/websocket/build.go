package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"coursezipgo/internal/builder"
	"coursezipgo/internal/models"
	"coursezipgo/internal/transfer"
)

// BuildServer serves one archive build per websocket connection. The
// client sends a request message, receives progress frames while the
// pipeline runs, then meta, the binary chunks, and a terminal done (or
// error). Chunking keeps each frame under the transport's message-size
// ceiling regardless of archive size.
type BuildServer struct {
	builder   *builder.Builder
	chunkSize int
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

func NewBuildServer(b *builder.Builder, chunkSize int, log *slog.Logger) *BuildServer {
	if chunkSize <= 0 {
		chunkSize = transfer.DefaultChunkSize
	}
	return &BuildServer{
		builder:   b,
		chunkSize: chunkSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With(slog.String("item", "BuildServer")),
	}
}

// conn wraps a websocket connection with a write lock: fetch workers
// emit progress concurrently.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) writeBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (s *BuildServer) Handler(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	_, msg, err := ws.ReadMessage()
	if err != nil {
		s.log.Error("Cannot read build request", "error", err)
		return
	}

	var req transfer.Request
	if err := json.Unmarshal(msg, &req); err != nil || req.Type != transfer.TypeRequest {
		s.sendError(&conn{ws: ws}, "invalid build request")
		return
	}

	c := &conn{ws: ws}
	s.serveBuild(c, req)
}

func (s *BuildServer) serveBuild(c *conn, req transfer.Request) {
	result, err := s.builder.Build(context.Background(), req.Resources, func(p models.Progress) {
		// Best effort; a slow observer must not abort the build.
		_ = c.writeJSON(progressMessage{Type: "progress", Progress: p})
	})
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	chunks := transfer.Split(result.ArchiveBytes, s.chunkSize)
	meta := transfer.Meta{
		Type:         transfer.TypeMeta,
		ArchiveName:  req.ArchiveName,
		TotalBytes:   len(result.ArchiveBytes),
		ChunkSize:    s.chunkSize,
		TotalChunks:  len(chunks),
		SuccessCount: result.SuccessCount,
		FailedCount:  len(result.FailedURLs),
		TotalCount:   result.TotalCount,
		FailedURLs:   result.FailedURLs,
	}
	if err := c.writeJSON(meta); err != nil {
		s.log.Error("Cannot send meta", "error", err)
		return
	}

	for i, chunk := range chunks {
		if err := c.writeBinary(transfer.EncodeChunk(chunk)); err != nil {
			s.log.Error("Cannot send chunk", "index", chunk.Index, "error", err)
			return
		}
		_ = c.writeJSON(progressMessage{Type: "progress", Progress: models.Progress{
			Phase:   models.PhaseDownload,
			Current: i + 1,
			Total:   len(chunks),
		}})
	}

	if err := c.writeJSON(transfer.Done{Type: transfer.TypeDone}); err != nil {
		s.log.Error("Cannot send done", "error", err)
	}
	s.log.Info("Archive transferred",
		"bytes", meta.TotalBytes, "chunks", meta.TotalChunks, "failed", meta.FailedCount)
}

func (s *BuildServer) sendError(c *conn, reason string) {
	if err := c.writeJSON(transfer.Error{Type: transfer.TypeError, Reason: reason}); err != nil {
		s.log.Error("Cannot send error message", "error", err)
	}
}
