// Package telemetry counts fetch failures per kind and ships them to a
// reporting endpoint, if and only if the user opted in. Reporting is
// best effort: errors are logged and swallowed, never surfaced.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"coursezipgo/internal/storage"
)

// Counters aggregates failure counts per kind bucket (status_404,
// timeout, network, login_page, folder). Safe for concurrent use.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int64)}
}

func (c *Counters) Inc(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[kind]++
}

func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

type Reporter struct {
	endpoint string
	kv       storage.KV
	client   *http.Client
	log      *slog.Logger
}

func NewReporter(endpoint string, kv storage.KV, log *slog.Logger) *Reporter {
	return &Reporter{
		endpoint: endpoint,
		kv:       kv,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With(slog.String("item", "Telemetry")),
	}
}

// Report posts the counter snapshot. A missing endpoint, a user who
// never opted in, and any transport error all result in a silent no-op.
func (r *Reporter) Report(ctx context.Context, counters *Counters) {
	if r.endpoint == "" {
		return
	}
	_, optIn, err := storage.TelemetryFlags(ctx, r.kv)
	if err != nil || !optIn {
		return
	}

	snapshot := counters.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	body, err := json.Marshal(map[string]any{"failures": snapshot})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("Telemetry report failed", "error", err)
		return
	}
	resp.Body.Close()
}
