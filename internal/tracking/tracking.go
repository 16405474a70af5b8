// Package tracking persists what has already been downloaded: one record
// per normalized resource URL, carrying the content hash of the bytes
// that went into the archive last time.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"coursezipgo/internal/models"
	"coursezipgo/internal/resource"
	"coursezipgo/internal/storage"
)

const trackingKey = "downloadTracking"

// Store owns the tracking map. Records accumulate in memory during a
// build and are persisted once via Persist, not per file.
type Store struct {
	mu      sync.Mutex
	kv      storage.KV
	records map[string]models.TrackingRecord
	log     *slog.Logger
}

// Load reads the tracking map and migrates any key whose stored form
// differs from the current normalization. The migrated map is persisted
// before Load returns, and only if at least one key actually changed.
func Load(ctx context.Context, kv storage.KV, log *slog.Logger) (*Store, error) {
	s := &Store{
		kv:      kv,
		records: make(map[string]models.TrackingRecord),
		log:     log.With(slog.String("item", "TrackingStore")),
	}

	raw, err := kv.Get(ctx, trackingKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s, nil
		}
		return nil, fmt.Errorf("cannot read tracking map: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &s.records); err != nil {
		return nil, fmt.Errorf("cannot decode tracking map: %w", err)
	}

	if migrated := s.migrate(); migrated > 0 {
		s.log.Info("Migrated tracking keys", slog.Int("count", migrated))
		if err := s.Persist(ctx); err != nil {
			return nil, fmt.Errorf("cannot persist migrated tracking map: %w", err)
		}
	}

	return s, nil
}

// migrate rewrites keys in place to the current normalization and
// returns how many changed. When an old key collides with an existing
// canonical one, the newer record (larger LastSeen) wins.
func (s *Store) migrate() int {
	migrated := 0
	for key, rec := range s.records {
		canon := resource.NormalizeIdentity(key)
		if canon == key {
			continue
		}
		delete(s.records, key)
		if existing, ok := s.records[canon]; !ok || rec.LastSeen > existing.LastSeen {
			rec.NormalizedURL = canon
			s.records[canon] = rec
		}
		migrated++
	}
	return migrated
}

// RecordSuccess upserts one record in memory. Safe for concurrent use by
// the fetch workers.
func (s *Store) RecordSuccess(identity, hash, fileName string, timestampMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[identity] = models.TrackingRecord{
		NormalizedURL: identity,
		ContentHash:   hash,
		LastSeen:      timestampMillis,
		FileName:      fileName,
	}
}

// Get returns the record for an identity key, if any.
func (s *Store) Get(identity string) (models.TrackingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	return rec, ok
}

// Snapshot copies the current map for read-only use by callers.
func (s *Store) Snapshot() map[string]models.TrackingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.TrackingRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Persist writes the whole map in a single Set.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	raw, err := json.Marshal(s.records)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cannot encode tracking map: %w", err)
	}
	if err := s.kv.Set(ctx, trackingKey, string(raw)); err != nil {
		return fmt.Errorf("cannot persist tracking map: %w", err)
	}
	return nil
}

// Reset replaces the map with an empty one, both in memory and on disk.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.records = make(map[string]models.TrackingRecord)
	s.mu.Unlock()
	return s.Persist(ctx)
}
