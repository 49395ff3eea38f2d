package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"plantwatch/internal/logger"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

// Cache mirrors the latest evaluation of a device into a StateStore so other
// processes can read current state without talking to the monitor.
//
// Keys:
//
//	{prefix}:{device}:latest  full evaluation record
//	{prefix}:{device}:health  overall health string
type Cache struct {
	store    StateStore
	prefix   string
	deviceID string
	ttl      time.Duration
}

func NewCache(store StateStore, prefix, deviceID string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "plantwatch"
	}
	return &Cache{store: store, prefix: prefix, deviceID: deviceID, ttl: ttl}
}

func (c *Cache) key(suffix string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, c.deviceID, suffix)
}

// OnEvaluation stores the record and its health in one write.
func (c *Cache) OnEvaluation(ctx context.Context, rec *models.EvaluationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		metrics.StateCacheWritesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("encode record: %w", err)
	}

	entries := []Entry{
		{Key: c.key("latest"), Value: data},
		{Key: c.key("health"), Value: []byte(rec.Health)},
	}
	if err := c.store.SetMany(ctx, entries, c.ttl); err != nil {
		metrics.StateCacheWritesTotal.WithLabelValues("failed").Inc()
		return err
	}

	metrics.StateCacheWritesTotal.WithLabelValues("success").Inc()
	logger.WithDevice("state_cache", c.deviceID).Debug().
		Uint64("seq", rec.Seq).
		Int("bytes", len(data)).
		Msg("state cached")
	return nil
}

// Latest returns the last cached record.
func (c *Cache) Latest(ctx context.Context) (*models.EvaluationRecord, error) {
	data, err := c.store.Get(ctx, c.key("latest"))
	if err != nil {
		return nil, err
	}
	var rec models.EvaluationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cached record: %w", err)
	}
	return &rec, nil
}

// Ping checks the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
