// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noaione/vthell/internal/log"
)

// Cache is an optional Redis lookaside for single-video lookups, so a burst
// of schedule requests for the same id does not hammer the upstream APIs.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

const cachePrefix = "vthell:discovery:video:"

// negativeMarker caches a confirmed-absent video briefly.
const negativeMarker = "null"

// NewCache connects to the Redis at url ("redis://host:port/db").
func NewCache(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Cache{
		rdb: redis.NewClient(opts),
		ttl: 3 * time.Minute,
	}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// GetVideo returns the cached video for key, or calls fetch and stores the
// result. Absent videos are cached too. Cache failures degrade to a direct
// fetch.
func (c *Cache) GetVideo(ctx context.Context, key string, fetch func(context.Context) (*Video, error)) (*Video, error) {
	logger := log.WithComponent("discovery.cache")

	raw, err := c.rdb.Get(ctx, cachePrefix+key).Result()
	switch {
	case err == nil:
		if raw == negativeMarker {
			return nil, nil
		}
		var video Video
		if err := json.Unmarshal([]byte(raw), &video); err == nil {
			return &video, nil
		}
		// Corrupt entry, fall through to refetch.
	case !errors.Is(err, redis.Nil):
		logger.Warn().Err(err).Msg("cache read failed, fetching directly")
	}

	video, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	payload := negativeMarker
	ttl := 30 * time.Second
	if video != nil {
		buf, err := json.Marshal(video)
		if err == nil {
			payload = string(buf)
			ttl = c.ttl
		}
	}
	if err := c.rdb.Set(ctx, cachePrefix+key, payload, ttl).Err(); err != nil {
		logger.Warn().Err(err).Msg("cache write failed")
	}
	return video, nil
}
