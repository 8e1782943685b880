package cms

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	rediskey "fulfillment/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// CachedCatalog keeps course JSON in Redis. Redis failures fall through to the next catalog.
type CachedCatalog struct {
	rdb  *rd.Client
	next Catalog
	ttl  time.Duration
	log  *slog.Logger
}

func NewCachedCatalog(rdb *rd.Client, next Catalog, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	return &CachedCatalog{rdb: rdb, next: next, ttl: ttl, log: log}
}

func (c *CachedCatalog) Course(ctx context.Context, id string) (*Course, error) {
	key := rediskey.CourseCacheKey(id)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var course Course
		if jerr := json.Unmarshal(raw, &course); jerr == nil {
			return &course, nil
		}
		c.log.Warn("cms cache entry corrupt, refetching", slog.String("course_id", id))
	case !errors.Is(err, rd.Nil):
		c.log.Warn("cms cache read failed", slog.String("course_id", id), slog.String("error", err.Error()))
	}

	course, err := c.next.Course(ctx, id)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(course); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.log.Warn("cms cache write failed", slog.String("course_id", id), slog.String("error", err.Error()))
		}
	}
	return course, nil
}

// Invalidate drops a cached course, e.g. after a CMS publish hook.
func (c *CachedCatalog) Invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, rediskey.CourseCacheKey(id)).Err()
}
