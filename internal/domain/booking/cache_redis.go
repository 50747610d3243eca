package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/db"
)

const ruleCachePrefix = "rules:doctor:"

// CachedScheduleRepository is a read-through Redis cache in front of a
// ScheduleRepository. Rules are read on every availability query and change
// rarely, so ListByDoctor is served from Redis and every write drops the
// doctor's entry. Redis failures fall back to the wrapped repository.
type CachedScheduleRepository struct {
	next   ScheduleRepository
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedScheduleRepository(next ScheduleRepository, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedScheduleRepository {
	return &CachedScheduleRepository{next: next, client: client, ttl: ttl, logger: logger}
}

func ruleCacheKey(ctx context.Context, doctorID string) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("%s%s:%s", ruleCachePrefix, tenant, doctorID)
}

func (c *CachedScheduleRepository) Create(ctx context.Context, r *ScheduleRule) error {
	if err := c.next.Create(ctx, r); err != nil {
		return err
	}
	c.invalidate(ctx, r.DoctorID)
	return nil
}

func (c *CachedScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleRule, error) {
	return c.next.GetByID(ctx, id)
}

func (c *CachedScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	rule, err := c.next.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.next.Delete(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, rule.DoctorID)
	return nil
}

func (c *CachedScheduleRepository) ListByDoctor(ctx context.Context, doctorID string) ([]*ScheduleRule, error) {
	key := ruleCacheKey(ctx, doctorID)
	val, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var rules []*ScheduleRule
		if jerr := json.Unmarshal(val, &rules); jerr == nil {
			return rules, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable rule cache entry")
	} else if err != redis.Nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("rule cache read failed")
	}

	rules, err := c.next.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rules); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("rule cache write failed")
		}
	}
	return rules, nil
}

func (c *CachedScheduleRepository) DeleteByDoctor(ctx context.Context, doctorID string) (int, error) {
	n, err := c.next.DeleteByDoctor(ctx, doctorID)
	c.invalidate(ctx, doctorID)
	return n, err
}

func (c *CachedScheduleRepository) invalidate(ctx context.Context, doctorID string) {
	key := ruleCacheKey(ctx, doctorID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("rule cache invalidation failed")
	}
}
