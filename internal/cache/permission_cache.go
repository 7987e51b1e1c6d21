package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a resolved permission set may be served
const DefaultTTL = 5 * time.Minute

// PermissionCache stores resolved permission sets in redis. Entry keys embed
// a global generation and a per-user version, both read before the store is
// consulted. Invalidation advances one of them, so a set resolved from state
// older than the invalidation lands on a key no reader will ever ask for.
type PermissionCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewPermissionCache creates a cache; an empty prefix defaults to "identity"
func NewPermissionCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *PermissionCache {
	if prefix == "" {
		prefix = "identity"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PermissionCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *PermissionCache) generationKey() string {
	return c.prefix + ":perm:gen"
}

func (c *PermissionCache) versionKey(userID string) string {
	return c.prefix + ":perm:ver:" + userID
}

func (c *PermissionCache) entryKey(stamp, userID string) string {
	return fmt.Sprintf("%s:perm:%s:%s", c.prefix, stamp, userID)
}

// stamp reads the generation and the user's version in one round trip
func (c *PermissionCache) stamp(ctx context.Context, userID string) (string, error) {
	vals, err := c.rdb.MGet(ctx, c.generationKey(), c.versionKey(userID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read permission cache stamp: %w", err)
	}
	gen, err := counter(vals[0])
	if err != nil {
		return "", err
	}
	ver, err := counter(vals[1])
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(gen, 10) + "." + strconv.FormatInt(ver, 10), nil
}

func counter(v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected permission cache counter %T", v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid permission cache counter %q: %w", s, err)
	}
	return n, nil
}

// Get returns the cached set and whether it was present. The stamp is
// returned on a miss as well; pass it to Set with the set resolved after
// this call.
func (c *PermissionCache) Get(ctx context.Context, userID string) ([]string, string, bool, error) {
	stamp, err := c.stamp(ctx, userID)
	if err != nil {
		return nil, "", false, err
	}

	raw, err := c.rdb.Get(ctx, c.entryKey(stamp, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, stamp, false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to read cached permissions: %w", err)
	}

	var perms []string
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, "", false, fmt.Errorf("failed to decode cached permissions: %w", err)
	}
	return perms, stamp, true, nil
}

// Set caches a set resolved under stamp. maxAge, when positive and shorter
// than the configured TTL, caps the entry lifetime (used when an override
// expires soon).
func (c *PermissionCache) Set(ctx context.Context, userID, stamp string, perms []string, maxAge time.Duration) error {
	if stamp == "" {
		return errors.New("permission cache stamp is required")
	}
	ttl := c.ttl
	if maxAge > 0 && maxAge < ttl {
		ttl = maxAge
	}

	if perms == nil {
		perms = []string{}
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}

	if err := c.rdb.Set(ctx, c.entryKey(stamp, userID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache permissions: %w", err)
	}
	return nil
}

// Invalidate retires one user's entries by advancing their version. The
// version key outlives any entry written under it.
func (c *PermissionCache) Invalidate(ctx context.Context, userID string) error {
	key := c.versionKey(userID)
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate permissions: %w", err)
	}
	return nil
}

// InvalidateAll retires every entry by advancing the generation
func (c *PermissionCache) InvalidateAll(ctx context.Context) error {
	if err := c.rdb.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("failed to advance permission cache generation: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting
func (c *PermissionCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
