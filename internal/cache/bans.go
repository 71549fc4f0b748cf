package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const banSetKey = "console:banned_phones"

// BanCache mirrors the banned-phone set in redis so every console session
// sees a toggle without a repository round-trip. The repository row is the
// source of truth; this set is write-through and rebuildable.
type BanCache struct {
	rdb *redis.Client
}

func NewBanCache(rdb *redis.Client) *BanCache {
	return &BanCache{rdb: rdb}
}

func (c *BanCache) SetBanned(ctx context.Context, phone string, banned bool) error {
	var err error
	if banned {
		err = c.rdb.SAdd(ctx, banSetKey, phone).Err()
	} else {
		err = c.rdb.SRem(ctx, banSetKey, phone).Err()
	}
	if err != nil {
		return fmt.Errorf("ban cache set: %w", err)
	}
	return nil
}

func (c *BanCache) IsBanned(ctx context.Context, phone string) (bool, error) {
	banned, err := c.rdb.SIsMember(ctx, banSetKey, phone).Result()
	if err != nil {
		return false, fmt.Errorf("ban cache check: %w", err)
	}
	return banned, nil
}

// Rebuild replaces the set with the given phones in one pipeline.
func (c *BanCache) Rebuild(ctx context.Context, phones []string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, banSetKey)
	if len(phones) > 0 {
		members := make([]interface{}, len(phones))
		for i, p := range phones {
			members[i] = p
		}
		pipe.SAdd(ctx, banSetKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ban cache rebuild: %w", err)
	}
	return nil
}
