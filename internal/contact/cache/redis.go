package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"contactlink/internal/contact/models"
	"contactlink/pkg/platform/sentinel"
)

const (
	keyPrefix        = "contactlink:identity:"
	generationPrefix = "contactlink:identity-gen:"
)

// RedisCache stores projected identity views keyed by primary contact id.
// Entries expire after ttl; reconciliation invalidates them on every change,
// so the ttl only bounds staleness after out-of-band edits.
//
// Each primary also has a generation counter bumped by Invalidate. Readers
// capture it before loading from the store and fill through SetIfUnchanged,
// so a view loaded before a change can never overwrite the invalidation.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func key(primaryID int64) string {
	return keyPrefix + strconv.FormatInt(primaryID, 10)
}

func generationKey(primaryID int64) string {
	return generationPrefix + strconv.FormatInt(primaryID, 10)
}

// Get returns sentinel.ErrNotFound on a miss.
func (c *RedisCache) Get(ctx context.Context, primaryID int64) (*models.IdentityView, error) {
	raw, err := c.client.Get(ctx, key(primaryID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get identity view: %w: %w", sentinel.ErrUnavailable, err)
	}
	var view models.IdentityView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("decode identity view: %w", err)
	}
	return &view, nil
}

// Generation returns the primary's invalidation counter, zero when unset.
func (c *RedisCache) Generation(ctx context.Context, primaryID int64) (int64, error) {
	generation, err := c.client.Get(ctx, generationKey(primaryID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get identity generation: %w: %w", sentinel.ErrUnavailable, err)
	}
	return generation, nil
}

// SetIfUnchanged stores view only while the primary's generation still equals
// generation. It reports whether the view was written.
func (c *RedisCache) SetIfUnchanged(ctx context.Context, view *models.IdentityView, generation int64) (bool, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return false, fmt.Errorf("encode identity view: %w", err)
	}
	genKey := generationKey(view.PrimaryContactID)
	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(view.PrimaryContactID), raw, c.ttl)
			return nil
		}); err != nil {
			return err
		}
		stored = true
		return nil
	}, genKey)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("set identity view: %w: %w", sentinel.ErrUnavailable, err)
	}
	return stored, nil
}

// Invalidate drops the views and advances the generation of every primaryID.
func (c *RedisCache) Invalidate(ctx context.Context, primaryIDs ...int64) error {
	if len(primaryIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range primaryIDs {
			pipe.Incr(ctx, generationKey(id))
			if c.ttl > 0 {
				pipe.Expire(ctx, generationKey(id), 2*c.ttl)
			}
			pipe.Del(ctx, key(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate identity views: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
