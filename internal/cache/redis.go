package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"billbook/internal/domain"
)

// StaleChannel carries the id of every shop whose views went stale.
const StaleChannel = "billbook:shop-stale"

const (
	overviewKeyPrefix = "billbook:overview:"
	versionKeyPrefix  = "billbook:overview-version:"

	// versionTTL outlives any overview computation by a wide margin.
	versionTTL = 24 * time.Hour
)

// Redis keeps one hash per shop, one field per local date, so a single DEL
// drops every cached day for the shop.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr string, password string, db int, ttl time.Duration) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: client, ttl: ttl}
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func (c *Redis) GetOverview(ctx context.Context, shopID string, localDate string) (OverviewEntry, error) {
	var hget, ver *redis.StringCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hget = pipe.HGet(ctx, overviewKey(shopID), localDate)
		ver = pipe.Get(ctx, versionKey(shopID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return OverviewEntry{}, err
	}

	var entry OverviewEntry
	version, err := ver.Int64()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return OverviewEntry{}, err
	default:
		entry.Version = version
	}

	val, err := hget.Result()
	if errors.Is(err, redis.Nil) {
		return entry, nil
	}
	if err != nil {
		return OverviewEntry{}, err
	}
	var overview domain.Overview
	if err := json.Unmarshal([]byte(val), &overview); err != nil {
		return OverviewEntry{}, err
	}
	entry.Overview = &overview
	return entry, nil
}

// SetOverview writes under WATCH on the shop's version key, so an
// invalidation that lands while totals were being computed wins.
func (c *Redis) SetOverview(ctx context.Context, shopID string, localDate string, version int64, overview domain.Overview) error {
	payload, err := json.Marshal(overview)
	if err != nil {
		return err
	}
	key := overviewKey(shopID)
	vkey := versionKey(shopID)

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != version {
			return ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, localDate, payload)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, vkey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStale
	}
	return err
}

func (c *Redis) InvalidateShop(ctx context.Context, shopID string) error {
	vkey := versionKey(shopID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, versionTTL)
		pipe.Del(ctx, overviewKey(shopID))
		pipe.Publish(ctx, StaleChannel, shopID)
		return nil
	})
	return err
}

// SubscribeStale delivers stale shop ids until ctx is done.
func (c *Redis) SubscribeStale(ctx context.Context) <-chan string {
	sub := c.client.Subscribe(ctx, StaleChannel)
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func overviewKey(shopID string) string {
	return overviewKeyPrefix + shopID
}

func versionKey(shopID string) string {
	return versionKeyPrefix + shopID
}
