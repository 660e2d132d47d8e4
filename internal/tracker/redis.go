package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeSetKey   = "opportunities:active"
	eventsChannel  = "opportunities:events"
	opportunityTTL = 10 * time.Minute
)

// RedisRepository persists opportunities as expiring keys plus an active
// set, and publishes every transition on a pub/sub channel.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository connects and pings the server.
func NewRedisRepository(addr string) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisRepository{client: client}, nil
}

// NewRedisRepositoryFromClient wraps an existing client.
func NewRedisRepositoryFromClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// Close closes the underlying connection.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func opportunityKey(opp ActiveOpportunity) string {
	return fmt.Sprintf("opportunity:%s:%s:%s", opp.Symbol, opp.LongExchange, opp.ShortExchange)
}

// Upsert stores the opportunity with a TTL, registers it in the active set
// and notifies subscribers. The TTL makes stale entries self-expire if the
// engine dies mid-opportunity.
func (r *RedisRepository) Upsert(ctx context.Context, opp ActiveOpportunity) error {
	data, err := json.Marshal(opp)
	if err != nil {
		return err
	}
	k := opportunityKey(opp)
	if err := r.client.Set(ctx, k, data, opportunityTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	if err := r.client.SAdd(ctx, activeSetKey, k).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", k, err)
	}
	event, _ := json.Marshal(map[string]any{"type": "active", "opportunity": opp})
	// Pub/sub is best-effort; a dropped notification does not fail the write.
	_ = r.client.Publish(ctx, eventsChannel, event).Err()
	return nil
}

// MarkAsEnded removes the key from the store and the active set and
// publishes the ended event with the final spread and duration.
func (r *RedisRepository) MarkAsEnded(ctx context.Context, opp ActiveOpportunity, duration time.Duration) error {
	k := opportunityKey(opp)
	if err := r.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("del %s: %w", k, err)
	}
	if err := r.client.SRem(ctx, activeSetKey, k).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", k, err)
	}
	event, _ := json.Marshal(map[string]any{
		"type":        "ended",
		"opportunity": opp,
		"durationMs":  duration.Milliseconds(),
	})
	_ = r.client.Publish(ctx, eventsChannel, event).Err()
	return nil
}
