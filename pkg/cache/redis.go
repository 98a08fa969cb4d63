package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "roundboard:snapshot:"
	SnapshotChannel   = "roundboard:snapshots"
)

// RedisPublisher mirrors leaderboard snapshots into Redis for consumers in
// other processes: the latest snapshot per round under a TTL'd key, and every
// refresh on a pub/sub channel.
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPublisher(client *redis.Client, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		ttl:    ttl,
	}
}

func SnapshotKey(roundID string) string {
	return snapshotKeyPrefix + roundID
}

func (r *RedisPublisher) Publish(ctx context.Context, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, SnapshotKey(snap.RoundID), data, r.ttl)
	pipe.Publish(ctx, SnapshotChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Latest reads back the stored snapshot for a round.
func (r *RedisPublisher) Latest(ctx context.Context, roundID string) (*models.Snapshot, error) {
	data, err := r.client.Get(ctx, SnapshotKey(roundID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no snapshot stored for round %s", roundID)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// NewClient connects to Redis and verifies the connection with PING.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
