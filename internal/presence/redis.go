package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// userKeyPrefix is the Redis key prefix for per-user presence hashes.
	userKeyPrefix = "presence:user:"

	// onlineSetKey tracks the ids of every currently-online user so a
	// startup reset does not have to scan the keyspace.
	onlineSetKey = "presence:online"
)

// RedisStore is the Redis-backed implementation of Store. Each user has a
// hash with online flag and last-seen timestamp, plus membership in a
// process-wide online set.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SetOnline marks the user online and adds it to the online set.
func (s *RedisStore) SetOnline(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, userKeyPrefix+userID, "online", "1", "last_seen", "0")
	pipe.SAdd(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	return nil
}

// SetOffline marks the user offline with the given last-seen timestamp and
// removes it from the online set.
func (s *RedisStore) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, userKeyPrefix+userID, "online", "0", "last_seen", lastSeen.Unix())
	pipe.SRem(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set offline %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's presence. A missing hash reads as offline.
func (s *RedisStore) Get(ctx context.Context, userID string) (Status, error) {
	fields, err := s.client.HGetAll(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		return Status{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return Status{}, nil
	}

	var status Status
	status.Online = fields["online"] == "1"
	if ts, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil && ts > 0 {
		status.LastSeen = time.Unix(ts, 0)
	}
	return status, nil
}

// ResetAll flips every member of the online set offline. Users left online
// by a crashed process get a last-seen of now.
func (s *RedisStore) ResetAll(ctx context.Context) error {
	userIDs, err := s.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return fmt.Errorf("presence: list online users: %w", err)
	}

	now := time.Now().Unix()
	pipe := s.client.Pipeline()
	for _, userID := range userIDs {
		pipe.HSet(ctx, userKeyPrefix+userID, "online", "0", "last_seen", now)
	}
	pipe.Del(ctx, onlineSetKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: reset all: %w", err)
	}
	return nil
}
