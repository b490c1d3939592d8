// Package presence tracks which users are online and announces changes
// through the broker.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared online/offline record.
type Store interface {
	SetOnline(ctx context.Context, userID int64) error
	SetOffline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
}

// Redis key patterns:
// presence:user:{user_id}   STRING "1"        - online flag, optional TTL
// presence:online_users     SET<user_id>      - users marked online
const onlineUsersKey = "presence:online_users"

func userKey(userID int64) string {
	return fmt.Sprintf("presence:user:%d", userID)
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a store whose online flags expire after ttl; zero
// means they never expire.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) SetOnline(ctx context.Context, userID int64) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, userKey(userID), 1, s.ttl)
	pipe.SAdd(ctx, onlineUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set online %d: %w", userID, err)
	}
	return nil
}

// SetOffline is a no-op for users that are already offline.
func (s *RedisStore) SetOffline(ctx context.Context, userID int64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, userKey(userID))
	pipe.SRem(ctx, onlineUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set offline %d: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := s.client.Exists(ctx, userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("is online %d: %w", userID, err)
	}
	return n == 1, nil
}

// OnlineUsers lists online user ids in ascending order. Set members whose
// flag has expired are removed from the set on the way.
func (s *RedisStore) OnlineUsers(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	if len(members) == 0 {
		return []int64{}, nil
	}

	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	ids := make([]int64, len(members))
	var stale []interface{}
	for i, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			stale = append(stale, m)
			continue
		}
		ids[i] = id
		checks[i] = pipe.Exists(ctx, userKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check online flags: %w", err)
	}

	online := make([]int64, 0, len(members))
	for i, cmd := range checks {
		if cmd == nil {
			continue
		}
		if cmd.Val() == 1 {
			online = append(online, ids[i])
		} else {
			stale = append(stale, members[i])
		}
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, onlineUsersKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune online users: %w", err)
		}
	}

	sort.Slice(online, func(i, j int) bool { return online[i] < online[j] })
	return online, nil
}
