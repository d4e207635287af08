package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"metachat/messaging-service/internal/models"
)

const keyPrefix = "presence:"

// RedisTracker stores presence as one hash per user. Online entries never
// expire; offline entries carry the TTL so idle users age out on their own.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisTracker connects to the Redis instance at url and verifies it with
// a ping.
func NewRedisTracker(ctx context.Context, url string, ttl time.Duration) (*RedisTracker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return newRedisTracker(c, ttl), nil
}

func newRedisTracker(c *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{
		client: c,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ Tracker = (*RedisTracker)(nil)

func (t *RedisTracker) MarkOnline(ctx context.Context, userID string) error {
	return t.set(ctx, userID, true)
}

func (t *RedisTracker) MarkOffline(ctx context.Context, userID string) error {
	return t.set(ctx, userID, false)
}

func (t *RedisTracker) set(ctx context.Context, userID string, online bool) error {
	key := keyPrefix + userID
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"online", strconv.FormatBool(online),
			"last_seen", strconv.FormatInt(t.now().UnixMilli(), 10),
		)
		switch {
		case online:
			pipe.Persist(ctx, key)
		case t.ttl > 0:
			pipe.Expire(ctx, key, t.ttl)
		}
		return nil
	})
	return err
}

func (t *RedisTracker) Get(ctx context.Context, userIDs ...string) (map[string]models.Presence, error) {
	result := make(map[string]models.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	pipe := t.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, keyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, id := range userIDs {
		p := models.Presence{UserID: id}
		fields, err := cmds[i].Result()
		if err == nil {
			p.Online, _ = strconv.ParseBool(fields["online"])
			if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
				p.LastSeen = time.UnixMilli(ms).UTC()
			}
		}
		result[id] = p
	}
	return result, nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
