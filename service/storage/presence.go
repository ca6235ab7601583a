package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: flag:presence:<user>
// value is the gateway node id; the TTL bounds staleness if a node dies
// without cleaning up.
func presenceKey(user string) string { return "flag:presence:" + user }

// PresenceMirror reflects the in-memory presence tracker into Redis so the
// REST layer's /users/online and other gateway nodes can read it.
type PresenceMirror struct {
	rdb *redis.Client
}

func NewPresenceMirror(rdb *redis.Client) *PresenceMirror {
	return &PresenceMirror{rdb: rdb}
}

func (m *PresenceMirror) Online(ctx context.Context, userID, nodeID string, ttl time.Duration) error {
	return m.rdb.Set(ctx, presenceKey(userID), nodeID, ttl).Err()
}

func (m *PresenceMirror) Offline(ctx context.Context, userID string) error {
	return m.rdb.Del(ctx, presenceKey(userID)).Err()
}

// Lookup reports whether the user is online anywhere and on which node.
func (m *PresenceMirror) Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error) {
	val, err := m.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
