package storage

import (
	"context"

	"FlagChat/service/delivery"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Offline queue: one Redis list per user. LPUSH + LTRIM keeps a rolling
// window of the newest maxQueued messages; Drain pops from the tail so
// redelivery is FIFO.

const maxQueued = 10_000

func offlineKey(user string) string { return "flag:offline:" + user }

type OfflineQueue struct {
	rdb *redis.Client
}

func NewOfflineQueue(rdb *redis.Client) *OfflineQueue {
	return &OfflineQueue{rdb: rdb}
}

func (q *OfflineQueue) Enqueue(ctx context.Context, userID string, m *delivery.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal offline message")
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, offlineKey(userID), b)
	pipe.LTrim(ctx, offlineKey(userID), 0, maxQueued-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "enqueue offline")
}

// Drain removes and returns up to batch messages, oldest first.
func (q *OfflineQueue) Drain(ctx context.Context, userID string, batch int) ([]*delivery.Message, error) {
	if batch <= 0 {
		batch = 100
	}
	key := offlineKey(userID)

	llen, err := q.rdb.LLen(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "offline llen")
	}
	if llen == 0 {
		return nil, nil
	}
	n := int64(batch)
	if n > llen {
		n = llen
	}

	// tail of the list is the oldest entries
	start := llen - n
	vals, err := q.rdb.LRange(ctx, key, start, llen-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "offline lrange")
	}
	if start == 0 {
		if err := q.rdb.Del(ctx, key).Err(); err != nil {
			return nil, errors.Wrap(err, "offline del")
		}
	} else if err := q.rdb.LTrim(ctx, key, 0, start-1).Err(); err != nil {
		return nil, errors.Wrap(err, "offline ltrim")
	}

	out := make([]*delivery.Message, 0, len(vals))
	// LRange returns newest-last within the tail slice; reverse to FIFO
	for i := len(vals) - 1; i >= 0; i-- {
		var m delivery.Message
		if err := json.Unmarshal([]byte(vals[i]), &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}
