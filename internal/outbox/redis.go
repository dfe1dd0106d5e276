package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each peer's queue in a list under prefix:outbox:<peer>,
// for deployments sharing an outbox across restarts or processes.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (q *Redis) key(peerID string) string {
	return fmt.Sprintf("%s:outbox:%s", q.prefix, peerID)
}

func (q *Redis) Enqueue(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key(e.PeerID), data).Err()
}

func (q *Redis) Entries(ctx context.Context, peerID string) ([]Entry, error) {
	raw, err := q.client.LRange(ctx, q.key(peerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *Redis) Bump(ctx context.Context, peerID, messageID string) error {
	raw, err := q.client.LRange(ctx, q.key(peerID), 0, -1).Result()
	if err != nil {
		return err
	}
	for i, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if e.Message.ID == messageID {
			e.Attempts++
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			return q.client.LSet(ctx, q.key(peerID), int64(i), data).Err()
		}
	}
	return nil
}

func (q *Redis) Remove(ctx context.Context, peerID, messageID string) error {
	raw, err := q.client.LRange(ctx, q.key(peerID), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if e.Message.ID == messageID {
			return q.client.LRem(ctx, q.key(peerID), 1, item).Err()
		}
	}
	return nil
}
