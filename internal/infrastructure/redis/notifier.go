package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Notifier wakes up agent long-polls. Each agent has a wake-up list holding at
// most one token; a poll blocks on it with BLPOP after finding its queue
// empty. The token only signals "look again", the queue itself lives in
// Postgres.
type Notifier struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewNotifier(client redis.Cmdable) *Notifier {
	return &Notifier{client: client, prefix: "agent:wake:", ttl: time.Minute}
}

func (n *Notifier) key(agentID uuid.UUID) string {
	return n.prefix + agentID.String()
}

// Notify leaves a wake-up token for the agent.
func (n *Notifier) Notify(ctx context.Context, agentID uuid.UUID) error {
	key := n.key(agentID)
	_, err := n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, time.Now().UnixMilli())
		pipe.LTrim(ctx, key, 0, 0)
		pipe.Expire(ctx, key, n.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify agent %s: %w", agentID, err)
	}
	return nil
}

// Wait blocks until a token arrives or timeout elapses. woken is false on
// timeout.
func (n *Notifier) Wait(ctx context.Context, agentID uuid.UUID, timeout time.Duration) (woken bool, err error) {
	if timeout <= 0 {
		return false, nil
	}
	err = n.client.BLPop(ctx, timeout, n.key(agentID)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, fmt.Errorf("wait for agent %s: %w", agentID, err)
	}
}
