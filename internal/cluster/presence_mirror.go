package cluster

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
)

const mirrorTTL = 10 * time.Minute

func presenceKey(userID int64) string {
	return "presence:" + strconv.FormatInt(userID, 10)
}

// connections is owned by trackScript; Store never writes it.
func presenceFields(e presence.Entry) map[string]any {
	return map[string]any{
		"status":    string(e.Status),
		"last_seen": e.LastSeen.UTC().Format(time.RFC3339),
	}
}

// trackScript applies a connection delta and moves status on the 0/1 edges.
// KEYS[1] presence hash, ARGV delta, last_seen, ttl seconds. Returns the new count.
var trackScript = redis.NewScript(`
local delta = tonumber(ARGV[1])
local n = redis.call('HINCRBY', KEYS[1], 'connections', delta)
if n < 0 then
  n = 0
  redis.call('HSET', KEYS[1], 'connections', 0)
end
if n == 0 then
  redis.call('HSET', KEYS[1], 'status', 'offline', 'last_seen', ARGV[2])
elseif n == 1 and delta > 0 then
  redis.call('HSET', KEYS[1], 'status', 'online', 'last_seen', ARGV[2])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return n
`)

// crossedZero reports whether a count change of delta ending at n is a presence edge.
func crossedZero(delta int, n int64) bool {
	if delta > 0 {
		return n == 1
	}
	return n == 0
}

// PresenceMirror keeps presence:{userId} hashes shared by every node: the
// connection count across the cluster plus the current status.
type PresenceMirror struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewPresenceMirror(client redis.Cmdable) *PresenceMirror {
	return &PresenceMirror{client: client, ttl: mirrorTTL}
}

// Track adds delta to the user's cluster-wide connection count.
func (m *PresenceMirror) Track(ctx context.Context, e presence.Entry, delta int) (bool, error) {
	n, err := trackScript.Run(ctx, m.client, []string{presenceKey(e.UserID)},
		delta, e.LastSeen.UTC().Format(time.RFC3339), int(m.ttl.Seconds())).Int64()
	if err != nil {
		return false, err
	}
	return crossedZero(delta, n), nil
}

// Store writes a status change; failures are only logged.
func (m *PresenceMirror) Store(ctx context.Context, e presence.Entry) {
	key := presenceKey(e.UserID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, presenceFields(e))
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("presence mirror write failed", "user_id", e.UserID, "error", err)
	}
}
