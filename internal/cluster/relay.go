package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"messenger-service/internal/observability"
	"messenger-service/internal/ws"
)

// FanoutChannel carries hub emissions between nodes.
const FanoutChannel = "messenger:fanout"

// Deliverer writes a remote emission to the local sockets.
type Deliverer interface {
	DeliverLocal(env ws.Envelope)
}

type relayMessage struct {
	Node     string      `json:"node"`
	Envelope ws.Envelope `json:"envelope"`
}

// RedisRelay republishes every local emission with this node's id and
// delivers emissions of other nodes locally.
type RedisRelay struct {
	client *redis.Client
	nodeID string
	local  Deliverer
}

func NewRedisRelay(client *redis.Client, local Deliverer) *RedisRelay {
	return &RedisRelay{client: client, nodeID: uuid.NewString(), local: local}
}

func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Publish implements ws.Relay.
func (r *RedisRelay) Publish(ctx context.Context, env ws.Envelope) error {
	data, err := json.Marshal(relayMessage{Node: r.nodeID, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	return r.client.Publish(ctx, FanoutChannel, data).Err()
}

// Run consumes the fan-out channel until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, FanoutChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", FanoutChannel, err)
	}

	log := observability.Logger()
	log.Info("relay subscribed", "channel", FanoutChannel, "node_id", r.nodeID)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		observability.Logger().Warn("relay message dropped", "error", err)
		return
	}
	if msg.Node == r.nodeID {
		return
	}
	r.local.DeliverLocal(msg.Envelope)
}
