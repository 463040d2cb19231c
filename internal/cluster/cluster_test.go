package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/presence"
	"messenger-service/internal/ws"
)

type recordingDeliverer struct {
	got []ws.Envelope
}

func (d *recordingDeliverer) DeliverLocal(env ws.Envelope) {
	d.got = append(d.got, env)
}

func TestRelayDeliversOnlyRemoteEnvelopes(t *testing.T) {
	local := &recordingDeliverer{}
	relay := &RedisRelay{nodeID: "self", local: local}

	own, err := json.Marshal(relayMessage{Node: "self", Envelope: ws.Envelope{Room: "user:1"}})
	require.NoError(t, err)
	remote, err := json.Marshal(relayMessage{Node: "other", Envelope: ws.Envelope{Room: "conversation:2", ExceptUserID: 4, Payload: json.RawMessage(`{"event":"typing.start"}`)}})
	require.NoError(t, err)

	relay.handle(string(own))
	relay.handle("not json")
	relay.handle(string(remote))

	require.Len(t, local.got, 1)
	assert.Equal(t, "conversation:2", local.got[0].Room)
	assert.Equal(t, int64(4), local.got[0].ExceptUserID)
	assert.JSONEq(t, `{"event":"typing.start"}`, string(local.got[0].Payload))
}

func TestPresenceHashLayout(t *testing.T) {
	seen := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fields := presenceFields(presence.Entry{UserID: 42, Status: presence.StatusAway, LastSeen: seen, Connections: 2})

	assert.Equal(t, "presence:42", presenceKey(42))
	assert.Equal(t, "away", fields["status"])
	assert.Equal(t, "2024-03-01T10:00:00Z", fields["last_seen"])
	assert.NotContains(t, fields, "connections")
}

func TestCrossedZero(t *testing.T) {
	assert.True(t, crossedZero(1, 1))
	assert.False(t, crossedZero(1, 2))
	assert.True(t, crossedZero(-1, 0))
	assert.False(t, crossedZero(-1, 1))
}
