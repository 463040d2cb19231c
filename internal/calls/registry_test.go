package calls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/apperr"
	"messenger-service/internal/models"
)

func newTestRegistry(onTimeout func(Outcome)) (*Registry, *time.Time) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(0, onTimeout).WithClock(func() time.Time { return now })
	return r, &now
}

func TestCallLifecycle(t *testing.T) {
	r, now := newTestRegistry(nil)

	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 5, UserID: 1, Type: TypeVideo, Invitees: []int64{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, models.EventCallIncoming, out.Event)
	assert.Equal(t, AudienceRoomExceptActor, out.Audience)
	assert.Equal(t, []int64{1}, out.Payload.Participants)
	assert.Equal(t, []int64{2, 3}, out.Payload.Invitees)
	callID := out.Payload.ID

	out, err = r.Handle(Command{Action: ActionAccept, CallID: callID, UserID: 2})
	require.NoError(t, err)
	assert.Equal(t, models.EventCallAccepted, out.Event)
	assert.Equal(t, AudienceRoom, out.Audience)
	assert.Equal(t, []int64{1, 2}, out.Payload.Participants)

	out, err = r.Handle(Command{Action: ActionDecline, CallID: callID, UserID: 3})
	require.NoError(t, err)
	assert.Equal(t, AudienceUser, out.Audience)
	assert.Equal(t, int64(1), out.Recipient)
	assert.False(t, out.Payload.Ended)

	assert.Len(t, r.Active([]int64{5}), 1)

	*now = now.Add(90 * time.Second)
	out, err = r.Handle(Command{Action: ActionEnd, CallID: callID, UserID: 2})
	require.NoError(t, err)
	assert.Equal(t, models.EventCallEnded, out.Event)
	assert.Equal(t, int64(90), out.Payload.DurationSeconds)
	assert.Empty(t, r.Active([]int64{5}))
}

func TestDeclineByEveryInviteeRemovesCall(t *testing.T) {
	r, _ := newTestRegistry(nil)
	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 5, UserID: 1, Type: TypeVoice, Invitees: []int64{2}})
	require.NoError(t, err)

	out, err = r.Handle(Command{Action: ActionDecline, CallID: out.Payload.ID, UserID: 2})
	require.NoError(t, err)
	assert.True(t, out.Payload.Ended)
	_, ok := r.Get(out.Payload.ID)
	assert.False(t, ok)
}

func TestUnknownCall(t *testing.T) {
	r, _ := newTestRegistry(nil)
	for _, action := range []Action{ActionAccept, ActionDecline, ActionEnd} {
		_, err := r.Handle(Command{Action: action, CallID: "missing", UserID: 1})
		assert.True(t, apperr.Is(err, apperr.KindNotFound), action)
	}
	_, err := r.Handle(Command{Action: "hold", CallID: "missing"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEndRequiresParticipant(t *testing.T) {
	r, _ := newTestRegistry(nil)
	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 5, UserID: 1, Type: TypeVoice, Invitees: []int64{2}})
	require.NoError(t, err)

	_, err = r.Handle(Command{Action: ActionEnd, CallID: out.Payload.ID, UserID: 2})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestOneCallPerConversation(t *testing.T) {
	r, _ := newTestRegistry(nil)
	_, err := r.Handle(Command{Action: ActionStart, ConversationID: 5, UserID: 1, Type: TypeVoice})
	require.NoError(t, err)
	_, err = r.Handle(Command{Action: ActionStart, ConversationID: 5, UserID: 2, Type: TypeVoice})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestRingTimeout(t *testing.T) {
	expired := make(chan Outcome, 1)
	r := NewRegistry(10*time.Millisecond, func(o Outcome) { expired <- o })

	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 9, UserID: 1, Type: TypeVoice, Invitees: []int64{2}})
	require.NoError(t, err)

	select {
	case o := <-expired:
		assert.Equal(t, models.EventCallEnded, o.Event)
		assert.Equal(t, ReasonUnanswered, o.Payload.Reason)
		assert.Equal(t, out.Payload.ID, o.Payload.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not expire")
	}
	_, ok := r.Get(out.Payload.ID)
	assert.False(t, ok)
}

func TestAcceptStopsRingTimeout(t *testing.T) {
	expired := make(chan Outcome, 1)
	r := NewRegistry(20*time.Millisecond, func(o Outcome) { expired <- o })

	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 9, UserID: 1, Type: TypeVoice, Invitees: []int64{2}})
	require.NoError(t, err)
	_, err = r.Handle(Command{Action: ActionAccept, CallID: out.Payload.ID, UserID: 2})
	require.NoError(t, err)

	select {
	case <-expired:
		t.Fatal("answered call must not expire")
	case <-time.After(60 * time.Millisecond):
	}
	_, ok := r.Get(out.Payload.ID)
	assert.True(t, ok)
}

func TestLeaveEndsAnsweredCallWhenOneParticipantRemains(t *testing.T) {
	r, now := newTestRegistry(nil)
	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 9, UserID: 1, Type: TypeVoice, Invitees: []int64{1, 2}})
	require.NoError(t, err)
	callID := out.Payload.ID
	_, err = r.Handle(Command{Action: ActionAccept, CallID: callID, UserID: 2})
	require.NoError(t, err)

	*now = now.Add(30 * time.Second)
	ended := r.Leave(2)
	require.Len(t, ended, 1)
	assert.Equal(t, models.EventCallEnded, ended[0].Event)
	assert.Equal(t, AudienceRoom, ended[0].Audience)
	assert.Equal(t, ReasonDisconnect, ended[0].Payload.Reason)
	assert.Equal(t, int64(30), ended[0].Payload.DurationSeconds)
	assert.Equal(t, []int64{1}, ended[0].Payload.Participants)

	_, ok := r.Get(callID)
	assert.False(t, ok)
	_, err = r.Handle(Command{Action: ActionStart, ConversationID: 9, UserID: 1, Type: TypeVoice})
	assert.NoError(t, err)
}

func TestLeaveKeepsGroupCallWithOthersInIt(t *testing.T) {
	r, _ := newTestRegistry(nil)
	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 3, UserID: 1, Type: TypeVideo, Invitees: []int64{2, 3}})
	require.NoError(t, err)
	callID := out.Payload.ID
	for _, id := range []int64{2, 3} {
		_, err = r.Handle(Command{Action: ActionAccept, CallID: callID, UserID: id})
		require.NoError(t, err)
	}

	assert.Empty(t, r.Leave(1))
	s, ok := r.Get(callID)
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3}, s.Participants)
	assert.Empty(t, r.Leave(99))
}

func TestLeaveByRingingInitiatorOrLastInvitee(t *testing.T) {
	r, _ := newTestRegistry(nil)
	out, err := r.Handle(Command{Action: ActionStart, ConversationID: 4, UserID: 1, Type: TypeVoice, Invitees: []int64{2}})
	require.NoError(t, err)
	ended := r.Leave(1)
	require.Len(t, ended, 1)
	assert.Equal(t, out.Payload.ID, ended[0].Payload.ID)

	out, err = r.Handle(Command{Action: ActionStart, ConversationID: 4, UserID: 1, Type: TypeVoice, Invitees: []int64{2}})
	require.NoError(t, err)
	ended = r.Leave(2)
	require.Len(t, ended, 1)
	assert.Equal(t, []int64{2}, ended[0].Payload.Declined)
	assert.Empty(t, r.Active([]int64{4}))
}
