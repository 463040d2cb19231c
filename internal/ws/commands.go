package ws

import (
	"context"
	"encoding/json"

	"messenger-service/internal/apperr"
	"messenger-service/internal/calls"
	"messenger-service/internal/identity"
	"messenger-service/internal/models"
	"messenger-service/internal/presence"
	"messenger-service/internal/typing"
)

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, id identity.Identity, in Inbound) (any, error) {
	if in.Type == CmdPresenceUpdate {
		return g.updatePresence(ctx, id, in.Data)
	}
	if g.kind != KindChat {
		return nil, unsupported(in.Type)
	}

	switch in.Type {
	case CmdConversationJoin:
		return g.join(ctx, c, id, in.Data)
	case CmdConversationLeave:
		d, err := decode[conversationData](in.Data)
		if err != nil {
			return nil, err
		}
		g.Hub.Leave(c, models.ConversationRoom(d.ConversationID))
		return d, nil
	case CmdConversationRead:
		d, err := decode[conversationData](in.Data)
		if err != nil {
			return nil, err
		}
		return g.Messages.MarkConversationAsRead(ctx, id, d.ConversationID)
	case CmdTypingStart, CmdTypingStop:
		return g.typing(ctx, id, in.Type, in.Data)
	case CmdCallStart, CmdCallAccept, CmdCallDecline, CmdCallEnd:
		return g.call(ctx, id, in.Type, in.Data)
	case CmdMessageSend:
		d, err := decode[sendData](in.Data)
		if err != nil {
			return nil, err
		}
		return g.Messages.SendMessage(ctx, id, d.ConversationID, d.SendMessageInput)
	case CmdMessageRead:
		d, err := decode[messageData](in.Data)
		if err != nil {
			return nil, err
		}
		return g.Messages.MarkMessageAsRead(ctx, id, d.ConversationID, d.MessageID)
	case CmdMessageDelivered:
		d, err := decode[messageData](in.Data)
		if err != nil {
			return nil, err
		}
		ids := d.MessageIDs
		if len(ids) == 0 && d.MessageID != 0 {
			ids = []int64{d.MessageID}
		}
		return g.Messages.MarkDelivered(ctx, id, d.ConversationID, ids)
	case CmdReactionToggle:
		d, err := decode[messageData](in.Data)
		if err != nil {
			return nil, err
		}
		return g.Messages.ToggleReaction(ctx, id, d.ConversationID, d.MessageID, models.ReactionType(d.Reaction))
	}
	return nil, unsupported(in.Type)
}

// commandError is a protocol-level failure with its own error code.
type commandError struct {
	code    string
	message string
}

func (e *commandError) Error() string { return e.code + ": " + e.message }

func unsupported(cmd string) error {
	return &commandError{code: CodeUnsupported, message: "command " + cmd + " is not supported on this socket"}
}

func (g *Gateway) join(ctx context.Context, c *Client, id identity.Identity, raw json.RawMessage) (any, error) {
	d, err := decode[conversationData](raw)
	if err != nil {
		return nil, err
	}
	if err := g.Conversations.EnsureParticipant(ctx, d.ConversationID, id.UserID); err != nil {
		return nil, err
	}
	g.Hub.Join(c, models.ConversationRoom(d.ConversationID))
	return struct {
		ConversationID int64   `json:"conversation_id"`
		Typing         []int64 `json:"typing"`
	}{d.ConversationID, g.Typing.Typing(d.ConversationID)}, nil
}

func (g *Gateway) typing(ctx context.Context, id identity.Identity, cmd string, raw json.RawMessage) (any, error) {
	d, err := decode[conversationData](raw)
	if err != nil {
		return nil, err
	}
	if err := g.Conversations.EnsureParticipant(ctx, d.ConversationID, id.UserID); err != nil {
		return nil, err
	}

	var changed bool
	name := models.EventTypingStart
	if cmd == CmdTypingStart {
		changed = g.Typing.Start(d.ConversationID, id.UserID)
	} else {
		changed = g.Typing.Stop(d.ConversationID, id.UserID)
		name = models.EventTypingStop
	}
	if changed {
		g.Hub.ToRoomExcept(models.ConversationRoom(d.ConversationID), id.UserID,
			models.NewEvent(name, models.TypingEvent{ConversationID: d.ConversationID, UserID: id.UserID}))
	}
	return d, nil
}

var callActions = map[string]calls.Action{
	CmdCallStart:   calls.ActionStart,
	CmdCallAccept:  calls.ActionAccept,
	CmdCallDecline: calls.ActionDecline,
	CmdCallEnd:     calls.ActionEnd,
}

func (g *Gateway) call(ctx context.Context, id identity.Identity, cmd string, raw json.RawMessage) (any, error) {
	d, err := decode[callData](raw)
	if err != nil {
		return nil, err
	}
	command := calls.Command{Action: callActions[cmd], CallID: d.CallID, UserID: id.UserID, Type: d.Type}

	if command.Action == calls.ActionStart {
		if err := g.Conversations.EnsureParticipant(ctx, d.ConversationID, id.UserID); err != nil {
			return nil, err
		}
		members, err := g.Conversations.ActiveParticipantIDs(ctx, d.ConversationID)
		if err != nil {
			return nil, err
		}
		command.ConversationID = d.ConversationID
		command.Invitees = members
	} else {
		session, ok := g.Calls.Get(d.CallID)
		if !ok {
			return nil, apperr.NotFound("call %s not found", d.CallID)
		}
		if err := g.Conversations.EnsureParticipant(ctx, session.ConversationID, id.UserID); err != nil {
			return nil, err
		}
		command.ConversationID = session.ConversationID
	}

	out, err := g.Calls.Handle(command)
	if err != nil {
		return nil, err
	}
	DeliverCall(g.Hub, out)
	return out.Payload, nil
}

// DeliverCall routes a call outcome to its audience.
func DeliverCall(h *Hub, out calls.Outcome) {
	ev := models.NewEvent(out.Event, out.Payload)
	room := models.ConversationRoom(out.Payload.ConversationID)
	switch out.Audience {
	case calls.AudienceRoom:
		h.ToRoom(room, ev)
	case calls.AudienceRoomExceptActor:
		h.ToRoomExcept(room, out.Payload.ActorID, ev)
	case calls.AudienceUser:
		h.ToUser(out.Recipient, ev)
	}
}

// TypingExpired broadcasts a stop for each entry evicted by the typing sweep.
func TypingExpired(h *Hub) func([]typing.Entry) {
	return func(entries []typing.Entry) {
		for _, e := range entries {
			h.ToRoomExcept(models.ConversationRoom(e.ConversationID), e.UserID, models.NewEvent(models.EventTypingStop,
				models.TypingEvent{ConversationID: e.ConversationID, UserID: e.UserID, Reason: "expired"}))
		}
	}
}

func (g *Gateway) updatePresence(ctx context.Context, id identity.Identity, raw json.RawMessage) (any, error) {
	d, err := decode[presenceData](raw)
	if err != nil {
		return nil, err
	}
	status := presence.Status(d.Status)
	if !status.Valid() {
		return nil, apperr.Validation("status must be online, away or busy")
	}
	changed, entry := g.Presence.SetStatus(id.UserID, status)
	if changed {
		g.broadcastPresence(entry)
		if g.Mirror != nil {
			g.Mirror.Store(ctx, entry)
		}
	}
	return entry, nil
}
