// Package calls keeps ephemeral voice/video call sessions and their signaling rules.
package calls

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"messenger-service/internal/apperr"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
)

// Action is the closed set of call commands.
type Action string

const (
	ActionStart   Action = "start"
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionEnd     Action = "end"
)

type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Audience says who an outcome must be delivered to.
type Audience int

const (
	// AudienceRoom is the whole conversation room.
	AudienceRoom Audience = iota
	// AudienceRoomExceptActor is the conversation room without the acting user.
	AudienceRoomExceptActor
	// AudienceUser is a single user's room.
	AudienceUser
)

const (
	ReasonUnanswered = "unanswered"
	ReasonDisconnect = "disconnect"
)

// Command is one inbound call signal. Invitees is only read on start.
type Command struct {
	Action         Action
	CallID         string
	ConversationID int64
	UserID         int64
	Type           Type
	Invitees       []int64
}

// Session is an active call.
type Session struct {
	ID             string    `json:"call_id"`
	ConversationID int64     `json:"conversation_id"`
	Type           Type      `json:"type"`
	InitiatorID    int64     `json:"initiator_id"`
	Participants   []int64   `json:"participants"`
	Invitees       []int64   `json:"invitees,omitempty"`
	Declined       []int64   `json:"declined,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

func (s Session) answered() bool {
	return len(s.Participants) > 1
}

func (s Session) clone() Session {
	s.Participants = slices.Clone(s.Participants)
	s.Invitees = slices.Clone(s.Invitees)
	s.Declined = slices.Clone(s.Declined)
	return s
}

// Event is the payload of call.* events.
type Event struct {
	Session
	ActorID         int64  `json:"actor_id"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	Ended           bool   `json:"ended,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Outcome tells the caller which event to emit and to whom.
type Outcome struct {
	Event     string
	Payload   Event
	Audience  Audience
	Recipient int64
}

// Registry maps call ids to sessions.
type Registry struct {
	mu          sync.Mutex
	calls       map[string]*Session
	timers      map[string]*time.Timer
	ringTimeout time.Duration
	now         func() time.Time
	newID       func() string
	onTimeout   func(Outcome)
}

// NewRegistry builds a registry; onTimeout receives the call.ended outcome of unanswered calls.
func NewRegistry(ringTimeout time.Duration, onTimeout func(Outcome)) *Registry {
	return &Registry{
		calls:       map[string]*Session{},
		timers:      map[string]*time.Timer{},
		ringTimeout: ringTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
		onTimeout:   onTimeout,
	}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Handle applies cmd.
func (r *Registry) Handle(cmd Command) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { observability.SetActiveCalls(len(r.calls)) }()

	switch cmd.Action {
	case ActionStart:
		return r.startLocked(cmd)
	case ActionAccept:
		return r.acceptLocked(cmd)
	case ActionDecline:
		return r.declineLocked(cmd)
	case ActionEnd:
		return r.endLocked(cmd)
	}
	return Outcome{}, apperr.Validation("unknown call action %q", cmd.Action)
}

func (r *Registry) startLocked(cmd Command) (Outcome, error) {
	if cmd.Type != TypeVoice && cmd.Type != TypeVideo {
		return Outcome{}, apperr.Validation("call type must be voice or video")
	}
	for _, s := range r.calls {
		if s.ConversationID == cmd.ConversationID {
			return Outcome{}, apperr.Conflict("a call is already active in this conversation")
		}
	}

	invitees := make([]int64, 0, len(cmd.Invitees))
	for _, id := range cmd.Invitees {
		if id != cmd.UserID && !slices.Contains(invitees, id) {
			invitees = append(invitees, id)
		}
	}
	session := &Session{
		ID:             r.newID(),
		ConversationID: cmd.ConversationID,
		Type:           cmd.Type,
		InitiatorID:    cmd.UserID,
		Participants:   []int64{cmd.UserID},
		Invitees:       invitees,
		StartedAt:      r.now().UTC(),
	}
	r.calls[session.ID] = session
	if r.ringTimeout > 0 {
		id := session.ID
		r.timers[id] = time.AfterFunc(r.ringTimeout, func() { r.expire(id) })
	}

	return Outcome{
		Event:    models.EventCallIncoming,
		Payload:  Event{Session: session.clone(), ActorID: cmd.UserID},
		Audience: AudienceRoomExceptActor,
	}, nil
}

func (r *Registry) lookupLocked(cmd Command) (*Session, error) {
	s, ok := r.calls[cmd.CallID]
	if !ok {
		return nil, apperr.NotFound("call %s not found", cmd.CallID)
	}
	return s, nil
}

func (r *Registry) acceptLocked(cmd Command) (Outcome, error) {
	s, err := r.lookupLocked(cmd)
	if err != nil {
		return Outcome{}, err
	}
	if slices.Contains(s.Participants, cmd.UserID) {
		return Outcome{}, apperr.Conflict("already in call")
	}
	s.Participants = append(s.Participants, cmd.UserID)
	s.Declined = slices.DeleteFunc(s.Declined, func(id int64) bool { return id == cmd.UserID })
	r.stopTimerLocked(s.ID)

	return Outcome{
		Event:    models.EventCallAccepted,
		Payload:  Event{Session: s.clone(), ActorID: cmd.UserID},
		Audience: AudienceRoom,
	}, nil
}

func (r *Registry) declineLocked(cmd Command) (Outcome, error) {
	s, err := r.lookupLocked(cmd)
	if err != nil {
		return Outcome{}, err
	}
	if cmd.UserID == s.InitiatorID {
		return Outcome{}, apperr.Validation("initiator cannot decline; end the call instead")
	}
	if !slices.Contains(s.Declined, cmd.UserID) {
		s.Declined = append(s.Declined, cmd.UserID)
	}

	ev := Event{Session: s.clone(), ActorID: cmd.UserID}
	if !s.answered() && declinedByAll(s) {
		r.removeLocked(s.ID)
		ev.Ended = true
		ev.Reason = "declined"
	}
	return Outcome{
		Event:     models.EventCallDeclined,
		Payload:   ev,
		Audience:  AudienceUser,
		Recipient: s.InitiatorID,
	}, nil
}

func declinedByAll(s *Session) bool {
	for _, id := range s.Invitees {
		if !slices.Contains(s.Declined, id) {
			return false
		}
	}
	return true
}

func (r *Registry) endLocked(cmd Command) (Outcome, error) {
	s, err := r.lookupLocked(cmd)
	if err != nil {
		return Outcome{}, err
	}
	if !slices.Contains(s.Participants, cmd.UserID) {
		return Outcome{}, apperr.Forbidden("only call participants can end the call")
	}
	r.removeLocked(s.ID)

	return Outcome{
		Event: models.EventCallEnded,
		Payload: Event{
			Session:         s.clone(),
			ActorID:         cmd.UserID,
			DurationSeconds: int64(r.now().Sub(s.StartedAt).Seconds()),
			Ended:           true,
		},
		Audience: AudienceRoom,
	}, nil
}

// Leave drops userID from every session after their last connection closed.
// An unanswered call the user was invited to counts as declined. Sessions
// left with nobody to talk to are removed and returned as call.ended outcomes.
func (r *Registry) Leave(userID int64) []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { observability.SetActiveCalls(len(r.calls)) }()

	var ended []*Session
	for _, s := range r.calls {
		wasAnswered := s.answered()
		switch {
		case slices.Contains(s.Participants, userID):
			s.Participants = slices.DeleteFunc(s.Participants, func(id int64) bool { return id == userID })
		case !wasAnswered && slices.Contains(s.Invitees, userID):
			if !slices.Contains(s.Declined, userID) {
				s.Declined = append(s.Declined, userID)
			}
		default:
			continue
		}
		if len(s.Participants) == 0 || (wasAnswered && len(s.Participants) == 1) || (!wasAnswered && declinedByAll(s)) {
			ended = append(ended, s)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].StartedAt.Before(ended[j].StartedAt) })

	var out []Outcome
	now := r.now()
	for _, s := range ended {
		r.removeLocked(s.ID)
		out = append(out, Outcome{
			Event: models.EventCallEnded,
			Payload: Event{
				Session:         s.clone(),
				ActorID:         userID,
				DurationSeconds: int64(now.Sub(s.StartedAt).Seconds()),
				Ended:           true,
				Reason:          ReasonDisconnect,
			},
			Audience: AudienceRoom,
		})
	}
	return out
}

func (r *Registry) expire(callID string) {
	r.mu.Lock()
	s, ok := r.calls[callID]
	if !ok || s.answered() {
		r.mu.Unlock()
		return
	}
	r.removeLocked(callID)
	count := len(r.calls)
	out := Outcome{
		Event:    models.EventCallEnded,
		Payload:  Event{Session: s.clone(), ActorID: s.InitiatorID, Ended: true, Reason: ReasonUnanswered},
		Audience: AudienceRoom,
	}
	r.mu.Unlock()

	observability.SetActiveCalls(count)
	observability.Logger().Info("call expired unanswered", "call_id", callID, "conversation_id", s.ConversationID)
	if r.onTimeout != nil {
		r.onTimeout(out)
	}
}

func (r *Registry) removeLocked(callID string) {
	delete(r.calls, callID)
	r.stopTimerLocked(callID)
}

func (r *Registry) stopTimerLocked(callID string) {
	if t, ok := r.timers[callID]; ok {
		t.Stop()
		delete(r.timers, callID)
	}
}

// Active returns the sessions running in any of the conversations.
func (r *Registry) Active(conversationIDs []int64) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.calls {
		if slices.Contains(conversationIDs, s.ConversationID) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Get returns a copy of the session.
func (r *Registry) Get(callID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[callID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}
