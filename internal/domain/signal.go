package domain

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

type EventKind string

const (
	EventJoined         EventKind = "joined"
	EventOffer          EventKind = "offer"
	EventAnswer         EventKind = "answer"
	EventICECandidate   EventKind = "ice-candidate"
	EventMeetingStarted EventKind = "meeting-started"
	EventPresenceSync   EventKind = "presence-sync"
	EventLeft           EventKind = "left"
)

// Event is one broadcast on a room topic. Delivery order is the only order.
type Event struct {
	Kind     EventKind       `json:"kind"`
	SenderID ParticipantID   `json:"sender_id"`
	TargetID ParticipantID   `json:"target_id,omitempty"`
	Session  string          `json:"session,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEvent encodes payload into a fresh event.
func NewEvent(kind EventKind, sender ParticipantID, payload any) (Event, error) {
	ev := Event{Kind: kind, SenderID: sender}
	if payload == nil {
		return ev, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ev, err
	}
	ev.Payload = b
	return ev, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type JoinedPayload struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type DescriptionPayload struct {
	LinkID      string                    `json:"link_id"`
	Description webrtc.SessionDescription `json:"description"`
}

type CandidatePayload struct {
	LinkID    string                  `json:"link_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type MeetingStartedPayload struct {
	StartTime int64 `json:"start_time"` // unix millis
}

func (p MeetingStartedPayload) Time() time.Time {
	return time.UnixMilli(p.StartTime)
}

// PresenceMeta is what a participant tracks on the topic.
type PresenceMeta struct {
	UserID   ParticipantID `json:"user_id"`
	UserName string        `json:"user_name"`
	JoinedAt time.Time     `json:"joined_at"`
}

// PresenceState is a full membership snapshot keyed by participant id.
type PresenceState map[ParticipantID]PresenceMeta

// Others returns the ids in the snapshot other than self.
func (s PresenceState) Others(self ParticipantID) []ParticipantID {
	out := make([]ParticipantID, 0, len(s))
	for id := range s {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// Envelope types on the signaling socket.
const (
	EnvSubscribed   = "subscribed"
	EnvBroadcast    = "broadcast"
	EnvTrack        = "track"
	EnvUntrack      = "untrack"
	EnvPresenceSync = "presence_sync"
	EnvClaim        = "claim"
	EnvClaimResult  = "claim_result"
	EnvPing         = "ping"
	EnvPong         = "pong"
	EnvError        = "error"
)

// Envelope is the frame exchanged between signaling clients and the hub.
type Envelope struct {
	Type     string        `json:"type"`
	Room     RoomID        `json:"room,omitempty"`
	Event    *Event        `json:"event,omitempty"`
	Meta     *PresenceMeta `json:"meta,omitempty"`
	Presence PresenceState `json:"presence,omitempty"`
	ID       string        `json:"id,omitempty"`
	Granted  bool          `json:"granted,omitempty"`
	Error    string        `json:"error,omitempty"`
}
