package core

import (
	"context"

	"github.com/dkeye/meetroom/internal/domain"
)

// Frame is one encoded signaling envelope.
type Frame []byte

type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// PublishResult reports delivery stats/backpressure to the hub.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

// SignalingChannel opens room-scoped broadcast+presence topics.
type SignalingChannel interface {
	// Subscribe blocks until the topic is joined or ctx expires.
	Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (SignalingHandle, error)
}

// SignalingHandle is one subscription. Broadcasts come back to the sender too.
type SignalingHandle interface {
	Publish(ctx context.Context, ev domain.Event) error
	TrackPresence(ctx context.Context, meta domain.PresenceMeta) error
	UntrackPresence(ctx context.Context) error
	// OnEvent sets the handler for kind. Events that arrived before it are replayed.
	OnEvent(kind domain.EventKind, fn func(domain.Event))
	// OnPresenceSync receives full membership snapshots, never diffs.
	OnPresenceSync(fn func(domain.PresenceState))
	// PresenceState returns the last snapshot received.
	PresenceState() domain.PresenceState
	// ClaimLastLeaver asks the hub whether this subscriber is the one last leaver.
	ClaimLastLeaver(ctx context.Context) (bool, error)
	Unsubscribe() error
}
