package core

import (
	"context"

	"github.com/dkeye/meetroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// RoleFor applies the tie-break: the lexicographically smaller id offers.
func RoleFor(self, remote domain.ParticipantID) Role {
	if self != remote && Offerer(self, remote) == self {
		return RoleOfferer
	}
	return RoleAnswerer
}

// Offerer returns the id that offers for the pair. Symmetric in its arguments.
func Offerer(a, b domain.ParticipantID) domain.ParticipantID {
	if a < b {
		return a
	}
	return b
}

type LinkState string

const (
	LinkNew        LinkState = "new"
	LinkConnecting LinkState = "connecting"
	LinkConnected  LinkState = "connected"
	LinkFailed     LinkState = "failed"
	LinkClosed     LinkState = "closed"
)

// PeerLink is the media connection to exactly one remote participant.
type PeerLink interface {
	Remote() domain.ParticipantID
	Role() Role
	State() LinkState
	// LinkID names the negotiation. Offerers generate it, answerers adopt it.
	LinkID() string
	AdoptLinkID(id string) bool

	ApplyRemoteDescription(webrtc.SessionDescription) error
	CreateLocalOffer(iceRestart bool) (*webrtc.SessionDescription, error)
	CreateLocalAnswer() (*webrtc.SessionDescription, error)
	AddRemoteICECandidate(webrtc.ICECandidateInit) error
	Close() error
	// RemoteStream is what the remote participant sends, in arrival order.
	RemoteStream() []*webrtc.TrackRemote

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(LinkState))
	OnRemoteTrack(func(*webrtc.TrackRemote))
}

// LinkFactory creates PeerLinks with the given local tracks attached.
// The factory owns the ICE configuration.
type LinkFactory interface {
	NewLink(ctx context.Context, remote domain.ParticipantID, role Role, tracks []webrtc.TrackLocal) (PeerLink, error)
}
