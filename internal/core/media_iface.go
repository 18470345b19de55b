package core

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PacketSource hands out copies of outgoing RTP packets.
// The returned func detaches the tap; the channel is closed afterwards.
type PacketSource interface {
	Tap(buffer int) (<-chan *rtp.Packet, func())
}

// LocalStream is the acquired local camera/microphone.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	// Audio is nil when the stream has no audio.
	Audio() PacketSource
	// SetEnabled pauses or resumes one kind of track. False when the stream lacks it.
	SetEnabled(kind webrtc.RTPCodecType, on bool) bool
	Enabled(kind webrtc.RTPCodecType) bool
	Stop()
}

type MediaDevices interface {
	Acquire(ctx context.Context) (LocalStream, error)
}
