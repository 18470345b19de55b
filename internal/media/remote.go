package media

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RemoteTrack consumes a remote track so its interceptors keep running,
// and reports when the first packet arrives.
type RemoteTrack struct {
	Src *webrtc.TrackRemote

	packets atomic.Uint64
	live    atomic.Bool
}

func NewRemoteTrack(src *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{Src: src}
}

// Live reports whether media has been received.
func (r *RemoteTrack) Live() bool { return r.live.Load() }

func (r *RemoteTrack) Packets() uint64 { return r.packets.Load() }

// Drain reads RTP until ctx ends or the track is closed. onFirst runs once,
// on the first packet. sink may be nil.
func (r *RemoteTrack) Drain(ctx context.Context, logger *zerolog.Logger, onFirst func(), sink func(*rtp.Packet)) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str("track_id", r.Src.ID()).Msg("remote track ctx done")
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Str("track_id", r.Src.ID()).Msg("remote track read stopped")
			return
		}
		r.packets.Add(1)
		if r.live.CompareAndSwap(false, true) && onFirst != nil {
			onFirst()
		}
		if sink != nil {
			sink(pkt)
		}
	}
}
