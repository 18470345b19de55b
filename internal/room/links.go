package room

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/dkeye/meetroom/internal/media"
	"github.com/pion/webrtc/v4"
)

type linkEntry struct {
	link    core.PeerLink
	live    atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	restart *time.Timer
}

// current reports whether link is still the one held for id. Loop only.
func (c *Coordinator) current(id domain.ParticipantID, link core.PeerLink) (*linkEntry, bool) {
	e, ok := c.links[id]
	if !ok || e.link != link {
		return nil, false
	}
	return e, true
}

// ensureLink creates the link for id by tie-break unless a usable one exists.
func (c *Coordinator) ensureLink(id domain.ParticipantID) *linkEntry {
	if e, ok := c.links[id]; ok && e.link.State() != core.LinkClosed {
		return e
	}
	return c.createLink(id, core.RoleFor(c.self, id))
}

func (c *Coordinator) createLink(id domain.ParticipantID, role core.Role) *linkEntry {
	if _, ok := c.links[id]; ok {
		c.dropLink(id)
	}
	var tracks []webrtc.TrackLocal
	if c.stream != nil {
		tracks = c.stream.Tracks()
	}
	link, err := c.opts.Links.NewLink(context.Background(), id, role, tracks)
	if err != nil {
		c.logger.Error().Err(err).Str("remote", string(id)).Msg("create link")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &linkEntry{link: link, ctx: ctx, cancel: cancel}
	c.wire(id, e)

	c.mu.Lock()
	c.links[id] = e
	c.mu.Unlock()
	c.logger.Info().Str("remote", string(id)).Str("role", string(role)).Msg("link created")

	if role == core.RoleOfferer {
		c.sendOffer(id, e, false)
	}
	return e
}

func (c *Coordinator) wire(id domain.ParticipantID, e *linkEntry) {
	link := e.link
	link.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.postAsync(func() {
			if _, ok := c.current(id, link); !ok {
				return
			}
			c.send(domain.EventICECandidate, id, domain.CandidatePayload{LinkID: link.LinkID(), Candidate: cand})
		})
	})
	link.OnStateChange(func(s core.LinkState) {
		c.postAsync(func() { c.onLinkState(id, link, s) })
	})
	link.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		rt := media.NewRemoteTrack(track)
		logger := c.logger.With().Str("remote", string(id)).Logger()
		go rt.Drain(e.ctx, &logger, func() {
			c.postAsync(func() {
				if cur, ok := c.current(id, link); ok && cur.live.CompareAndSwap(false, true) {
					c.notify(Notice{Kind: NoticeLive, Participant: c.participantInfo(id)})
				}
			})
		}, nil)
	})
}

func (c *Coordinator) sendOffer(id domain.ParticipantID, e *linkEntry, iceRestart bool) {
	offer, err := e.link.CreateLocalOffer(iceRestart)
	if err != nil {
		c.logger.Error().Err(err).Str("remote", string(id)).Bool("ice_restart", iceRestart).Msg("create offer")
		return
	}
	c.send(domain.EventOffer, id, domain.DescriptionPayload{LinkID: e.link.LinkID(), Description: *offer})
}

func (c *Coordinator) replaceLink(id domain.ParticipantID) *linkEntry {
	c.dropLink(id)
	return c.createLink(id, core.RoleFor(c.self, id))
}

// dropLink forgets and closes the link for id. Its callbacks are detached first.
func (c *Coordinator) dropLink(id domain.ParticipantID) {
	e, ok := c.links[id]
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.links, id)
	c.mu.Unlock()

	if e.restart != nil {
		e.restart.Stop()
	}
	e.cancel()
	e.link.OnICECandidate(nil)
	e.link.OnStateChange(nil)
	e.link.OnRemoteTrack(nil)
	if err := e.link.Close(); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(id)).Msg("close link")
	}
}

func (c *Coordinator) onLinkState(id domain.ParticipantID, link core.PeerLink, s core.LinkState) {
	e, ok := c.current(id, link)
	if !ok {
		return
	}
	c.notify(Notice{Kind: NoticeLinkState, Participant: c.participantInfo(id), LinkState: s})

	switch s {
	case core.LinkConnected:
		if e.restart != nil {
			e.restart.Stop()
			e.restart = nil
		}
	case core.LinkFailed:
		if !c.active() || link.Role() != core.RoleOfferer {
			return
		}
		c.logger.Warn().Str("remote", string(id)).Msg("link failed, restarting ICE")
		c.sendOffer(id, e, true)
		if e.restart != nil {
			e.restart.Stop()
		}
		e.restart = time.AfterFunc(c.opts.RestartTimeout, func() {
			c.post(func() {
				cur, ok := c.current(id, link)
				if !ok || !c.active() || cur.link.State() == core.LinkConnected {
					return
				}
				c.logger.Warn().Str("remote", string(id)).Msg("ICE restart failed, recreating link")
				c.replaceLink(id)
			})
		})
	case core.LinkClosed:
		// our own closes detach callbacks first, so this one came from the remote side
		if !c.active() {
			return
		}
		c.logger.Warn().Str("remote", string(id)).Msg("link closed remotely, recreating")
		c.replaceLink(id)
	}
}

// RemoteStream returns the tracks received from id so far, for rendering.
func (c *Coordinator) RemoteStream(id domain.ParticipantID) []*webrtc.TrackRemote {
	c.mu.RLock()
	e, ok := c.links[id]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.link.RemoteStream()
}

// ToggleAudio mutes or unmutes the microphone on every link at once and
// returns the new state. Nothing is renegotiated.
func (c *Coordinator) ToggleAudio() (bool, error) { return c.toggle(webrtc.RTPCodecTypeAudio) }

// ToggleVideo turns the camera off or back on.
func (c *Coordinator) ToggleVideo() (bool, error) { return c.toggle(webrtc.RTPCodecTypeVideo) }

func (c *Coordinator) toggle(kind webrtc.RTPCodecType) (bool, error) {
	if !c.active() {
		return false, domain.ErrRoomNotActive
	}
	on := !c.stream.Enabled(kind)
	if !c.stream.SetEnabled(kind, on) {
		return false, fmt.Errorf("%s: %w", kind, domain.ErrNoLocalTrack)
	}
	c.logger.Info().Str("kind", kind.String()).Bool("enabled", on).Msg("local track toggled")
	return on, nil
}
