package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrLinkClosed      = errors.New("link closed")
	ErrNoRemoteOffer   = errors.New("no remote offer to answer")
	ErrUnexpectedOffer = errors.New("offer received by offerer")
)

// Link is a PeerLink over one pion PeerConnection.
type Link struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	role   core.Role
	logger zerolog.Logger

	// negMu serialises negotiation. Never held while pion may call back.
	negMu       sync.Mutex
	linkID      string
	closed      bool
	lastOffer   string
	answer      *webrtc.SessionDescription
	answeredFor string
	pending     []webrtc.ICECandidateInit
	seen        map[string]struct{}
	remoteUfrag string

	stMu    sync.RWMutex
	state   core.LinkState
	streams []*webrtc.TrackRemote

	cbMu    sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(core.LinkState)
	onTrack func(*webrtc.TrackRemote)
}

// NewLink creates the connection and attaches tracks. Offerers get a fresh link id.
func NewLink(api *webrtc.API, cfg webrtc.Configuration, remote domain.ParticipantID, role core.Role, tracks []webrtc.TrackLocal) (*Link, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	l := &Link{
		pc:     pc,
		remote: remote,
		role:   role,
		state:  core.LinkNew,
		seen:   make(map[string]struct{}),
	}
	if role == core.RoleOfferer {
		id, err := gonanoid.New(12)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		l.linkID = id
	}
	l.logger = log.With().Str("module", "webrtc").Str("remote", string(remote)).Str("role", string(role)).Logger()

	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go drainRTCP(sender)
	}

	l.bind()
	return l, nil
}

// drainRTCP keeps interceptors (NACK, reports) fed for a sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) bind() {
	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		l.setState(mapState(s))
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.cbMu.RLock()
		fn := l.onICE
		l.cbMu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")

		l.stMu.Lock()
		l.streams = append(l.streams, track)
		l.stMu.Unlock()

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				l.logger.Warn().Err(err).Msg("send PLI")
			}
		}

		l.cbMu.RLock()
		fn := l.onTrack
		l.cbMu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})
}

func mapState(s webrtc.PeerConnectionState) core.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return core.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.LinkConnected
	case webrtc.PeerConnectionStateFailed:
		return core.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return core.LinkClosed
	default:
		return core.LinkNew
	}
}

func (l *Link) setState(s core.LinkState) {
	l.stMu.Lock()
	if l.state == s || l.state == core.LinkClosed {
		l.stMu.Unlock()
		return
	}
	l.state = s
	l.stMu.Unlock()

	l.cbMu.RLock()
	fn := l.onState
	l.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (l *Link) Remote() domain.ParticipantID { return l.remote }
func (l *Link) Role() core.Role              { return l.role }

func (l *Link) State() core.LinkState {
	l.stMu.RLock()
	defer l.stMu.RUnlock()
	return l.state
}

func (l *Link) LinkID() string {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	return l.linkID
}

// AdoptLinkID binds an answerer to the offerer's negotiation. Only the first id sticks.
func (l *Link) AdoptLinkID(id string) bool {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	if l.linkID == "" {
		l.linkID = id
		return true
	}
	return l.linkID == id
}

// RemoteStream returns the remote tracks received so far.
func (l *Link) RemoteStream() []*webrtc.TrackRemote {
	l.stMu.RLock()
	defer l.stMu.RUnlock()
	return append([]*webrtc.TrackRemote(nil), l.streams...)
}

// ApplyRemoteDescription sets an offer or answer. Duplicates and stale answers are no-ops.
func (l *Link) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeAnswer:
		if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			if cur := l.pc.CurrentRemoteDescription(); cur != nil && cur.SDP == desc.SDP {
				return nil
			}
			l.logger.Debug().Msg("ignoring answer without pending offer")
			return nil
		}
	case webrtc.SDPTypeOffer:
		if desc.SDP == l.lastOffer {
			return nil
		}
		if l.role == core.RoleOfferer {
			return ErrUnexpectedOffer
		}
		if ufrag := iceUfrag(desc.SDP); ufrag != "" {
			if l.remoteUfrag != "" && ufrag != l.remoteUfrag {
				l.logger.Info().Msg("ICE restart offer")
			}
			l.remoteUfrag = ufrag
		}
	}

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeOffer {
		l.lastOffer = desc.SDP
	}
	return l.flushPendingLocked()
}

func (l *Link) flushPendingLocked() error {
	pending := l.pending
	l.pending = nil
	var firstErr error
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		l.logger.Warn().Err(firstErr).Int("count", len(pending)).Msg("buffered candidates")
	}
	return nil
}

// CreateLocalOffer creates and applies an offer; iceRestart regenerates credentials.
func (l *Link) CreateLocalOffer(iceRestart bool) (*webrtc.SessionDescription, error) {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return l.pc.LocalDescription(), nil
}

// CreateLocalAnswer answers the current remote offer. A repeated call for the
// same offer returns the answer already applied.
func (l *Link) CreateLocalAnswer() (*webrtc.SessionDescription, error) {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}
	if l.answer != nil && l.answeredFor == l.lastOffer {
		return l.answer, nil
	}
	if l.pc.SignalingState() != webrtc.SignalingStateHaveRemoteOffer {
		return nil, ErrNoRemoteOffer
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	l.answer = l.pc.LocalDescription()
	l.answeredFor = l.lastOffer
	return l.answer, nil
}

// AddRemoteICECandidate applies c, or buffers it until a remote description exists.
func (l *Link) AddRemoteICECandidate(c webrtc.ICECandidateInit) error {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	key := candidateKey(c)
	if _, dup := l.seen[key]; dup {
		return nil
	}
	l.seen[key] = struct{}{}

	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.pc.AddICECandidate(c)
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *c.SDPMLineIndex)
	}
	return key
}

func iceUfrag(raw string) string {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	if v, ok := parsed.Attribute("ice-ufrag"); ok {
		return v
	}
	for _, m := range parsed.MediaDescriptions {
		if v, ok := m.Attribute("ice-ufrag"); ok {
			return v
		}
	}
	return ""
}

func (l *Link) Close() error {
	l.negMu.Lock()
	if l.closed {
		l.negMu.Unlock()
		return nil
	}
	l.closed = true
	l.negMu.Unlock()

	err := l.pc.Close()
	if err != nil {
		l.logger.Error().Err(err).Msg("close error")
	} else {
		l.logger.Info().Msg("closed")
	}
	l.setState(core.LinkClosed)
	return err
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.cbMu.Lock()
	l.onICE = fn
	l.cbMu.Unlock()
}

func (l *Link) OnStateChange(fn func(core.LinkState)) {
	l.cbMu.Lock()
	l.onState = fn
	l.cbMu.Unlock()
}

// OnRemoteTrack sets application-level callback for remote tracks.
func (l *Link) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	l.cbMu.Lock()
	l.onTrack = fn
	l.cbMu.Unlock()
}
