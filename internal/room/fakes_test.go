package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/meetroom/internal/app"
	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/dkeye/meetroom/internal/recorder"
	"github.com/dkeye/meetroom/internal/signaling"
	"github.com/dkeye/meetroom/internal/transcript"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// fakeLink connects as soon as the offer/answer exchange completes.
type fakeLink struct {
	remote domain.ParticipantID
	role   core.Role

	mu         sync.Mutex
	state      core.LinkState
	linkID     string
	offers     int
	restarts   int
	descs      []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	stuck      bool
	tracks     []*webrtc.TrackRemote
	onState    func(core.LinkState)
}

var linkSeq atomic.Int64

func (f *fakeLink) Remote() domain.ParticipantID { return f.remote }
func (f *fakeLink) Role() core.Role              { return f.role }

func (f *fakeLink) State() core.LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) LinkID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkID
}

func (f *fakeLink) AdoptLinkID(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkID == "" {
		f.linkID = id
		return true
	}
	return f.linkID == id
}

func (f *fakeLink) setState(s core.LinkState) {
	f.mu.Lock()
	if f.state == s || f.state == core.LinkClosed {
		f.mu.Unlock()
		return
	}
	f.state = s
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeLink) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	for _, prev := range f.descs {
		if prev.SDP == d.SDP {
			f.mu.Unlock()
			return nil
		}
	}
	f.descs = append(f.descs, d)
	connect := d.Type == webrtc.SDPTypeAnswer && !f.stuck
	f.mu.Unlock()
	if connect {
		f.setState(core.LinkConnected)
	}
	return nil
}

func (f *fakeLink) CreateLocalOffer(iceRestart bool) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.offers++
	if iceRestart {
		f.restarts++
	}
	sdp := fmt.Sprintf("offer:%s:%d", f.linkID, f.offers)
	f.mu.Unlock()
	f.setState(core.LinkConnecting)
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (f *fakeLink) CreateLocalAnswer() (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	n := len(f.descs)
	f.mu.Unlock()
	f.setState(core.LinkConnected)
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer:%d", n)}, nil
}

func (f *fakeLink) AddRemoteICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeLink) Close() error {
	f.setState(core.LinkClosed)
	return nil
}

func (f *fakeLink) RemoteStream() []*webrtc.TrackRemote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), f.tracks...)
}

func (f *fakeLink) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (f *fakeLink) OnStateChange(fn func(core.LinkState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeLink) OnRemoteTrack(func(*webrtc.TrackRemote)) {}

func (f *fakeLink) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.descs)
}

type fakeFactory struct {
	mu    sync.Mutex
	links map[domain.ParticipantID][]*fakeLink
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{links: make(map[domain.ParticipantID][]*fakeLink)}
}

func (f *fakeFactory) NewLink(_ context.Context, remote domain.ParticipantID, role core.Role, _ []webrtc.TrackLocal) (core.PeerLink, error) {
	l := &fakeLink{remote: remote, role: role, state: core.LinkNew}
	if role == core.RoleOfferer {
		l.linkID = fmt.Sprintf("link-%d", linkSeq.Add(1))
	}
	f.mu.Lock()
	f.links[remote] = append(f.links[remote], l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeFactory) created(remote domain.ParticipantID) []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links[remote]...)
}

func (f *fakeFactory) last(remote domain.ParticipantID) *fakeLink {
	all := f.created(remote)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type fakeSource struct {
	mu     sync.Mutex
	ch     chan *rtp.Packet
	closed bool
}

func newFakeSource() *fakeSource { return &fakeSource{ch: make(chan *rtp.Packet, 256)} }

func (s *fakeSource) Tap(int) (<-chan *rtp.Packet, func()) {
	return s.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
}

func (s *fakeSource) push(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n && !s.closed; i++ {
		s.ch <- &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}
	}
}

// stuckSource never closes its channel, so a recorder tapping it cannot flush.
type stuckSource struct{ ch chan *rtp.Packet }

func (s *stuckSource) Tap(int) (<-chan *rtp.Packet, func()) { return s.ch, func() {} }

type fakeStream struct {
	tracks []webrtc.TrackLocal
	src    *fakeSource
	// tap replaces src as the recorder's source when set
	tap      core.PacketSource
	hasVideo bool
	audioOff atomic.Bool
	videoOff atomic.Bool
	stopped  atomic.Bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) Audio() core.PacketSource {
	if s.tap != nil {
		return s.tap
	}
	if s.src == nil {
		return nil
	}
	return s.src
}

func (s *fakeStream) SetEnabled(kind webrtc.RTPCodecType, on bool) bool {
	switch {
	case kind == webrtc.RTPCodecTypeAudio && s.Audio() != nil:
		s.audioOff.Store(!on)
	case kind == webrtc.RTPCodecTypeVideo && s.hasVideo:
		s.videoOff.Store(!on)
	default:
		return false
	}
	return true
}

func (s *fakeStream) Enabled(kind webrtc.RTPCodecType) bool {
	switch {
	case kind == webrtc.RTPCodecTypeAudio && s.Audio() != nil:
		return !s.audioOff.Load()
	case kind == webrtc.RTPCodecTypeVideo && s.hasVideo:
		return !s.videoOff.Load()
	}
	return false
}

func (s *fakeStream) Stop() { s.stopped.Store(true) }

type fakeDevices struct {
	stream *fakeStream
	err    error
}

func (d *fakeDevices) Acquire(context.Context) (core.LocalStream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []transcript.Destination
	recs  []recorder.Recording
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, rec recorder.Recording, dest transcript.Destination) (transcript.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, dest)
	p.recs = append(p.recs, rec)
	if p.err != nil {
		return transcript.Outcome{}, p.err
	}
	return transcript.Outcome{Transcript: "hello team", FileName: "14.11.2023.txt"}, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type peer struct {
	c       *Coordinator
	links   *fakeFactory
	stream  *fakeStream
	pub     *fakePublisher
	notices chan Notice
}

type peerOption func(*Options)

func newPeer(t *testing.T, ch core.SignalingChannel, id string, opts ...peerOption) *peer {
	t.Helper()
	p := &peer{
		links:   newFakeFactory(),
		stream:  &fakeStream{src: newFakeSource()},
		pub:     &fakePublisher{},
		notices: make(chan Notice, 256),
	}
	o := Options{
		Self:            domain.Participant{ID: domain.ParticipantID(id), Name: id},
		Department:      "eng",
		DepartmentName:  "Engineering",
		Signaling:       ch,
		Links:           p.links,
		Devices:         &fakeDevices{stream: p.stream},
		Recorder:        recorder.New(recorder.Options{ChunkInterval: 10 * time.Millisecond}),
		Publisher:       p.pub,
		SettleDelay:     20 * time.Millisecond,
		ReannounceDelay: 30 * time.Millisecond,
		RestartTimeout:  50 * time.Millisecond,
		OnNotice: func(n Notice) {
			select {
			case p.notices <- n:
			default:
			}
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("new coordinator %s: %v", id, err)
	}
	p.c = c
	return p
}

func newLocalHub() (*app.Hub, core.SignalingChannel) {
	hub := app.NewHub(nil)
	return hub, signaling.NewLocalChannel(hub)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedTo(p *peer, remote domain.ParticipantID) func() bool {
	return func() bool {
		for _, l := range p.c.Links() {
			if l.Remote == remote && l.State == core.LinkConnected {
				return true
			}
		}
		return false
	}
}

// openLinks counts links a peer created for remote that are not closed.
func openLinks(p *peer, remote domain.ParticipantID) int {
	n := 0
	for _, l := range p.links.created(remote) {
		if l.State() != core.LinkClosed {
			n++
		}
	}
	return n
}
