package rtc

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func testAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI(APIOptions{IncludeLoopback: true, LogLevel: zerolog.Disabled})
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	return api
}

func audioTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", id)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return tr
}

func newTestLink(t *testing.T, api *webrtc.API, remote string, role core.Role) *Link {
	t.Helper()
	l, err := NewLink(api, webrtc.Configuration{}, domain.ParticipantID(remote), role, []webrtc.TrackLocal{audioTrack(t, remote)})
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type pair struct {
	offerer, answerer *Link
	offer, answer     *webrtc.SessionDescription
}

// negotiate runs one offer/answer exchange with trickled candidates.
func negotiate(t *testing.T) *pair {
	t.Helper()
	api := testAPI(t)
	p := &pair{
		offerer:  newTestLink(t, api, "bob", core.RoleOfferer),
		answerer: newTestLink(t, api, "alice", core.RoleAnswerer),
	}
	p.offerer.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = p.answerer.AddRemoteICECandidate(c) })
	p.answerer.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = p.offerer.AddRemoteICECandidate(c) })

	offer, err := p.offerer.CreateLocalOffer(false)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if !p.answerer.AdoptLinkID(p.offerer.LinkID()) {
		t.Fatalf("answerer refused link id")
	}
	if err := p.answerer.ApplyRemoteDescription(*offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	answer, err := p.answerer.CreateLocalAnswer()
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := p.offerer.ApplyRemoteDescription(*answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
	p.offer, p.answer = offer, answer
	return p
}

func waitState(t *testing.T, l *Link, want core.LinkState) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("link to %s: expected %s, got %s", l.Remote(), want, l.State())
}

func TestLinksConnectOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real ICE")
	}
	p := negotiate(t)
	waitState(t, p.offerer, core.LinkConnected)
	waitState(t, p.answerer, core.LinkConnected)

	if p.offerer.LinkID() == "" || p.offerer.LinkID() != p.answerer.LinkID() {
		t.Fatalf("link ids differ: %q vs %q", p.offerer.LinkID(), p.answerer.LinkID())
	}
}

func TestRemoteStreamAfterTrack(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real ICE")
	}
	p := negotiate(t)
	waitState(t, p.offerer, core.LinkConnected)
	waitState(t, p.answerer, core.LinkConnected)
	if n := len(p.answerer.RemoteStream()); n != 0 {
		t.Fatalf("stream before media: %d tracks", n)
	}

	got := make(chan *webrtc.TrackRemote, 1)
	p.answerer.OnRemoteTrack(func(tr *webrtc.TrackRemote) { got <- tr })
	track, ok := p.offerer.pc.GetSenders()[0].Track().(*webrtc.TrackLocalStaticRTP)
	if !ok {
		t.Fatalf("unexpected local track type")
	}

	deadline := time.After(10 * time.Second)
	for seq := uint16(0); ; seq++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}
		if err := track.WriteRTP(pkt); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case tr := <-got:
			streams := p.answerer.RemoteStream()
			if len(streams) != 1 || streams[0] != tr || tr.Kind() != webrtc.RTPCodecTypeAudio {
				t.Fatalf("unexpected remote stream %v", streams)
			}
			return
		case <-deadline:
			t.Fatalf("no remote track")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestDuplicateDescriptionsAreNoops(t *testing.T) {
	p := negotiate(t)

	if err := p.offerer.ApplyRemoteDescription(*p.answer); err != nil {
		t.Fatalf("duplicate answer: %v", err)
	}
	if err := p.answerer.ApplyRemoteDescription(*p.offer); err != nil {
		t.Fatalf("duplicate offer: %v", err)
	}
	again, err := p.answerer.CreateLocalAnswer()
	if err != nil {
		t.Fatalf("repeat answer: %v", err)
	}
	if again.SDP != p.answer.SDP {
		t.Fatalf("repeat answer differs")
	}
}

func TestICERestartOfferChangesUfrag(t *testing.T) {
	p := negotiate(t)
	first := iceUfrag(p.offer.SDP)
	if first == "" {
		t.Fatalf("no ufrag in offer")
	}
	restart, err := p.offerer.CreateLocalOffer(true)
	if err != nil {
		t.Fatalf("restart offer: %v", err)
	}
	if got := iceUfrag(restart.SDP); got == "" || got == first {
		t.Fatalf("restart kept ufrag %q", got)
	}
	if err := p.answerer.ApplyRemoteDescription(*restart); err != nil {
		t.Fatalf("apply restart: %v", err)
	}
	answer, err := p.answerer.CreateLocalAnswer()
	if err != nil {
		t.Fatalf("restart answer: %v", err)
	}
	if answer.SDP == p.answer.SDP {
		t.Fatalf("restart answer reused the old one")
	}
}

func TestDuplicateCandidatesAreBufferedOnce(t *testing.T) {
	l := newTestLink(t, testAPI(t), "bob", core.RoleAnswerer)
	mid := "0"
	var idx uint16
	c := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	for i := 0; i < 3; i++ {
		if err := l.AddRemoteICECandidate(c); err != nil {
			t.Fatalf("add candidate: %v", err)
		}
	}
	l.negMu.Lock()
	n := len(l.pending)
	l.negMu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", n)
	}
}

func TestNegotiationErrors(t *testing.T) {
	api := testAPI(t)
	answerer := newTestLink(t, api, "bob", core.RoleAnswerer)
	if _, err := answerer.CreateLocalAnswer(); !errors.Is(err, ErrNoRemoteOffer) {
		t.Fatalf("expected ErrNoRemoteOffer, got %v", err)
	}
	if answerer.LinkID() != "" {
		t.Fatalf("answerer generated a link id")
	}

	offerer := newTestLink(t, api, "carol", core.RoleOfferer)
	other := newTestLink(t, api, "dave", core.RoleOfferer)
	offer, err := other.CreateLocalOffer(false)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := offerer.ApplyRemoteDescription(*offer); !errors.Is(err, ErrUnexpectedOffer) {
		t.Fatalf("expected ErrUnexpectedOffer, got %v", err)
	}
	// an answer with no pending offer is ignored
	if err := answerer.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); err != nil {
		t.Fatalf("stray answer: %v", err)
	}
}

func TestAdoptLinkIDKeepsFirst(t *testing.T) {
	l := newTestLink(t, testAPI(t), "bob", core.RoleAnswerer)
	if !l.AdoptLinkID("one") {
		t.Fatalf("first adopt refused")
	}
	if !l.AdoptLinkID("one") {
		t.Fatalf("same id refused")
	}
	if l.AdoptLinkID("two") {
		t.Fatalf("second id adopted")
	}
	if l.LinkID() != "one" {
		t.Fatalf("link id %q", l.LinkID())
	}
}

func TestClosedLinkRejectsNegotiation(t *testing.T) {
	l := newTestLink(t, testAPI(t), "bob", core.RoleOfferer)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if l.State() != core.LinkClosed {
		t.Fatalf("expected closed, got %s", l.State())
	}
	if _, err := l.CreateLocalOffer(false); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
	if err := l.AddRemoteICECandidate(webrtc.ICECandidateInit{Candidate: "x"}); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
}

func TestMapState(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]core.LinkState{
		webrtc.PeerConnectionStateNew:          core.LinkNew,
		webrtc.PeerConnectionStateConnecting:   core.LinkConnecting,
		webrtc.PeerConnectionStateDisconnected: core.LinkConnecting,
		webrtc.PeerConnectionStateConnected:    core.LinkConnected,
		webrtc.PeerConnectionStateFailed:       core.LinkFailed,
		webrtc.PeerConnectionStateClosed:       core.LinkClosed,
	}
	for in, want := range cases {
		if got := mapState(in); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}
