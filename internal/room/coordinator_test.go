package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	alice domain.ParticipantID = "alice"
	bob   domain.ParticipantID = "bob"
)

func join(t *testing.T, p *peer) {
	t.Helper()
	if err := p.c.Join(context.Background()); err != nil {
		t.Fatalf("join %s: %v", p.c.self, err)
	}
}

func leave(t *testing.T, p *peer) LeaveResult {
	t.Helper()
	res, err := p.c.Leave(context.Background())
	if err != nil {
		t.Fatalf("leave %s: %v", p.c.self, err)
	}
	return res
}

func inject(p *peer, fn func()) { p.c.do(fn) }

func TestAloneIsActiveWithoutLinks(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	join(t, a)

	if a.c.State() != domain.RoomActive {
		t.Fatalf("expected active, got %s", a.c.State())
	}
	if n := len(a.c.Links()); n != 0 {
		t.Fatalf("expected no links, got %d", n)
	}
	if n := a.c.ParticipantCount(); n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
	if a.c.StartedAt().IsZero() {
		t.Fatalf("start time not set")
	}
	if err := a.c.Join(context.Background()); !errors.Is(err, domain.ErrRoomNotIdle) {
		t.Fatalf("second join: expected ErrRoomNotIdle, got %v", err)
	}
	leave(t, a)
}

func TestTwoParticipantsFormOneLink(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)

	eventually(t, "alice connected to bob", connectedTo(a, bob))
	eventually(t, "bob connected to alice", connectedTo(b, alice))

	al := a.c.Links()
	bl := b.c.Links()
	if len(al) != 1 || len(bl) != 1 {
		t.Fatalf("expected one link per side, got %d and %d", len(al), len(bl))
	}
	if al[0].Role != core.RoleOfferer || bl[0].Role != core.RoleAnswerer {
		t.Fatalf("unexpected roles %s/%s", al[0].Role, bl[0].Role)
	}
	if al[0].LinkID == "" || al[0].LinkID != bl[0].LinkID {
		t.Fatalf("link ids differ: %q vs %q", al[0].LinkID, bl[0].LinkID)
	}
	if a.c.ParticipantCount() != 2 || b.c.ParticipantCount() != 2 {
		t.Fatalf("expected both to count 2")
	}
	if got := b.c.Participants(); len(got) != 1 || got[0].Name != "alice" {
		t.Fatalf("bob sees %+v", got)
	}
	leave(t, b)
	leave(t, a)
}

func TestConcurrentJoinsConverge(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, ch := newLocalHub()
			a := newPeer(t, ch, "alice")
			b := newPeer(t, ch, "bob")

			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); _ = a.c.Join(context.Background()) }()
			go func() { defer wg.Done(); _ = b.c.Join(context.Background()) }()
			wg.Wait()

			eventually(t, "alice connected", connectedTo(a, bob))
			eventually(t, "bob connected", connectedTo(b, alice))
			// let re-announcements settle
			time.Sleep(60 * time.Millisecond)

			if n := openLinks(a, bob); n != 1 {
				t.Fatalf("alice holds %d open links to bob", n)
			}
			if n := openLinks(b, alice); n != 1 {
				t.Fatalf("bob holds %d open links to alice", n)
			}
			leave(t, a)
			leave(t, b)
		})
	}
}

func TestPresenceSyncNeverRemoves(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))

	inject(a, func() { a.c.onPresenceSync(domain.PresenceState{alice: {UserID: alice}}) })

	if got := a.c.Participants(); len(got) != 1 || got[0].ID != bob {
		t.Fatalf("presence sync removed bob: %+v", got)
	}
	if !connectedTo(a, bob)() {
		t.Fatalf("link to bob dropped by presence sync")
	}
	leave(t, b)
	leave(t, a)
}

func TestPresenceSyncAddsUnknown(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	join(t, a)

	inject(a, func() {
		a.c.onPresenceSync(domain.PresenceState{"carol": {UserID: "carol", UserName: "Carol"}})
	})
	got := a.c.Participants()
	if len(got) != 1 || got[0].Name != "Carol" {
		t.Fatalf("expected carol, got %+v", got)
	}
	if l := a.links.last("carol"); l == nil || l.Role() != core.RoleOfferer {
		t.Fatalf("expected offerer link to carol")
	}
	leave(t, a)
}

// lossyChannel drops the first joined event its subscribers publish and can
// hide presence from them.
type lossyChannel struct {
	core.SignalingChannel
	dropFirstJoined bool
	blindPresence   bool
}

func (l *lossyChannel) Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (core.SignalingHandle, error) {
	h, err := l.SignalingChannel.Subscribe(ctx, room, self)
	if err != nil {
		return nil, err
	}
	return &lossyHandle{SignalingHandle: h, ch: l}, nil
}

type lossyHandle struct {
	core.SignalingHandle
	ch      *lossyChannel
	mu      sync.Mutex
	dropped bool
}

func (h *lossyHandle) Publish(ctx context.Context, ev domain.Event) error {
	h.mu.Lock()
	drop := h.ch.dropFirstJoined && ev.Kind == domain.EventJoined && !h.dropped
	if drop {
		h.dropped = true
	}
	h.mu.Unlock()
	if drop {
		return nil
	}
	return h.SignalingHandle.Publish(ctx, ev)
}

func (h *lossyHandle) OnPresenceSync(fn func(domain.PresenceState)) {
	if h.ch.blindPresence {
		return
	}
	h.SignalingHandle.OnPresenceSync(fn)
}

func TestDroppedFirstJoinedConverges(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, &lossyChannel{SignalingChannel: ch, blindPresence: true}, "alice")
	b := newPeer(t, &lossyChannel{SignalingChannel: ch, dropFirstJoined: true}, "bob")
	join(t, a)
	join(t, b)

	// alice learns bob only from the re-announcement
	eventually(t, "alice learns bob", func() bool { return len(a.c.Participants()) == 1 })
	eventually(t, "alice connected", connectedTo(a, bob))
	eventually(t, "bob connected", connectedTo(b, alice))
	leave(t, b)
	leave(t, a)
}

func TestLeftRemovesParticipant(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))
	link := a.links.last(bob)

	leave(t, b)

	eventually(t, "bob removed", func() bool { return len(a.c.Participants()) == 0 })
	if n := len(a.c.Links()); n != 0 {
		t.Fatalf("expected no links, got %d", n)
	}
	if link.State() != core.LinkClosed {
		t.Fatalf("link to bob not closed: %s", link.State())
	}
	if a.c.State() != domain.RoomActive {
		t.Fatalf("alice should stay active, got %s", a.c.State())
	}
	leave(t, a)
}

func TestRejoinReplacesLink(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))
	eventually(t, "bob announced", func() bool {
		var s string
		inject(a, func() { s = a.c.participants[bob].session })
		return s != ""
	})
	// past bob's re-announcement
	time.Sleep(80 * time.Millisecond)
	first := a.links.last(bob)

	ev, err := domain.NewEvent(domain.EventJoined, bob, domain.JoinedPayload{Name: "bob"})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	ev.Session = "another-session"
	inject(a, func() { a.c.onJoined(ev) })

	if first.State() != core.LinkClosed {
		t.Fatalf("old link not closed")
	}
	if n := len(a.links.created(bob)); n != 2 {
		t.Fatalf("expected a replacement link, got %d links", n)
	}
	eventually(t, "alice reconnected", connectedTo(a, bob))
	if n := openLinks(a, bob); n != 1 {
		t.Fatalf("alice holds %d open links", n)
	}
	leave(t, b)
	leave(t, a)
}

func TestEventsForOthersAreIgnored(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	join(t, a)

	ev, _ := domain.NewEvent(domain.EventJoined, "carol", domain.JoinedPayload{Name: "Carol"})
	ev.TargetID = "dave"
	inject(a, func() { a.c.onJoined(ev) })
	if n := len(a.c.Participants()); n != 0 {
		t.Fatalf("targeted event for someone else was applied")
	}

	self, _ := domain.NewEvent(domain.EventJoined, alice, domain.JoinedPayload{Name: "me"})
	inject(a, func() { a.c.onJoined(self) })
	if n := len(a.c.Participants()); n != 0 {
		t.Fatalf("own event was applied")
	}
	leave(t, a)
}

func TestStaleAnswerIsIgnored(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))
	link := a.links.last(bob)
	before := link.remoteCount()

	ev, _ := domain.NewEvent(domain.EventAnswer, bob, domain.DescriptionPayload{LinkID: "stale"})
	inject(a, func() { a.c.onAnswer(ev) })
	cand, _ := domain.NewEvent(domain.EventICECandidate, bob, domain.CandidatePayload{LinkID: "stale"})
	inject(a, func() { a.c.onCandidate(cand) })

	if link.remoteCount() != before {
		t.Fatalf("stale answer applied")
	}
	link.mu.Lock()
	n := len(link.candidates)
	link.mu.Unlock()
	if n != 0 {
		t.Fatalf("stale candidate applied")
	}
	leave(t, b)
	leave(t, a)
}

func TestMeetingStartKeepsEarliest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice", func(o *Options) { o.Now = func() time.Time { return now } })
	join(t, a)

	earlier := now.Add(-90 * time.Second)
	later := now.Add(time.Minute)
	for _, ts := range []time.Time{earlier, later} {
		ev, _ := domain.NewEvent(domain.EventMeetingStarted, bob, domain.MeetingStartedPayload{StartTime: ts.UnixMilli()})
		inject(a, func() { a.c.onMeetingStarted(ev) })
	}
	if !a.c.StartedAt().Equal(earlier) {
		t.Fatalf("expected %v, got %v", earlier, a.c.StartedAt())
	}
	if d := a.c.CallDuration(); d != 90*time.Second {
		t.Fatalf("expected 90s, got %v", d)
	}
	res := leave(t, a)
	if res.Duration != 90*time.Second {
		t.Fatalf("leave duration %v", res.Duration)
	}
}

func TestStartTimeConvergesForLateJoiner(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	join(t, a)
	time.Sleep(20 * time.Millisecond)
	b := newPeer(t, ch, "bob")
	join(t, b)

	eventually(t, "bob adopts alice's start", func() bool {
		return b.c.StartedAt().Equal(a.c.StartedAt())
	})
	leave(t, b)
	leave(t, a)
}

func TestFailedLinkRestartsThenRecreates(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))

	link := a.links.last(bob)
	link.mu.Lock()
	link.stuck = true
	link.mu.Unlock()
	link.setState(core.LinkFailed)

	eventually(t, "ICE restart offer", func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.restarts == 1
	})
	eventually(t, "link recreated", func() bool { return len(a.links.created(bob)) == 2 })
	if link.State() != core.LinkClosed {
		t.Fatalf("failed link not closed")
	}
	eventually(t, "alice reconnected", connectedTo(a, bob))
	eventually(t, "bob reconnected", connectedTo(b, alice))
	leave(t, b)
	leave(t, a)
}

func TestAnswererDoesNotRestart(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "bob connected", connectedTo(b, alice))

	link := b.links.last(alice)
	link.setState(core.LinkFailed)
	time.Sleep(100 * time.Millisecond)

	link.mu.Lock()
	offers := link.offers
	link.mu.Unlock()
	if offers != 0 {
		t.Fatalf("answerer sent %d offers", offers)
	}
	if n := len(b.links.created(alice)); n != 1 {
		t.Fatalf("answerer recreated its link")
	}
	leave(t, b)
	leave(t, a)
}

func TestMediaErrorsKeepRoomIdle(t *testing.T) {
	for _, want := range []error{domain.ErrMediaPermissionDenied, domain.ErrMediaDeviceNotFound, domain.ErrMediaDeviceBusy} {
		t.Run(want.Error(), func(t *testing.T) {
			_, ch := newLocalHub()
			p := newPeer(t, ch, "alice", func(o *Options) {
				o.Devices = &fakeDevices{err: fmt.Errorf("open mic: %w", want)}
			})
			err := p.c.Join(context.Background())
			if !errors.Is(err, want) {
				t.Fatalf("expected %v, got %v", want, err)
			}
			if p.c.State() != domain.RoomIdle {
				t.Fatalf("expected idle, got %s", p.c.State())
			}
		})
	}
}

type brokenChannel struct{}

func (brokenChannel) Subscribe(context.Context, domain.RoomID, domain.ParticipantID) (core.SignalingHandle, error) {
	return nil, errors.New("connection refused")
}

func TestSignalingFailureReleasesMedia(t *testing.T) {
	p := newPeer(t, brokenChannel{}, "alice")
	err := p.c.Join(context.Background())
	if !errors.Is(err, domain.ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", err)
	}
	if !p.stream.stopped.Load() {
		t.Fatalf("media not released")
	}
	if p.c.State() != domain.RoomIdle {
		t.Fatalf("expected idle, got %s", p.c.State())
	}
}

func TestLeaveBeforeJoin(t *testing.T) {
	_, ch := newLocalHub()
	p := newPeer(t, ch, "alice")
	if _, err := p.c.Leave(context.Background()); !errors.Is(err, domain.ErrRoomNotActive) {
		t.Fatalf("expected ErrRoomNotActive, got %v", err)
	}
}

func TestOnlyLastLeaverPublishes(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))
	a.stream.src.push(10)
	b.stream.src.push(10)

	rb := leave(t, b)
	if rb.LastLeaver || rb.Remaining != 1 {
		t.Fatalf("bob: last=%v remaining=%d", rb.LastLeaver, rb.Remaining)
	}
	if rb.Recording.Empty() {
		t.Fatalf("bob's recording is empty")
	}
	if !b.stream.stopped.Load() || b.c.State() != domain.RoomClosed {
		t.Fatalf("bob not torn down")
	}
	eventually(t, "bob removed", func() bool { return len(a.c.Participants()) == 0 })
	if a.pub.count() != 0 || b.pub.count() != 0 {
		t.Fatalf("published while someone remained")
	}

	ra := leave(t, a)
	if !ra.LastLeaver || ra.Remaining != 0 {
		t.Fatalf("alice: last=%v remaining=%d", ra.LastLeaver, ra.Remaining)
	}
	if a.pub.count() != 1 || b.pub.count() != 0 {
		t.Fatalf("expected exactly alice to publish, got %d/%d", a.pub.count(), b.pub.count())
	}
	if ra.Outcome == nil || ra.Outcome.Transcript != "hello team" || ra.PublishErr != nil {
		t.Fatalf("unexpected outcome %+v err=%v", ra.Outcome, ra.PublishErr)
	}
	d := a.pub.calls[0]
	if d.DepartmentID != "eng" || d.DepartmentName != "Engineering" || d.SenderID != alice {
		t.Fatalf("unexpected destination %+v", d)
	}
	if a.pub.recs[0].Empty() {
		t.Fatalf("published an empty recording")
	}
}

func TestSimultaneousLeaveGrantsOneClaim(t *testing.T) {
	for i := 0; i < 5; i++ {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, ch := newLocalHub()
			slow := func(o *Options) { o.SettleDelay = 100 * time.Millisecond }
			a := newPeer(t, ch, "alice", slow)
			b := newPeer(t, ch, "bob", slow)
			join(t, a)
			join(t, b)
			eventually(t, "connected", connectedTo(a, bob))
			a.stream.src.push(5)
			b.stream.src.push(5)

			var wg sync.WaitGroup
			results := make([]LeaveResult, 2)
			for i, p := range []*peer{a, b} {
				i, p := i, p
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], _ = p.c.Leave(context.Background())
				}()
			}
			wg.Wait()

			last := 0
			for _, r := range results {
				if r.LastLeaver {
					last++
				}
			}
			if last != 1 {
				t.Fatalf("expected one last leaver, got %d", last)
			}
			if a.pub.count()+b.pub.count() != 1 {
				t.Fatalf("expected one publish, got %d", a.pub.count()+b.pub.count())
			}
		})
	}
}

func TestEmptyRecordingSkipsPublish(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	join(t, a)

	res := leave(t, a)
	if res.Remaining != 0 || res.LastLeaver {
		t.Fatalf("remaining=%d last=%v", res.Remaining, res.LastLeaver)
	}
	if a.pub.count() != 0 || res.Outcome != nil {
		t.Fatalf("published without audio")
	}
}

func TestPublishFailureDoesNotFailLeave(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	a.pub.err = errors.New("transcription service down")
	join(t, a)
	a.stream.src.push(5)

	res, err := a.c.Leave(context.Background())
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if !res.LastLeaver || res.PublishErr == nil {
		t.Fatalf("expected a reported publish error, got %+v", res)
	}
	if a.c.State() != domain.RoomClosed || !a.stream.stopped.Load() {
		t.Fatalf("resources not released")
	}
}

func TestOfferBeforeJoinedKeepsName(t *testing.T) {
	_, ch := newLocalHub()
	b := newPeer(t, &lossyChannel{SignalingChannel: ch, blindPresence: true}, "bob")
	join(t, b)
	a := newPeer(t, ch, "alice")
	join(t, a)

	// alice offers from presence before her joined reaches bob
	eventually(t, "bob connected", connectedTo(b, alice))
	eventually(t, "bob learns alice's name", func() bool {
		got := b.c.Participants()
		return len(got) == 1 && got[0].Name == "alice"
	})
	leave(t, b)
	leave(t, a)
}

func TestRejoinAfterCrashKeepsNegotiatedLink(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "bob connected", connectedTo(b, alice))
	time.Sleep(80 * time.Millisecond)

	// alice vanishes without a left and comes back with a new session
	a.c.teardown()
	again := newPeer(t, ch, "alice")
	join(t, again)

	eventually(t, "rejoined alice connected", connectedTo(again, bob))
	eventually(t, "bob connected to rejoined alice", connectedTo(b, alice))
	// past the rejoiner's re-announcement
	time.Sleep(80 * time.Millisecond)

	want := again.links.last(bob).LinkID()
	links := b.c.Links()
	if len(links) != 1 || links[0].LinkID != want || links[0].State != core.LinkConnected {
		t.Fatalf("bob holds %+v, want connected link %q", links, want)
	}
	if n := openLinks(b, alice); n != 1 {
		t.Fatalf("bob holds %d open links to alice", n)
	}
	leave(t, b)
	leave(t, again)
}

func TestRemotelyClosedLinkIsRecreated(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))

	a.links.last(bob).setState(core.LinkClosed)

	eventually(t, "link recreated", func() bool { return len(a.links.created(bob)) == 2 })
	eventually(t, "alice reconnected", connectedTo(a, bob))
	eventually(t, "bob reconnected", connectedTo(b, alice))
	if n := openLinks(a, bob); n != 1 {
		t.Fatalf("alice holds %d open links", n)
	}
	leave(t, b)
	leave(t, a)
}

func TestRemoteStreamIsExposedPerParticipant(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	b := newPeer(t, ch, "bob")
	join(t, a)
	join(t, b)
	eventually(t, "alice connected", connectedTo(a, bob))

	if got := a.c.RemoteStream(bob); len(got) != 0 {
		t.Fatalf("stream before any track: %d", len(got))
	}
	link := a.links.last(bob)
	link.mu.Lock()
	link.tracks = []*webrtc.TrackRemote{{}}
	link.mu.Unlock()

	if got := a.c.RemoteStream(bob); len(got) != 1 {
		t.Fatalf("expected one remote track, got %d", len(got))
	}
	if l := a.c.Links(); len(l) != 1 || l[0].Tracks != 1 {
		t.Fatalf("link snapshot %+v", l)
	}
	if got := a.c.RemoteStream("carol"); got != nil {
		t.Fatalf("stream for unknown participant")
	}
	leave(t, b)
	leave(t, a)
}

func TestToggleLocalTracks(t *testing.T) {
	_, ch := newLocalHub()
	a := newPeer(t, ch, "alice")
	if _, err := a.c.ToggleAudio(); !errors.Is(err, domain.ErrRoomNotActive) {
		t.Fatalf("expected ErrRoomNotActive, got %v", err)
	}
	a.stream.hasVideo = true
	join(t, a)

	on, err := a.c.ToggleAudio()
	if err != nil || on || !a.stream.audioOff.Load() {
		t.Fatalf("mute: on=%v err=%v", on, err)
	}
	on, err = a.c.ToggleAudio()
	if err != nil || !on || a.stream.audioOff.Load() {
		t.Fatalf("unmute: on=%v err=%v", on, err)
	}
	on, err = a.c.ToggleVideo()
	if err != nil || on || !a.stream.videoOff.Load() {
		t.Fatalf("camera off: on=%v err=%v", on, err)
	}
	leave(t, a)

	b := newPeer(t, ch, "bob")
	join(t, b)
	if _, err := b.c.ToggleVideo(); !errors.Is(err, domain.ErrNoLocalTrack) {
		t.Fatalf("expected ErrNoLocalTrack, got %v", err)
	}
	leave(t, b)
}

func TestUnflushedRecordingIsNotPublished(t *testing.T) {
	_, ch := newLocalHub()
	src := &stuckSource{ch: make(chan *rtp.Packet, 16)}
	a := newPeer(t, ch, "alice")
	a.stream.tap = src
	join(t, a)
	for i := 0; i < 5; i++ {
		src.ch <- &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}
	}
	// let a chunk be cut
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := a.c.Leave(ctx)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if res.RecordingErr == nil || res.Recording.Empty() {
		t.Fatalf("expected a partial recording with an error, got %+v", res)
	}
	if res.LastLeaver || a.pub.count() != 0 {
		t.Fatalf("published a truncated recording")
	}
	if a.c.State() != domain.RoomClosed || !a.stream.stopped.Load() {
		t.Fatalf("resources not released")
	}
}
