// Package room runs one participant's side of a mesh meeting: it owns the
// participant and link maps and reacts to signaling events on a single loop.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/dkeye/meetroom/internal/recorder"
	"github.com/dkeye/meetroom/internal/transcript"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const inboxSize = 1024

type Publisher interface {
	Publish(ctx context.Context, rec recorder.Recording, dest transcript.Destination) (transcript.Outcome, error)
}

type NoticeKind string

const (
	NoticeJoined    NoticeKind = "joined"
	NoticeLeft      NoticeKind = "left"
	NoticeLinkState NoticeKind = "link-state"
	NoticeLive      NoticeKind = "live"
)

// Notice reports a change in the room. Delivered on the room loop; must not block.
type Notice struct {
	Kind        NoticeKind
	Participant domain.Participant
	LinkState   core.LinkState
}

type Options struct {
	Self           domain.Participant
	Department     domain.DepartmentID
	DepartmentName string
	// ChatID skips chat resolution when publishing.
	ChatID domain.ChatID

	Signaling core.SignalingChannel
	Links     core.LinkFactory
	Devices   core.MediaDevices
	Recorder  *recorder.Recorder
	Publisher Publisher

	SubscribeTimeout time.Duration
	SettleDelay      time.Duration
	ReannounceDelay  time.Duration
	RestartTimeout   time.Duration

	Now      func() time.Time
	OnNotice func(Notice)
}

func (o *Options) withDefaults() {
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 10 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = time.Second
	}
	if o.ReannounceDelay <= 0 {
		o.ReannounceDelay = time.Second
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Recorder == nil {
		o.Recorder = recorder.New(recorder.Options{})
	}
}

type participantEntry struct {
	info    domain.Participant
	session string
	greeted bool
}

type LinkInfo struct {
	Remote domain.ParticipantID
	Role   core.Role
	State  core.LinkState
	LinkID string
	Live   bool
	Tracks int
}

// LeaveResult describes what happened on leave. Publishing problems are
// reported here and never fail the leave itself.
type LeaveResult struct {
	Remaining    int
	LastLeaver   bool
	Duration     time.Duration
	Recording    recorder.Recording
	RecordingErr error
	Outcome      *transcript.Outcome
	PublishErr   error
}

type Coordinator struct {
	opts    Options
	room    domain.RoomID
	self    domain.ParticipantID
	session string
	logger  zerolog.Logger

	mu           sync.RWMutex
	state        domain.RoomState
	participants map[domain.ParticipantID]*participantEntry
	links        map[domain.ParticipantID]*linkEntry
	startedAt    time.Time

	stream    core.LocalStream
	recording *recorder.Session
	handle    core.SignalingHandle
	timers    []*time.Timer

	inbox    chan func()
	closing  chan struct{}
	loopDone chan struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.Self.ID == "" {
		return nil, domain.ErrParticipantIDEmpty
	}
	if opts.Department == "" {
		return nil, fmt.Errorf("department: %w", domain.ErrBadRoomID)
	}
	if opts.Signaling == nil || opts.Links == nil || opts.Devices == nil {
		return nil, errors.New("room: signaling, links and devices are required")
	}
	opts.withDefaults()
	if opts.Self.Name == "" {
		opts.Self.Name = "User"
	}

	room := domain.RoomFor(opts.Department)
	return &Coordinator{
		opts:         opts,
		room:         room,
		self:         opts.Self.ID,
		logger:       log.With().Str("module", "room").Str("room", string(room)).Str("self", string(opts.Self.ID)).Logger(),
		state:        domain.RoomIdle,
		participants: make(map[domain.ParticipantID]*participantEntry),
		links:        make(map[domain.ParticipantID]*linkEntry),
		inbox:        make(chan func(), inboxSize),
		closing:      make(chan struct{}),
		loopDone:     make(chan struct{}),
	}, nil
}

func (c *Coordinator) Room() domain.RoomID { return c.room }

func (c *Coordinator) State() domain.RoomState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s domain.RoomState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("room state")
}

func (c *Coordinator) active() bool { return c.State() == domain.RoomActive }

// Participants returns the known remote participants, sorted by id.
func (c *Coordinator) Participants() []domain.Participant {
	c.mu.RLock()
	out := make([]domain.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p.info)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParticipantCount includes the local participant.
func (c *Coordinator) ParticipantCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.participants) + 1
}

func (c *Coordinator) Links() []LinkInfo {
	c.mu.RLock()
	entries := make([]*linkEntry, 0, len(c.links))
	for _, e := range c.links {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]LinkInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, LinkInfo{
			Remote: e.link.Remote(),
			Role:   e.link.Role(),
			State:  e.link.State(),
			LinkID: e.link.LinkID(),
			Live:   e.live.Load(),
			Tracks: len(e.link.RemoteStream()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

// StartedAt is the earliest meeting start announced in the room.
func (c *Coordinator) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// CallDuration is measured from the shared meeting start.
func (c *Coordinator) CallDuration() time.Duration {
	start := c.StartedAt()
	if start.IsZero() {
		return 0
	}
	return c.opts.Now().Sub(start)
}

func (c *Coordinator) notify(n Notice) {
	if c.opts.OnNotice != nil {
		c.opts.OnNotice(n)
	}
}

// Join acquires media, subscribes and announces the local participant.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.RoomIdle {
		c.mu.Unlock()
		return domain.ErrRoomNotIdle
	}
	c.state = domain.RoomJoining
	c.mu.Unlock()

	session, err := gonanoid.New(12)
	if err != nil {
		c.setState(domain.RoomIdle)
		return err
	}
	c.session = session

	stream, err := c.opts.Devices.Acquire(ctx)
	if err != nil {
		c.setState(domain.RoomIdle)
		c.logger.Error().Err(err).Str("hint", domain.MediaErrorHint(err)).Msg("media acquisition failed")
		return err
	}
	c.stream = stream
	c.recording = c.opts.Recorder.Start(stream.Audio())

	subCtx, cancel := context.WithTimeout(ctx, c.opts.SubscribeTimeout)
	handle, err := c.opts.Signaling.Subscribe(subCtx, c.room, c.self)
	cancel()
	if err != nil {
		c.abortJoin()
		if !errors.Is(err, domain.ErrSignalingUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, err)
		}
		return err
	}
	c.handle = handle

	go c.run()
	c.register()

	now := c.opts.Now()
	meta := domain.PresenceMeta{UserID: c.self, UserName: c.opts.Self.Name, JoinedAt: now.UTC()}
	if err := handle.TrackPresence(ctx, meta); err != nil {
		c.stopLoop()
		_ = handle.Unsubscribe()
		c.abortJoin()
		// the loop is gone, so this coordinator cannot join again
		c.setState(domain.RoomClosed)
		return fmt.Errorf("%w: track presence: %w", domain.ErrSignalingUnavailable, err)
	}

	c.mu.Lock()
	c.startedAt = now
	c.mu.Unlock()
	c.recording.ObserveStart(now)

	c.do(func() {
		c.announceStart("")
		c.announce("")
	})
	c.setState(domain.RoomActive)

	c.after(c.opts.ReannounceDelay, func() {
		if c.active() {
			c.logger.Debug().Msg("re-announcing joined")
			c.announce("")
		}
	})
	c.logger.Info().Str("session", c.session).Msg("joined room")
	return nil
}

func (c *Coordinator) abortJoin() {
	if c.recording != nil {
		_, _ = c.recording.Stop(context.Background())
	}
	if c.stream != nil {
		c.stream.Stop()
	}
	c.setState(domain.RoomIdle)
}

func (c *Coordinator) register() {
	h := c.handle
	h.OnEvent(domain.EventJoined, func(ev domain.Event) { c.post(func() { c.onJoined(ev) }) })
	h.OnEvent(domain.EventOffer, func(ev domain.Event) { c.post(func() { c.onOffer(ev) }) })
	h.OnEvent(domain.EventAnswer, func(ev domain.Event) { c.post(func() { c.onAnswer(ev) }) })
	h.OnEvent(domain.EventICECandidate, func(ev domain.Event) { c.post(func() { c.onCandidate(ev) }) })
	h.OnEvent(domain.EventMeetingStarted, func(ev domain.Event) { c.post(func() { c.onMeetingStarted(ev) }) })
	h.OnEvent(domain.EventLeft, func(ev domain.Event) { c.post(func() { c.onLeft(ev) }) })
	h.OnPresenceSync(func(state domain.PresenceState) { c.post(func() { c.onPresenceSync(state) }) })
}

// Leave runs the exit sequence. Local resources are always released before
// any transcript is published.
func (c *Coordinator) Leave(ctx context.Context) (LeaveResult, error) {
	c.mu.Lock()
	if c.state != domain.RoomActive {
		c.mu.Unlock()
		return LeaveResult{}, domain.ErrRoomNotActive
	}
	c.state = domain.RoomLeaving
	c.mu.Unlock()
	c.logger.Info().Msg("leaving room")

	res := LeaveResult{Duration: c.CallDuration()}
	h := c.handle

	if ev, err := c.event(domain.EventLeft, "", nil); err == nil {
		if err := h.Publish(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Msg("publish left")
		}
	}
	if err := h.UntrackPresence(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("untrack presence")
	}

	rec, stopErr := c.recording.Stop(ctx)
	if stopErr != nil {
		c.logger.Warn().Err(stopErr).Msg("recorder did not flush, transcript will not be published")
	}
	res.Recording = rec
	res.RecordingErr = stopErr

	select {
	case <-time.After(c.opts.SettleDelay):
	case <-ctx.Done():
	}

	res.Remaining = len(h.PresenceState().Others(c.self))
	if res.Remaining == 0 && !rec.Empty() && stopErr == nil {
		claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		granted, err := h.ClaimLastLeaver(claimCtx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Msg("last-leaver claim")
		}
		res.LastLeaver = granted
	}

	c.teardown()
	c.setState(domain.RoomClosed)

	if res.LastLeaver && c.opts.Publisher != nil {
		dest := transcript.Destination{
			DepartmentID:   c.opts.Department,
			DepartmentName: c.opts.DepartmentName,
			ChatID:         c.opts.ChatID,
			SenderID:       c.self,
		}
		out, err := c.opts.Publisher.Publish(context.WithoutCancel(ctx), rec, dest)
		res.Outcome = &out
		res.PublishErr = err
		if err != nil {
			c.logger.Error().Err(err).Msg("transcript publish failed")
		}
	}
	c.logger.Info().
		Int("remaining", res.Remaining).
		Bool("last_leaver", res.LastLeaver).
		Dur("duration", res.Duration).
		Msg("left room")
	return res, nil
}

// teardown closes links, stops media and unsubscribes. Never fails.
func (c *Coordinator) teardown() {
	c.do(func() {
		for id := range c.links {
			c.dropLink(id)
		}
	})
	c.stopLoop()
	if c.stream != nil {
		c.stream.Stop()
	}
	if err := c.handle.Unsubscribe(); err != nil {
		c.logger.Warn().Err(err).Msg("unsubscribe")
	}
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.closing:
			return
		}
	}
}

func (c *Coordinator) stopLoop() {
	c.mu.Lock()
	select {
	case <-c.closing:
	default:
		close(c.closing)
	}
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
	<-c.loopDone
}

// post queues fn on the loop. Dropped once the loop is closing.
func (c *Coordinator) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.closing:
	}
}

// postAsync is for callbacks that may fire on the loop itself.
func (c *Coordinator) postAsync(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.closing:
	default:
		go c.post(fn)
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(fn func()) {
	done := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(done) }:
	case <-c.closing:
		return
	}
	select {
	case <-done:
	case <-c.loopDone:
	}
}

func (c *Coordinator) after(d time.Duration, fn func()) {
	t := time.AfterFunc(d, func() { c.post(fn) })
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
}
