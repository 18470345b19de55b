package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meetroom/internal/app"
	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// LocalChannel subscribes directly to an in-process hub.
type LocalChannel struct {
	Hub    *app.Hub
	Buffer int
}

func NewLocalChannel(hub *app.Hub) *LocalChannel {
	return &LocalChannel{Hub: hub, Buffer: 256}
}

func (c *LocalChannel) Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (core.SignalingHandle, error) {
	id, err := gonanoid.New(12)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	buf := c.Buffer
	if buf <= 0 {
		buf = 256
	}
	h := &localHandle{
		hub:  c.Hub,
		room: room,
		self: self,
		sid:  core.SessionID(id),
		d: newDispatcher(log.With().
			Str("module", "signaling.local").
			Str("room", string(room)).
			Str("user", string(self)).
			Logger()),
		inbox: make(chan core.Frame, buf),
		done:  make(chan struct{}),
	}
	go h.run()

	c.Hub.Subscribe(room, h.sid, self, h)
	select {
	case <-h.d.subscribed:
		return h, nil
	case <-ctx.Done():
		_ = h.Unsubscribe()
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, domain.ErrSubscribeTimeout)
	}
}

type localHandle struct {
	hub  *app.Hub
	room domain.RoomID
	self domain.ParticipantID
	sid  core.SessionID
	d    *dispatcher

	mu     sync.RWMutex
	closed bool
	inbox  chan core.Frame
	done   chan struct{}
}

// TrySend is called by the hub; it never blocks.
func (h *localHandle) TrySend(f core.Frame) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return domain.ErrHandleClosed
	}
	select {
	case h.inbox <- f:
		return nil
	default:
		return fmt.Errorf("local handle %s: inbox full", h.sid)
	}
}

// Close is called by the hub on a kick.
func (h *localHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.inbox)
}

func (h *localHandle) run() {
	defer close(h.done)
	for f := range h.inbox {
		h.d.handleFrame(f)
	}
}

func (h *localHandle) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *localHandle) Publish(_ context.Context, ev domain.Event) error {
	if h.isClosed() {
		return domain.ErrHandleClosed
	}
	ev.SenderID = h.self
	h.hub.Broadcast(h.room, h.sid, ev)
	return nil
}

func (h *localHandle) TrackPresence(_ context.Context, meta domain.PresenceMeta) error {
	if meta.JoinedAt.IsZero() {
		meta.JoinedAt = time.Now().UTC()
	}
	if !h.hub.Track(h.room, h.sid, meta) {
		return domain.ErrHandleClosed
	}
	return nil
}

func (h *localHandle) UntrackPresence(context.Context) error {
	h.hub.Untrack(h.room, h.sid)
	return nil
}

func (h *localHandle) OnEvent(kind domain.EventKind, fn func(domain.Event)) { h.d.OnEvent(kind, fn) }

func (h *localHandle) OnPresenceSync(fn func(domain.PresenceState)) { h.d.OnPresenceSync(fn) }

func (h *localHandle) PresenceState() domain.PresenceState { return h.d.PresenceState() }

func (h *localHandle) ClaimLastLeaver(context.Context) (bool, error) {
	if h.isClosed() {
		return false, domain.ErrHandleClosed
	}
	return h.hub.ClaimLastLeaver(h.room, h.sid), nil
}

func (h *localHandle) Unsubscribe() error {
	h.hub.Unsubscribe(h.room, h.sid)
	h.Close()
	<-h.done
	return nil
}
