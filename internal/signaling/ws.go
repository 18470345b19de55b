package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// WSChannel dials the hub's signaling endpoint, e.g. ws://host:8080/api/ws/signal.
type WSChannel struct {
	Endpoint   string
	Dialer     *websocket.Dialer
	SendBuffer int
	PingPeriod time.Duration
}

func NewWSChannel(endpoint string) *WSChannel {
	return &WSChannel{
		Endpoint:   endpoint,
		Dialer:     websocket.DefaultDialer,
		SendBuffer: 256,
		PingPeriod: 30 * time.Second,
	}
}

// SignalEndpoint turns an http(s) server URL into the signaling ws(s) URL.
func SignalEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/ws/signal"
	return u.String(), nil
}

func (c *WSChannel) Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (core.SignalingHandle, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	q := u.Query()
	q.Set("room", string(room))
	q.Set("user", string(self))
	u.RawQuery = q.Encode()

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, domain.ErrSubscribeTimeout)
		}
		return nil, fmt.Errorf("%w: dial: %v", domain.ErrSignalingUnavailable, err)
	}

	logger := log.With().Str("module", "signaling.ws").Str("room", string(room)).Str("user", string(self)).Logger()
	loopCtx, cancel := context.WithCancel(context.Background())
	buf := c.SendBuffer
	if buf <= 0 {
		buf = 256
	}
	ping := c.PingPeriod
	if ping <= 0 {
		ping = 30 * time.Second
	}
	h := &wsHandle{
		conn:   conn,
		self:   self,
		d:      newDispatcher(logger),
		logger: logger,
		send:   make(chan []byte, buf),
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.writePump(ping)
	go h.readPump()

	select {
	case <-h.d.subscribed:
		logger.Info().Msg("subscribed")
		return h, nil
	case <-h.done:
		return nil, fmt.Errorf("%w: connection closed before subscribe", domain.ErrSignalingUnavailable)
	case <-ctx.Done():
		_ = h.Unsubscribe()
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingUnavailable, domain.ErrSubscribeTimeout)
	}
}

type wsHandle struct {
	conn   *websocket.Conn
	self   domain.ParticipantID
	d      *dispatcher
	logger zerolog.Logger

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (h *wsHandle) writePump(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			_ = h.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(writeWait))
			_ = h.conn.Close()
			return
		case data := <-h.send:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Error().Err(err).Msg("write error")
				h.cancel()
			}
		case <-ticker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Warn().Err(err).Msg("ping")
				h.cancel()
			}
		}
	}
}

func (h *wsHandle) readPump() {
	defer close(h.done)
	defer h.cancel()
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if h.ctx.Err() == nil {
				h.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		h.d.handleFrame(data)
	}
}

func (h *wsHandle) write(ctx context.Context, env domain.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-h.ctx.Done():
		return domain.ErrHandleClosed
	default:
	}
	select {
	case h.send <- b:
		return nil
	case <-h.ctx.Done():
		return domain.ErrHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *wsHandle) Publish(ctx context.Context, ev domain.Event) error {
	ev.SenderID = h.self
	return h.write(ctx, domain.Envelope{Type: domain.EnvBroadcast, Event: &ev})
}

func (h *wsHandle) TrackPresence(ctx context.Context, meta domain.PresenceMeta) error {
	return h.write(ctx, domain.Envelope{Type: domain.EnvTrack, Meta: &meta})
}

func (h *wsHandle) UntrackPresence(ctx context.Context) error {
	return h.write(ctx, domain.Envelope{Type: domain.EnvUntrack})
}

func (h *wsHandle) OnEvent(kind domain.EventKind, fn func(domain.Event)) { h.d.OnEvent(kind, fn) }

func (h *wsHandle) OnPresenceSync(fn func(domain.PresenceState)) { h.d.OnPresenceSync(fn) }

func (h *wsHandle) PresenceState() domain.PresenceState { return h.d.PresenceState() }

func (h *wsHandle) ClaimLastLeaver(ctx context.Context) (bool, error) {
	id, err := gonanoid.New(10)
	if err != nil {
		return false, err
	}
	ch := h.d.expectClaim(id)
	defer h.d.dropClaim(id)
	if err := h.write(ctx, domain.Envelope{Type: domain.EnvClaim, ID: id}); err != nil {
		return false, err
	}
	select {
	case granted := <-ch:
		return granted, nil
	case <-h.done:
		return false, domain.ErrHandleClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (h *wsHandle) Unsubscribe() error {
	h.closeOnce.Do(func() {
		h.cancel()
	})
	select {
	case <-h.done:
	case <-time.After(writeWait):
		_ = h.conn.Close()
		<-h.done
	}
	return nil
}
