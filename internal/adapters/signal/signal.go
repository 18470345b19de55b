package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meetroom/internal/app"
	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	return o
}

type SignalWSController struct {
	Hub      *app.Hub
	Registry *app.Registry
	Limiter  *RoomRateLimiter
	opts     Options
}

func NewSignalWSController(hub *app.Hub, reg *app.Registry, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Hub:      hub,
		Registry: reg,
		Limiter:  limiter,
		opts:     opts.withDefaults(),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and subscribes the socket to ?room= as ?user=.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	room := domain.RoomID(c.Query("room"))
	user := domain.ParticipantID(c.Query("user"))
	if room == "" || user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and user are required"})
		return
	}
	if _, err := room.Department(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(user) > domain.MaxParticipantIDLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrParticipantIDTooLong.Error()})
		return
	}

	id, err := gonanoid.New(12)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session id"})
		return
	}
	sid := core.SessionID(id)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", c.GetString("client_token")).Str("room", string(room)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(sid, room, user, conn, cancel)
	ctl.Hub.Subscribe(room, sid, user, conn)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

func (ctl *SignalWSController) disconnect(sid core.SessionID) {
	room, _, ok := ctl.Registry.RoomOf(sid)
	if !ok {
		return
	}
	ctl.Hub.Unsubscribe(room, sid)
	ctl.Registry.Unbind(sid)
}
