// Package signaling holds the participant side of the broadcast+presence
// transport: a WebSocket client and an in-process channel over app.Hub.
package signaling

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/dkeye/meetroom/internal/domain"
	"github.com/rs/zerolog"
)

const maxPending = 64

// dispatcher routes decoded envelopes to typed handlers.
type dispatcher struct {
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[domain.EventKind]func(domain.Event)
	pending  map[domain.EventKind][]domain.Event
	onSync   func(domain.PresenceState)
	presence domain.PresenceState
	synced   bool
	claims   map[string]chan bool

	subscribed     chan struct{}
	subscribedOnce sync.Once
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		logger:     logger,
		handlers:   make(map[domain.EventKind]func(domain.Event)),
		pending:    make(map[domain.EventKind][]domain.Event),
		presence:   domain.PresenceState{},
		claims:     make(map[string]chan bool),
		subscribed: make(chan struct{}),
	}
}

func (d *dispatcher) OnEvent(kind domain.EventKind, fn func(domain.Event)) {
	d.mu.Lock()
	d.handlers[kind] = fn
	queued := d.pending[kind]
	delete(d.pending, kind)
	d.mu.Unlock()

	for _, ev := range queued {
		fn(ev)
	}
}

func (d *dispatcher) OnPresenceSync(fn func(domain.PresenceState)) {
	d.mu.Lock()
	d.onSync = fn
	snap, synced := maps.Clone(d.presence), d.synced
	d.mu.Unlock()

	if synced {
		fn(snap)
	}
}

func (d *dispatcher) PresenceState() domain.PresenceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.presence)
}

func (d *dispatcher) expectClaim(id string) chan bool {
	ch := make(chan bool, 1)
	d.mu.Lock()
	d.claims[id] = ch
	d.mu.Unlock()
	return ch
}

func (d *dispatcher) dropClaim(id string) {
	d.mu.Lock()
	delete(d.claims, id)
	d.mu.Unlock()
}

func (d *dispatcher) deliverEvent(ev domain.Event) {
	d.mu.Lock()
	fn, ok := d.handlers[ev.Kind]
	if !ok {
		q := append(d.pending[ev.Kind], ev)
		if len(q) > maxPending {
			q = q[len(q)-maxPending:]
		}
		d.pending[ev.Kind] = q
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	fn(ev)
}

func (d *dispatcher) deliverPresence(state domain.PresenceState) {
	if state == nil {
		state = domain.PresenceState{}
	}
	d.mu.Lock()
	d.presence = state
	d.synced = true
	fn := d.onSync
	d.mu.Unlock()

	if fn != nil {
		fn(maps.Clone(state))
	}
}

// handleFrame decodes one envelope from the hub.
func (d *dispatcher) handleFrame(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.logger.Error().Err(err).Msg("bad frame")
		return
	}
	switch env.Type {
	case domain.EnvSubscribed:
		d.subscribedOnce.Do(func() { close(d.subscribed) })
	case domain.EnvBroadcast:
		if env.Event != nil {
			d.deliverEvent(*env.Event)
		}
	case domain.EnvPresenceSync:
		d.deliverPresence(env.Presence)
	case domain.EnvClaimResult:
		d.mu.Lock()
		ch, ok := d.claims[env.ID]
		delete(d.claims, env.ID)
		d.mu.Unlock()
		if ok {
			ch <- env.Granted
		}
	case domain.EnvPong:
	case domain.EnvError:
		d.logger.Warn().Str("error", env.Error).Msg("hub error")
	default:
		d.logger.Warn().Str("type", env.Type).Msg("unknown frame")
	}
}
