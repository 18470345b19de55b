package app

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type subscriber struct {
	sid     core.SessionID
	user    domain.ParticipantID
	conn    core.SignalConnection
	meta    *domain.PresenceMeta
	strikes int
}

// Topic is one room: subscribers, their presence and the last-leaver claim.
// It never closes adapter-owned resources except on a kick.
type Topic struct {
	id      domain.RoomID
	mu      sync.RWMutex
	subs    map[core.SessionID]*subscriber
	claimed bool
}

func newTopic(id domain.RoomID) *Topic {
	return &Topic{id: id, subs: make(map[core.SessionID]*subscriber)}
}

func (t *Topic) ID() domain.RoomID { return t.id }

func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// presenceLocked builds the snapshot; caller holds t.mu.
func (t *Topic) presenceLocked() domain.PresenceState {
	out := make(domain.PresenceState)
	for _, s := range t.subs {
		if s.meta != nil {
			out[s.user] = *s.meta
		}
	}
	return out
}

func (t *Topic) Presence() domain.PresenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.presenceLocked()
}

type RoomInfo struct {
	Room        domain.RoomID       `json:"room"`
	Department  domain.DepartmentID `json:"department"`
	Subscribers int                 `json:"subscribers"`
	Present     int                 `json:"present"`
}

// Hub is the in-memory broadcast+presence transport. Safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	topics map[domain.RoomID]*Topic
	policy Policy
}

func NewHub(policy Policy) *Hub {
	if policy == nil {
		policy = SimplePolicy{MaxStrikes: 64}
	}
	return &Hub{topics: make(map[domain.RoomID]*Topic), policy: policy}
}

func (h *Hub) getOrCreate(room domain.RoomID) *Topic {
	h.mu.RLock()
	t, ok := h.topics[room]
	h.mu.RUnlock()
	if ok {
		return t
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[room]; ok {
		return t
	}
	t = newTopic(room)
	h.topics[room] = t
	return t
}

func (h *Hub) topic(room domain.RoomID) (*Topic, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[room]
	return t, ok
}

// Subscribe adds conn to room and sends it the ack and the current presence.
func (h *Hub) Subscribe(room domain.RoomID, sid core.SessionID, user domain.ParticipantID, conn core.SignalConnection) *Topic {
	for {
		t := h.getOrCreate(room)
		// hold h.mu so Prune cannot drop the topic under us
		h.mu.RLock()
		if h.topics[room] != t {
			h.mu.RUnlock()
			continue
		}
		t.mu.Lock()
		t.subs[sid] = &subscriber{sid: sid, user: user, conn: conn}
		send(conn, domain.Envelope{Type: domain.EnvSubscribed, Room: room})
		send(conn, domain.Envelope{Type: domain.EnvPresenceSync, Room: room, Presence: t.presenceLocked()})
		t.mu.Unlock()
		h.mu.RUnlock()

		log.Info().Str("module", "app.hub").Str("room", string(room)).Str("sid", string(sid)).Str("user", string(user)).Msg("subscribed")
		return t
	}
}

// Unsubscribe removes sid. A tracked subscriber leaving triggers a presence sync.
func (h *Hub) Unsubscribe(room domain.RoomID, sid core.SessionID) {
	t, ok := h.topic(room)
	if !ok {
		return
	}
	t.mu.Lock()
	s, ok := t.subs[sid]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.subs, sid)
	wasTracked := s.meta != nil
	t.mu.Unlock()

	log.Info().Str("module", "app.hub").Str("room", string(room)).Str("sid", string(sid)).Msg("unsubscribed")
	if wasTracked {
		h.sync(t)
	}
}

// Broadcast delivers ev to every subscriber of room, sender included.
func (h *Hub) Broadcast(room domain.RoomID, from core.SessionID, ev domain.Event) core.PublishResult {
	res := core.PublishResult{}
	t, ok := h.topic(room)
	if !ok {
		return res
	}
	frame, err := encode(domain.Envelope{Type: domain.EnvBroadcast, Room: room, Event: &ev})
	if err != nil {
		log.Error().Err(err).Str("module", "app.hub").Msg("encode broadcast")
		return res
	}
	res = h.fanOut(t, frame)
	log.Debug().Str("module", "app.hub").Str("from", string(from)).Str("kind", string(ev.Kind)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (h *Hub) fanOut(t *Topic, frame core.Frame) core.PublishResult {
	res := core.PublishResult{}
	var kick []core.SessionID

	t.mu.Lock()
	for sid, s := range t.subs {
		if err := s.conn.TrySend(frame); err != nil {
			s.strikes++
			res.Dropped = append(res.Dropped, sid)
			if h.policy.OnBackPressure(t.id, sid, s.strikes) == KickMember {
				kick = append(kick, sid)
			}
			continue
		}
		s.strikes = 0
		res.SendTo++
	}
	t.mu.Unlock()

	for _, sid := range kick {
		h.kick(t, sid)
	}
	return res
}

func (h *Hub) kick(t *Topic, sid core.SessionID) {
	t.mu.RLock()
	s, ok := t.subs[sid]
	t.mu.RUnlock()
	if !ok {
		return
	}
	log.Warn().Str("module", "app.hub").Str("room", string(t.id)).Str("sid", string(sid)).Msg("kicking slow subscriber")
	s.conn.Close()
	h.Unsubscribe(t.id, sid)
}

// Track sets the presence of sid. The tracked id is always the subscriber's own.
func (h *Hub) Track(room domain.RoomID, sid core.SessionID, meta domain.PresenceMeta) bool {
	t, ok := h.topic(room)
	if !ok {
		return false
	}
	t.mu.Lock()
	s, ok := t.subs[sid]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if len(t.presenceLocked()) == 0 {
		// a new meeting starts in this room
		t.claimed = false
	}
	meta.UserID = s.user
	s.meta = &meta
	t.mu.Unlock()

	h.sync(t)
	return true
}

func (h *Hub) Untrack(room domain.RoomID, sid core.SessionID) bool {
	t, ok := h.topic(room)
	if !ok {
		return false
	}
	t.mu.Lock()
	s, ok := t.subs[sid]
	if !ok || s.meta == nil {
		t.mu.Unlock()
		return false
	}
	s.meta = nil
	t.mu.Unlock()

	h.sync(t)
	return true
}

func (h *Hub) Presence(room domain.RoomID) domain.PresenceState {
	t, ok := h.topic(room)
	if !ok {
		return domain.PresenceState{}
	}
	return t.Presence()
}

// ClaimLastLeaver grants at most one claim per meeting: the claimant must be
// untracked and nobody else may be present.
func (h *Hub) ClaimLastLeaver(room domain.RoomID, sid core.SessionID) bool {
	t, ok := h.topic(room)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.subs[sid]
	if !ok || s.meta != nil || t.claimed {
		return false
	}
	if len(t.presenceLocked()) > 0 {
		return false
	}
	t.claimed = true
	log.Info().Str("module", "app.hub").Str("room", string(room)).Str("user", string(s.user)).Msg("last-leaver claim granted")
	return true
}

func (h *Hub) sync(t *Topic) {
	frame, err := encode(domain.Envelope{Type: domain.EnvPresenceSync, Room: t.id, Presence: t.Presence()})
	if err != nil {
		log.Error().Err(err).Str("module", "app.hub").Msg("encode presence")
		return
	}
	h.fanOut(t, frame)
}

// Prune drops topics without subscribers and returns how many went away.
func (h *Hub) Prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	empty := lo.Filter(lo.Values(h.topics), func(t *Topic, _ int) bool {
		return t.SubscriberCount() == 0
	})
	for _, t := range empty {
		delete(h.topics, t.id)
	}
	if len(empty) > 0 {
		log.Info().Str("module", "app.hub").Int("pruned", len(empty)).Msg("pruned empty rooms")
	}
	return len(empty)
}

func (h *Hub) List() []RoomInfo {
	h.mu.RLock()
	topics := lo.Values(h.topics)
	h.mu.RUnlock()

	out := make([]RoomInfo, 0, len(topics))
	for _, t := range topics {
		dept, _ := t.id.Department()
		out = append(out, RoomInfo{Room: t.id, Department: dept, Subscribers: t.SubscriberCount(), Present: len(t.Presence())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

func encode(env domain.Envelope) (core.Frame, error) {
	return json.Marshal(env)
}

func send(conn core.SignalConnection, env domain.Envelope) {
	frame, err := encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.hub").Msg("encode envelope")
		return
	}
	_ = conn.TrySend(frame)
}

// Send writes one envelope directly to conn.
func Send(conn core.SignalConnection, env domain.Envelope) { send(conn, env) }
