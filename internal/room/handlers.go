package room

import (
	"context"
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
)

const publishTimeout = 5 * time.Second

func (c *Coordinator) event(kind domain.EventKind, target domain.ParticipantID, payload any) (domain.Event, error) {
	ev, err := domain.NewEvent(kind, c.self, payload)
	if err != nil {
		return ev, err
	}
	ev.TargetID = target
	ev.Session = c.session
	return ev, nil
}

func (c *Coordinator) send(kind domain.EventKind, target domain.ParticipantID, payload any) {
	ev, err := c.event(kind, target, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("kind", string(kind)).Msg("encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.handle.Publish(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(kind)).Str("target", string(target)).Msg("publish")
	}
}

func (c *Coordinator) announce(target domain.ParticipantID) {
	c.send(domain.EventJoined, target, domain.JoinedPayload{Name: c.opts.Self.Name, AvatarURL: c.opts.Self.AvatarURL})
}

func (c *Coordinator) announceStart(target domain.ParticipantID) {
	start := c.StartedAt()
	if start.IsZero() {
		return
	}
	c.send(domain.EventMeetingStarted, target, domain.MeetingStartedPayload{StartTime: start.UnixMilli()})
}

// accept filters events the loop should act on: remote, addressed to us,
// and only while the room is live.
func (c *Coordinator) accept(ev domain.Event) bool {
	switch c.State() {
	case domain.RoomJoining, domain.RoomActive:
	default:
		return false
	}
	if ev.SenderID == "" || ev.SenderID == c.self {
		return false
	}
	return ev.TargetID == "" || ev.TargetID == c.self
}

func (c *Coordinator) participantInfo(id domain.ParticipantID) domain.Participant {
	if p, ok := c.participants[id]; ok {
		return p.info
	}
	return domain.Participant{ID: id}
}

// learn registers an unknown participant. Loop only.
func (c *Coordinator) learn(id domain.ParticipantID, name, avatar, session string) *participantEntry {
	if name == "" {
		name = "User"
	}
	p := &participantEntry{info: domain.Participant{ID: id, Name: name, AvatarURL: avatar}, session: session}
	c.mu.Lock()
	c.participants[id] = p
	c.mu.Unlock()
	c.logger.Info().Str("remote", string(id)).Str("name", name).Msg("participant joined")
	c.notify(Notice{Kind: NoticeJoined, Participant: p.info})
	return p
}

func (c *Coordinator) onJoined(ev domain.Event) {
	if !c.accept(ev) {
		return
	}
	var p domain.JoinedPayload
	if err := ev.Decode(&p); err != nil {
		c.logger.Warn().Err(err).Msg("bad joined payload")
		return
	}
	id := ev.SenderID

	existing, known := c.participants[id]
	switch {
	case !known:
		existing = c.learn(id, p.Name, p.AvatarURL, ev.Session)
		c.ensureLink(id)
	case existing.session == ev.Session, existing.session == "":
		// a repeat, or the first joined after presence or an offer introduced them
		c.updateParticipant(existing, p, ev.Session)
		c.ensureLink(id)
	default:
		c.logger.Info().Str("remote", string(id)).Msg("participant rejoined, replacing link")
		c.updateParticipant(existing, p, ev.Session)
		c.replaceLink(id)
	}

	// once per session: tell the newcomer who we are and when the meeting began
	if !existing.greeted {
		existing.greeted = true
		c.announceStart(id)
		c.announce(id)
	}
}

func (c *Coordinator) updateParticipant(e *participantEntry, p domain.JoinedPayload, session string) {
	c.mu.Lock()
	if e.session != session {
		e.greeted = false
	}
	e.session = session
	if p.Name != "" {
		e.info.Name = p.Name
	}
	if p.AvatarURL != "" {
		e.info.AvatarURL = p.AvatarURL
	}
	c.mu.Unlock()
}

func (c *Coordinator) onOffer(ev domain.Event) {
	if !c.accept(ev) {
		return
	}
	var p domain.DescriptionPayload
	if err := ev.Decode(&p); err != nil || p.LinkID == "" {
		c.logger.Warn().Err(err).Msg("bad offer payload")
		return
	}
	id := ev.SenderID
	if core.RoleFor(c.self, id) == core.RoleOfferer {
		c.logger.Warn().Str("remote", string(id)).Msg("offer from answerer side ignored")
		return
	}
	if _, known := c.participants[id]; !known {
		c.learn(id, "", "", ev.Session)
	}

	e, ok := c.links[id]
	fresh := true
	switch {
	case !ok || e.link.State() == core.LinkClosed:
		e = c.createLink(id, core.RoleAnswerer)
	case !e.link.AdoptLinkID(p.LinkID):
		c.logger.Info().Str("remote", string(id)).Str("link", p.LinkID).Msg("offer for new link, replacing")
		e = c.createLink(id, core.RoleAnswerer)
	default:
		fresh = false
	}
	if e == nil {
		return
	}
	if fresh && ev.Session != "" {
		// the link now belongs to this session; its joined must not replace it
		c.updateParticipant(c.participants[id], domain.JoinedPayload{}, ev.Session)
	}
	e.link.AdoptLinkID(p.LinkID)

	if err := e.link.ApplyRemoteDescription(p.Description); err != nil {
		c.logger.Error().Err(err).Str("remote", string(id)).Msg("apply offer")
		return
	}
	answer, err := e.link.CreateLocalAnswer()
	if err != nil {
		c.logger.Error().Err(err).Str("remote", string(id)).Msg("create answer")
		return
	}
	c.send(domain.EventAnswer, id, domain.DescriptionPayload{LinkID: p.LinkID, Description: *answer})
}

func (c *Coordinator) onAnswer(ev domain.Event) {
	if !c.accept(ev) {
		return
	}
	var p domain.DescriptionPayload
	if err := ev.Decode(&p); err != nil {
		c.logger.Warn().Err(err).Msg("bad answer payload")
		return
	}
	e, ok := c.links[ev.SenderID]
	if !ok || e.link.LinkID() != p.LinkID {
		c.logger.Debug().Str("remote", string(ev.SenderID)).Msg("answer for unknown link ignored")
		return
	}
	if err := e.link.ApplyRemoteDescription(p.Description); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(ev.SenderID)).Msg("apply answer")
	}
}

func (c *Coordinator) onCandidate(ev domain.Event) {
	if !c.accept(ev) {
		return
	}
	var p domain.CandidatePayload
	if err := ev.Decode(&p); err != nil {
		c.logger.Warn().Err(err).Msg("bad candidate payload")
		return
	}
	// candidates never precede their offer from the same sender
	e, ok := c.links[ev.SenderID]
	if !ok || p.LinkID == "" || e.link.LinkID() != p.LinkID {
		return
	}
	if err := e.link.AddRemoteICECandidate(p.Candidate); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(ev.SenderID)).Msg("add candidate")
	}
}

func (c *Coordinator) onMeetingStarted(ev domain.Event) {
	if !c.accept(ev) {
		return
	}
	var p domain.MeetingStartedPayload
	if err := ev.Decode(&p); err != nil || p.StartTime <= 0 {
		return
	}
	t := p.Time()
	c.mu.Lock()
	if c.startedAt.IsZero() || t.Before(c.startedAt) {
		c.startedAt = t
	}
	c.mu.Unlock()
	if c.recording != nil {
		c.recording.ObserveStart(t)
	}
}

func (c *Coordinator) onLeft(ev domain.Event) {
	if !c.accept(ev) {
		return
	}
	id := ev.SenderID
	p, known := c.participants[id]
	if !known {
		return
	}
	if p.session != "" && ev.Session != "" && p.session != ev.Session {
		// an older session of a participant who already rejoined
		return
	}
	c.dropLink(id)
	c.mu.Lock()
	delete(c.participants, id)
	c.mu.Unlock()
	c.logger.Info().Str("remote", string(id)).Msg("participant left")
	c.notify(Notice{Kind: NoticeLeft, Participant: p.info})
}

// onPresenceSync only adds. Removal happens on an explicit left.
func (c *Coordinator) onPresenceSync(state domain.PresenceState) {
	switch c.State() {
	case domain.RoomJoining, domain.RoomActive:
	default:
		return
	}
	for id, meta := range state {
		if id == c.self || id == "" {
			continue
		}
		if _, known := c.participants[id]; known {
			continue
		}
		c.learn(id, meta.UserName, "", "")
		c.ensureLink(id)
	}
}
