package signal

import (
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleBroadcast(
	sid core.SessionID,
	conn *WsSignalConn,
	room domain.RoomID,
	user domain.ParticipantID,
	env domain.Envelope,
) {
	if env.Event == nil || env.Event.Kind == "" {
		ctl.sendError(conn, "bad_payload")
		return
	}
	if env.Event.Kind == domain.EventPresenceSync {
		// presence snapshots come from the hub only
		ctl.sendError(conn, "reserved_kind")
		return
	}
	if !ctl.Limiter.Allow(user) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user)).Msg("broadcast rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}

	ev := *env.Event
	ev.SenderID = user
	ctl.Hub.Broadcast(room, sid, ev)
}

func (ctl *SignalWSController) handleTrack(
	sid core.SessionID,
	conn *WsSignalConn,
	room domain.RoomID,
	env domain.Envelope,
) {
	meta := domain.PresenceMeta{JoinedAt: time.Now().UTC()}
	if env.Meta != nil {
		meta = *env.Meta
		if meta.JoinedAt.IsZero() {
			meta.JoinedAt = time.Now().UTC()
		}
	}
	if !ctl.Hub.Track(room, sid, meta) {
		ctl.sendError(conn, "not_subscribed")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(room)).Msg("presence tracked")
}

func (ctl *SignalWSController) handleClaim(
	sid core.SessionID,
	conn *WsSignalConn,
	room domain.RoomID,
	env domain.Envelope,
) {
	granted := ctl.Hub.ClaimLastLeaver(room, sid)
	ctl.sendJSON(conn, domain.Envelope{Type: domain.EnvClaimResult, ID: env.ID, Granted: granted})
}
