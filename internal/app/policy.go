package app

import (
	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a subscriber whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, sid core.SessionID, strikes int) BackpressureAction
}

// SimplePolicy drops frames until a subscriber has missed MaxStrikes in a row, then kicks it.
type SimplePolicy struct {
	MaxStrikes int
}

func (p SimplePolicy) OnBackPressure(_ domain.RoomID, _ core.SessionID, strikes int) BackpressureAction {
	if p.MaxStrikes > 0 && strikes >= p.MaxStrikes {
		return KickMember
	}
	return DropFrame
}
