package domain

import (
	"fmt"
	"strings"
)

type (
	RoomID       string
	DepartmentID string
	ChatID       string
)

const roomPrefix = "meeting:"

// RoomFor derives the meeting room of a department.
func RoomFor(dept DepartmentID) RoomID {
	return RoomID(roomPrefix + string(dept))
}

// Department returns the department a meeting room belongs to.
func (r RoomID) Department() (DepartmentID, error) {
	s := string(r)
	if !strings.HasPrefix(s, roomPrefix) || len(s) == len(roomPrefix) {
		return "", fmt.Errorf("room %q: %w", s, ErrBadRoomID)
	}
	return DepartmentID(strings.TrimPrefix(s, roomPrefix)), nil
}

// RoomState is the lifecycle of a room as seen by one participant.
type RoomState string

const (
	RoomIdle    RoomState = "idle"
	RoomJoining RoomState = "joining"
	RoomActive  RoomState = "active"
	RoomLeaving RoomState = "leaving"
	RoomClosed  RoomState = "closed"
)
