package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewParticipant(t *testing.T) {
	p, err := NewParticipant("alice", "")
	if err != nil {
		t.Fatalf("new participant: %v", err)
	}
	if p.ID != "alice" || p.Name != "User" {
		t.Fatalf("unexpected participant %+v", p)
	}

	p, err = NewParticipant("", "Bob")
	if err != nil || p.ID == "" || p.Name != "Bob" {
		t.Fatalf("expected generated id, got %+v err=%v", p, err)
	}

	if _, err := NewParticipant("carol", strings.Repeat("x", MaxNameLen+1)); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
	if _, err := NewParticipant(strings.Repeat("x", MaxParticipantIDLen+1), "Dave"); !errors.Is(err, ErrParticipantIDTooLong) {
		t.Fatalf("expected ErrParticipantIDTooLong, got %v", err)
	}
}

func TestRoomDepartment(t *testing.T) {
	dept, err := RoomFor("eng").Department()
	if err != nil || dept != "eng" {
		t.Fatalf("round trip: %q %v", dept, err)
	}
	for _, bad := range []RoomID{"", "meeting:", "dept:eng", "eng"} {
		if _, err := bad.Department(); !errors.Is(err, ErrBadRoomID) {
			t.Fatalf("%q: expected ErrBadRoomID, got %v", bad, err)
		}
	}
}
