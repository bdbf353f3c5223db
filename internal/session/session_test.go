package session

import (
	"testing"

	"github.com/mvolkov/roomsync/internal/model"
)

func TestActiveRoom(t *testing.T) {
	s := New(model.Profile{ID: "u1"})

	if s.ActiveRoomID() != "" {
		t.Errorf("ActiveRoomID = %q, want empty", s.ActiveRoomID())
	}
	if s.IsActive("") {
		t.Error("IsActive(\"\") must be false")
	}

	s.SetActiveRoom("r1")
	if !s.IsActive("r1") {
		t.Error("IsActive(r1) = false after SetActiveRoom")
	}
	if s.IsActive("r2") {
		t.Error("IsActive(r2) = true, want false")
	}
}

func TestClearActiveRoom(t *testing.T) {
	s := New(model.Profile{ID: "u1"})
	s.SetActiveRoom("r1")

	if s.ClearActiveRoom("r2") {
		t.Error("ClearActiveRoom(r2) cleared a different room")
	}
	if !s.IsActive("r1") {
		t.Error("active room lost after mismatched clear")
	}

	if !s.ClearActiveRoom("r1") {
		t.Error("ClearActiveRoom(r1) = false")
	}
	if s.ActiveRoomID() != "" {
		t.Errorf("ActiveRoomID = %q after clear", s.ActiveRoomID())
	}
}

func TestSetUser(t *testing.T) {
	s := New(model.Profile{ID: "u1", Username: "ann"})
	s.SetUser(model.Profile{ID: "u1", Username: "anna"})
	if s.User().Username != "anna" {
		t.Errorf("Username = %q, want anna", s.User().Username)
	}
	if s.UserID() != "u1" {
		t.Errorf("UserID = %q", s.UserID())
	}
}
