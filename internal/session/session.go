// Package session holds the explicit session context shared by the sync
// components: the signed-in profile and the single mutable active-room id.
// Event handlers read the active room at dispatch time, never from a value
// captured at subscription time, so late-arriving events for a room that is
// no longer open can self-discard.
package session

import (
	"sync"

	"github.com/mvolkov/roomsync/internal/model"
)

// Session is the per-sign-in context object.
type Session struct {
	mu         sync.RWMutex
	user       model.Profile
	activeRoom string
}

// New creates a session for the signed-in user.
func New(user model.Profile) *Session {
	return &Session{user: user}
}

// User returns a copy of the signed-in profile.
func (s *Session) User() model.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// UserID returns the signed-in user id.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.ID
}

// SetUser replaces the cached profile (after a profile edit).
func (s *Session) SetUser(p model.Profile) {
	s.mu.Lock()
	s.user = p
	s.mu.Unlock()
}

// SetActiveRoom records the currently open room; "" means none.
func (s *Session) SetActiveRoom(roomID string) {
	s.mu.Lock()
	s.activeRoom = roomID
	s.mu.Unlock()
}

// ActiveRoomID returns the currently open room id, or "".
func (s *Session) ActiveRoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRoom
}

// IsActive reports whether roomID is the currently open room.
func (s *Session) IsActive(roomID string) bool {
	return roomID != "" && s.ActiveRoomID() == roomID
}

// ClearActiveRoom resets the active room if it matches roomID. Used when a
// room disappears underneath the open view.
func (s *Session) ClearActiveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRoom == roomID {
		s.activeRoom = ""
		return true
	}
	return false
}
