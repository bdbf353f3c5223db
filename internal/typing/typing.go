// Package typing manages the ephemeral composition indicator: the local
// Idle/Typing state machine with its debounce, the TTL sweep over stale
// rows, and the set of peers currently typing in the open room.
package typing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"go.uber.org/zap"
)

// Debounce is how long after the last keystroke the Typing state ends.
const Debounce = 2 * time.Second

// TTL is the staleness bound for rows left behind by crashed clients.
const TTL = 5 * time.Second

// Signal is the per-room typing aggregate.
type Signal struct {
	api    backend.API
	bus    *bus.Bus
	sess   *session.Session
	logger *zap.Logger

	mu     sync.Mutex
	roomID string
	typing bool
	timer  *time.Timer
	remote map[string]model.TypingIndicator // peer user id -> live row

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a signal.
func New(api backend.API, b *bus.Bus, sess *session.Session, logger *zap.Logger) *Signal {
	return &Signal{api: api, bus: b, sess: sess, logger: logger}
}

// Start begins the dispatch loop over typing-row change events.
func (s *Signal) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ch, unsub := s.bus.Subscribe("change."+model.TableTyping+".", 64)

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the dispatch loop.
func (s *Signal) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Open attaches the signal to a room. It sweeps rows older than TTL for
// any user, compensating for clients that crashed mid-Typing, and
// unconditionally deletes the local user's own row.
func (s *Signal) Open(ctx context.Context, roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.typing = false
	s.remote = make(map[string]model.TypingIndicator)
	s.stopTimerLocked()
	s.mu.Unlock()

	cutoff := time.Now().Add(-TTL).UTC()
	err := s.api.Delete(ctx, model.TableTyping,
		backend.Eq("room_id", roomID).Where("started_at", backend.OpLt, cutoff))
	if err != nil {
		s.logger.Warn("typing ttl sweep failed", zap.String("room_id", roomID), zap.Error(err))
	}
	s.deleteOwnRow(ctx, roomID)
}

// Close detaches from the room and ends any local Typing state.
func (s *Signal) Close(ctx context.Context) {
	s.StopTyping(ctx)
	s.mu.Lock()
	s.roomID = ""
	s.remote = nil
	s.mu.Unlock()
}

// OnKeystroke drives the Idle/Typing machine from compose-box input. Empty
// content ends the Typing state; the first non-empty keystroke starts it
// with one delete plus one insert round trip; further keystrokes only reset
// the debounce timer.
func (s *Signal) OnKeystroke(ctx context.Context, content string) {
	if content == "" {
		s.StopTyping(ctx)
		return
	}

	s.mu.Lock()
	roomID := s.roomID
	if roomID == "" {
		s.mu.Unlock()
		return
	}
	wasTyping := s.typing
	s.typing = true
	s.stopTimerLocked()
	s.timer = time.AfterFunc(Debounce, s.debounceExpired)
	s.mu.Unlock()

	if wasTyping {
		return
	}

	// Delete-then-insert keeps at most one live row per (room, user).
	// Last writer wins on races.
	s.deleteOwnRow(ctx, roomID)
	row := model.TypingIndicator{RoomID: roomID, UserID: s.sess.UserID(), StartedAt: time.Now().UTC()}
	if _, err := s.api.Insert(ctx, model.TableTyping, row); err != nil {
		s.logger.Warn("typing insert failed", zap.Error(err))
		s.mu.Lock()
		s.typing = false
		s.stopTimerLocked()
		s.mu.Unlock()
	}
}

func (s *Signal) debounceExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.StopTyping(ctx)
}

// StopTyping transitions Typing to Idle, deleting the self-row. Calling it
// while already Idle is a no-op. Sending a message routes through here.
func (s *Signal) StopTyping(ctx context.Context) {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.stopTimerLocked()
	roomID := s.roomID
	s.mu.Unlock()

	if roomID != "" {
		s.deleteOwnRow(ctx, roomID)
	}
}

// stopTimerLocked cancels the debounce timer. Clearing one that already
// fired is a no-op.
func (s *Signal) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Signal) deleteOwnRow(ctx context.Context, roomID string) {
	err := s.api.Delete(ctx, model.TableTyping,
		backend.Eq("room_id", roomID).Where("user_id", backend.OpEq, s.sess.UserID()))
	if err != nil {
		s.logger.Warn("typing self-cleanup failed", zap.Error(err))
	}
}

// Peers returns the user ids currently typing in the open room, sorted for
// stable rendering.
func (s *Signal) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.remote))
	for id := range s.remote {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Signal) handleEvent(evt bus.Event) {
	change, ok := evt.Payload.(*bus.Change)
	if !ok {
		return
	}
	switch change.Action {
	case bus.ActionInsert:
		s.onInserted(change)
	case bus.ActionDelete:
		s.onDeleted(change)
	}
}

func (s *Signal) onInserted(c *bus.Change) {
	row, ok := decodeRow(c.New, s.logger)
	if !ok || row.UserID == s.sess.UserID() || !s.sess.IsActive(row.RoomID) {
		return
	}
	s.mu.Lock()
	changed := false
	if s.remote != nil && s.roomID == row.RoomID {
		// Keyed by user id so duplicate rows cannot show a peer twice.
		s.remote[row.UserID] = row
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.bus.Emit("typing.changed", row.RoomID)
	}
}

// onDeleted removes a peer by user id when the delete payload carries it,
// falling back to the row id otherwise.
func (s *Signal) onDeleted(c *bus.Change) {
	row, ok := decodeRow(c.Old, s.logger)
	if !ok {
		return
	}
	s.mu.Lock()
	changed := false
	if row.UserID != "" {
		if _, present := s.remote[row.UserID]; present {
			delete(s.remote, row.UserID)
			changed = true
		}
	} else if row.ID != "" {
		for uid, r := range s.remote {
			if r.ID == row.ID {
				delete(s.remote, uid)
				changed = true
			}
		}
	}
	roomID := s.roomID
	s.mu.Unlock()
	if changed {
		s.bus.Emit("typing.changed", roomID)
	}
}

func decodeRow(raw json.RawMessage, logger *zap.Logger) (model.TypingIndicator, bool) {
	var row model.TypingIndicator
	if raw == nil {
		return row, false
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		logger.Warn("undecodable typing payload", zap.Error(err))
		return row, false
	}
	return row, true
}
