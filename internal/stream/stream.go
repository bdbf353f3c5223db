// Package stream owns the ordered message list for the single room that is
// currently open. It is torn down and rebuilt on every room switch; events
// for any other room are discarded at dispatch time.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"github.com/mvolkov/roomsync/internal/uploads"
	"go.uber.org/zap"
)

// ErrBusy is returned when a send is already in flight. Double-submits are
// guarded locally rather than deduplicated by the backend.
var ErrBusy = errors.New("stream: send already in flight")

// ErrNotAuthor is the advisory rejection for editing or deleting someone
// else's message. The backend enforces the real policy.
var ErrNotAuthor = errors.New("stream: not the message author")

// TypingCanceler clears the local user's typing indicator. Sending a
// message counts as a stop-typing intent.
type TypingCanceler interface {
	StopTyping(ctx context.Context)
}

// Item is a message joined with its author profile.
type Item struct {
	Message model.Message
	Author  model.Profile
}

// Stream is the open-room message aggregate.
type Stream struct {
	api      backend.API
	pipeline *uploads.Pipeline
	bus      *bus.Bus
	sess     *session.Session
	logger   *zap.Logger
	typing   TypingCanceler

	mu      sync.Mutex
	room    model.Room
	items   []Item
	authors map[string]model.Profile
	sending bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stream.
func New(api backend.API, pipeline *uploads.Pipeline, b *bus.Bus, sess *session.Session, logger *zap.Logger) *Stream {
	return &Stream{api: api, pipeline: pipeline, bus: b, sess: sess, logger: logger}
}

// SetTyping wires the typing signal so sends clear the indicator first.
func (s *Stream) SetTyping(t TypingCanceler) { s.typing = t }

// Start begins the dispatch loop. It runs for the whole session; which room
// an event belongs to is checked when the event is handled, not when the
// subscription was made, so late events for a closed room are discarded.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ch, unsub := s.bus.Subscribe("change."+model.TableMessages+".", 256)

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the dispatch loop.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Open loads the room's messages oldest-first with their authors resolved
// in one batched lookup, then advances the read watermark.
func (s *Stream) Open(ctx context.Context, room model.Room) error {
	raw, err := s.api.Select(ctx, model.TableMessages,
		backend.Eq("room_id", room.ID).Order("created_at", true))
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	msgs, err := backend.All[model.Message](raw)
	if err != nil {
		return err
	}

	authorIDs := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			authorIDs = append(authorIDs, m.UserID)
		}
	}
	authors := make(map[string]model.Profile, len(authorIDs))
	if len(authorIDs) > 0 {
		rawAuthors, err := s.api.Select(ctx, model.TableProfiles,
			backend.Query{}.Where("id", backend.OpIn, authorIDs))
		if err != nil {
			return fmt.Errorf("load authors: %w", err)
		}
		ps, err := backend.All[model.Profile](rawAuthors)
		if err != nil {
			return err
		}
		for _, p := range ps {
			authors[p.ID] = p
		}
	}

	items := make([]Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, Item{Message: m, Author: authors[m.UserID]})
	}

	s.mu.Lock()
	s.room = room
	s.items = items
	s.authors = authors
	s.mu.Unlock()

	if err := s.MarkAsRead(ctx); err != nil {
		s.logger.Warn("mark-as-read on open failed", zap.String("room_id", room.ID), zap.Error(err))
	}
	s.bus.Emit("stream.opened", room.ID)
	return nil
}

// Close drops the open room's state.
func (s *Stream) Close() {
	s.mu.Lock()
	roomID := s.room.ID
	s.room = model.Room{}
	s.items = nil
	s.authors = nil
	s.mu.Unlock()
	if roomID != "" {
		s.bus.Emit("stream.closed", roomID)
	}
}

// Room returns the currently open room.
func (s *Stream) Room() model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Messages returns a snapshot of the open room's messages, oldest first.
func (s *Stream) Messages() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Stream) handleEvent(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(*bus.Change)
	if !ok {
		return
	}
	switch change.Action {
	case bus.ActionInsert:
		s.onInserted(ctx, change)
	case bus.ActionUpdate:
		s.onUpdated(change)
	case bus.ActionDelete:
		s.onDeleted(change)
	}
}

func (s *Stream) onInserted(ctx context.Context, c *bus.Change) {
	msg, ok := decodeMessage(c.New, s.logger)
	if !ok || !s.sess.IsActive(msg.RoomID) {
		return
	}

	author, err := s.author(ctx, msg.UserID)
	if err != nil {
		s.logger.Warn("author lookup failed", zap.String("user_id", msg.UserID), zap.Error(err))
	}

	s.mu.Lock()
	if s.room.ID != msg.RoomID || s.containsLocked(msg.ID) {
		s.mu.Unlock()
		return
	}
	s.insertSortedLocked(Item{Message: msg, Author: author})
	s.mu.Unlock()
	s.bus.Emit("stream.updated", msg.ID)

	// Keep the watermark current while the room is open so its badge never
	// shows unread.
	if msg.UserID != s.sess.UserID() {
		if err := s.MarkAsRead(ctx); err != nil {
			s.logger.Warn("mark-as-read on arrival failed", zap.Error(err))
		}
	}
}

func (s *Stream) onUpdated(c *bus.Change) {
	msg, ok := decodeMessage(c.New, s.logger)
	if !ok || !s.sess.IsActive(msg.RoomID) {
		return
	}
	s.mu.Lock()
	changed := false
	for i := range s.items {
		if s.items[i].Message.ID == msg.ID {
			s.items[i].Message = msg
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.bus.Emit("stream.updated", msg.ID)
	}
}

func (s *Stream) onDeleted(c *bus.Change) {
	msg, ok := decodeMessage(c.Old, s.logger)
	if !ok {
		return
	}
	s.mu.Lock()
	kept := s.items[:0]
	changed := false
	for _, it := range s.items {
		if it.Message.ID == msg.ID {
			changed = true
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	s.mu.Unlock()
	if changed {
		s.bus.Emit("stream.updated", msg.ID)
	}
}

func (s *Stream) containsLocked(id string) bool {
	for _, it := range s.items {
		if it.Message.ID == id {
			return true
		}
	}
	return false
}

// insertSortedLocked places the item at its created_at position. Events can
// arrive out of order, so appending is not enough.
func (s *Stream) insertSortedLocked(it Item) {
	i := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].Message.CreatedAt.After(it.Message.CreatedAt)
	})
	s.items = append(s.items, Item{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
}

func (s *Stream) author(ctx context.Context, userID string) (model.Profile, error) {
	s.mu.Lock()
	if p, ok := s.authors[userID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	raw, err := s.api.Single(ctx, model.TableProfiles, backend.Eq("id", userID))
	if err != nil {
		return model.Profile{}, err
	}
	p, err := backend.One[model.Profile](raw)
	if err != nil {
		return model.Profile{}, err
	}
	s.mu.Lock()
	if s.authors != nil {
		s.authors[userID] = p
	}
	s.mu.Unlock()
	return p, nil
}

// Send uploads the attachments and inserts the message row. A message with
// neither text nor files is never sent. The local list is not touched; the
// insert event coming back from the feed is the single source of truth.
func (s *Stream) Send(ctx context.Context, content string, files []uploads.File) error {
	return s.send(ctx, content, func(ctx context.Context) []model.Attachment {
		return s.pipeline.UploadAll(ctx, files)
	}, len(files) > 0)
}

// SendVoice sends a recorded-audio blob as a voice message.
func (s *Stream) SendVoice(ctx context.Context, data []byte, duration float64) error {
	return s.send(ctx, "", func(ctx context.Context) []model.Attachment {
		att, err := s.pipeline.UploadVoice(ctx, data, duration)
		if err != nil {
			s.logger.Warn("voice upload failed", zap.Error(err))
			return nil
		}
		return []model.Attachment{att}
	}, len(data) > 0)
}

func (s *Stream) send(ctx context.Context, content string, upload func(context.Context) []model.Attachment, hasFiles bool) error {
	if strings.TrimSpace(content) == "" && !hasFiles {
		return nil
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return ErrBusy
	}
	s.sending = true
	roomID := s.room.ID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}()

	if roomID == "" {
		return errors.New("stream: no room open")
	}

	// Sending is a stop-typing intent regardless of whether the insert
	// succeeds.
	if s.typing != nil {
		s.typing.StopTyping(ctx)
	}

	attachments := upload(ctx)
	msg := model.Message{
		RoomID:      roomID,
		UserID:      s.sess.UserID(),
		Content:     content,
		Attachments: attachments,
	}
	if msg.Empty() {
		// Every upload failed and there was no text.
		return errors.New("stream: nothing left to send")
	}
	if _, err := s.api.Insert(ctx, model.TableMessages, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Edit rewrites a message's content. Only the author may edit, and an edit
// to emptiness is a no-op rather than a delete.
func (s *Stream) Edit(ctx context.Context, messageID, newContent string) error {
	if strings.TrimSpace(newContent) == "" {
		return nil
	}
	msg, ok := s.find(messageID)
	if !ok {
		return backend.ErrNotFound
	}
	if msg.UserID != s.sess.UserID() {
		return ErrNotAuthor
	}
	err := s.api.Update(ctx, model.TableMessages, backend.Eq("id", messageID), map[string]any{
		"content":    newContent,
		"is_edited":  true,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// Delete removes a message row. Permitted for the author, or for the group
// admin in group rooms. Hard delete, no tombstone.
func (s *Stream) Delete(ctx context.Context, messageID string) error {
	msg, ok := s.find(messageID)
	if !ok {
		return backend.ErrNotFound
	}
	s.mu.Lock()
	admin := s.room.AdminID()
	s.mu.Unlock()
	me := s.sess.UserID()
	if msg.UserID != me && admin != me {
		return ErrNotAuthor
	}
	if err := s.api.Delete(ctx, model.TableMessages, backend.Eq("id", messageID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *Stream) find(messageID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.Message.ID == messageID {
			return it.Message, true
		}
	}
	return model.Message{}, false
}

// MarkAsRead advances the caller's read watermark and flips is_read on the
// room's messages authored by others.
func (s *Stream) MarkAsRead(ctx context.Context) error {
	s.mu.Lock()
	roomID := s.room.ID
	s.mu.Unlock()
	if roomID == "" {
		return nil
	}
	me := s.sess.UserID()

	err := s.api.Update(ctx, model.TableMembers,
		backend.Eq("room_id", roomID).Where("user_id", backend.OpEq, me),
		map[string]any{"last_read_at": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	err = s.api.Update(ctx, model.TableMessages,
		backend.Eq("room_id", roomID).
			Where("user_id", backend.OpNeq, me).
			Where("is_read", backend.OpEq, false),
		map[string]any{"is_read": true})
	if err != nil {
		return fmt.Errorf("flip read flags: %w", err)
	}
	return nil
}

func decodeMessage(raw []byte, logger *zap.Logger) (model.Message, bool) {
	var m model.Message
	if raw == nil {
		return m, false
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		logger.Warn("undecodable message payload", zap.Error(err))
		return m, false
	}
	return m, true
}
