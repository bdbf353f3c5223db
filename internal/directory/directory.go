// Package directory owns the authoritative local list of rooms the
// session's user belongs to, enriched with unread counts, direct-chat
// counterpart profiles and membership-row ids. It reconciles change-feed
// events against that list and is the parent aggregate the message stream
// and typing signal attach to when a room is selected.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"go.uber.org/zap"
)

// Entry pairs a backend-sourced Room row with the locally derived state
// kept beside it. Derived fields are never merged into the Room value, so
// an incoming room update can never clobber them.
type Entry struct {
	Room         model.Room
	Partner      *model.Profile // direct rooms only
	Unread       int
	MembershipID string

	// countedMsgIDs tracks which message ids contributed to Unread, making
	// duplicate insert deliveries idempotent. Cleared when the room is
	// selected and the count resets.
	countedMsgIDs map[string]bool
}

// DisplayName returns the partner's name for direct rooms, the group name
// otherwise.
func (e *Entry) DisplayName() string {
	if e.Room.Kind == model.RoomDirect && e.Partner != nil {
		return e.Partner.DisplayName()
	}
	if e.Room.Name != "" {
		return e.Room.Name
	}
	return "Direct chat"
}

// Directory is the room list aggregate.
type Directory struct {
	api    backend.API
	bus    *bus.Bus
	sess   *session.Session
	logger *zap.Logger

	mu       sync.Mutex
	entries  []*Entry // most recently updated first
	deleting bool

	cancel context.CancelFunc
	done   chan struct{}
}

// ErrBusy is returned when a room deletion is already in flight.
var ErrBusy = errors.New("directory: room deletion already in progress")

// New creates a directory.
func New(api backend.API, b *bus.Bus, sess *session.Session, logger *zap.Logger) *Directory {
	return &Directory{api: api, bus: b, sess: sess, logger: logger}
}

// Start subscribes to the change feed and begins the dispatch loop.
func (d *Directory) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	ch, unsub := d.bus.Subscribe("change.", 256)

	go func() {
		defer close(d.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				d.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the dispatch loop.
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Directory) handleEvent(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(*bus.Change)
	if !ok {
		return
	}
	switch evt.Kind {
	case bus.ChangeKind(model.TableRooms, bus.ActionUpdate):
		d.onRoomUpdated(change)
	case bus.ChangeKind(model.TableRooms, bus.ActionDelete):
		d.onRoomDeleted(change)
	case bus.ChangeKind(model.TableMembers, bus.ActionInsert):
		d.onMembershipInserted(ctx, change)
	case bus.ChangeKind(model.TableMembers, bus.ActionDelete):
		d.onMembershipDeleted(ctx, change)
	case bus.ChangeKind(model.TableProfiles, bus.ActionUpdate):
		d.onProfileUpdated(change)
	case bus.ChangeKind(model.TableMessages, bus.ActionInsert):
		d.onMessageInserted(change)
	}
}

func decodeRow[T any](raw json.RawMessage, logger *zap.Logger, what string) (T, bool) {
	var v T
	if raw == nil {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warn("undecodable change payload", zap.String("entity", what), zap.Error(err))
		return v, false
	}
	return v, true
}

// LoadInitial fetches the user's rooms, resolves direct-chat counterparts
// with a single batched membership lookup, and computes unread counts.
// Direct rooms whose counterpart cannot be resolved are dropped and logged
// as a data-integrity anomaly.
func (d *Directory) LoadInitial(ctx context.Context) error {
	me := d.sess.UserID()

	rawMembers, err := d.api.Select(ctx, model.TableMembers, backend.Eq("user_id", me))
	if err != nil {
		return fmt.Errorf("load memberships: %w", err)
	}
	memberships, err := backend.All[model.Membership](rawMembers)
	if err != nil {
		return err
	}
	if len(memberships) == 0 {
		d.mu.Lock()
		d.entries = nil
		d.mu.Unlock()
		d.bus.Emit("directory.updated", 0)
		return nil
	}

	roomIDs := make([]string, 0, len(memberships))
	byRoom := make(map[string]model.Membership, len(memberships))
	for _, m := range memberships {
		roomIDs = append(roomIDs, m.RoomID)
		byRoom[m.RoomID] = m
	}

	rawRooms, err := d.api.Select(ctx, model.TableRooms,
		backend.Query{}.Where("id", backend.OpIn, roomIDs).Order("updated_at", false))
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	rooms, err := backend.All[model.Room](rawRooms)
	if err != nil {
		return err
	}

	// One batched lookup for every counterpart membership, regardless of
	// room count.
	rawOthers, err := d.api.Select(ctx, model.TableMembers,
		backend.Query{}.Where("room_id", backend.OpIn, roomIDs).Where("user_id", backend.OpNeq, me))
	if err != nil {
		return fmt.Errorf("load counterpart memberships: %w", err)
	}
	others, err := backend.All[model.Membership](rawOthers)
	if err != nil {
		return err
	}
	partnerByRoom := make(map[string]string)
	partnerIDs := make([]string, 0, len(others))
	for _, m := range others {
		if _, seen := partnerByRoom[m.RoomID]; !seen {
			partnerByRoom[m.RoomID] = m.UserID
			partnerIDs = append(partnerIDs, m.UserID)
		}
	}

	profiles := make(map[string]model.Profile)
	if len(partnerIDs) > 0 {
		rawProfiles, err := d.api.Select(ctx, model.TableProfiles,
			backend.Query{}.Where("id", backend.OpIn, partnerIDs))
		if err != nil {
			return fmt.Errorf("load partner profiles: %w", err)
		}
		ps, err := backend.All[model.Profile](rawProfiles)
		if err != nil {
			return err
		}
		for _, p := range ps {
			profiles[p.ID] = p
		}
	}

	entries := make([]*Entry, 0, len(rooms))
	for _, room := range rooms {
		m := byRoom[room.ID]
		e := &Entry{Room: room, MembershipID: m.ID}

		if room.Kind == model.RoomDirect {
			pid, ok := partnerByRoom[room.ID]
			if !ok {
				d.logger.Warn("dropping direct room with no counterpart membership",
					zap.String("room_id", room.ID))
				continue
			}
			p, ok := profiles[pid]
			if !ok {
				d.logger.Warn("dropping direct room with unresolvable counterpart profile",
					zap.String("room_id", room.ID), zap.String("partner_id", pid))
				continue
			}
			e.Partner = &p
		}

		unread, err := d.api.Count(ctx, model.TableMessages, backend.Query{}.
			Where("room_id", backend.OpEq, room.ID).
			Where("user_id", backend.OpNeq, me).
			Where("created_at", backend.OpGt, m.LastReadAt))
		if err != nil {
			d.logger.Warn("unread count failed", zap.String("room_id", room.ID), zap.Error(err))
		} else {
			e.Unread = unread
		}

		entries = append(entries, e)
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()
	d.bus.Emit("directory.updated", len(entries))
	return nil
}

// Rooms returns a snapshot of the current entries.
func (d *Directory) Rooms() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	return out
}

// Get returns the entry for a room id.
func (d *Directory) Get(roomID string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.Room.ID == roomID {
			return *e, true
		}
	}
	return Entry{}, false
}

// SelectRoom makes the room active and resets its unread count locally.
// The durable read-receipt write is the message stream's responsibility.
func (d *Directory) SelectRoom(roomID string) {
	d.sess.SetActiveRoom(roomID)
	d.mu.Lock()
	for _, e := range d.entries {
		if e.Room.ID == roomID {
			e.Unread = 0
			e.countedMsgIDs = nil
		}
	}
	d.mu.Unlock()
	d.bus.Emit("directory.updated", roomID)
}

// Upsert adds a room produced by a local create action, deduplicating
// against an entry the membership-insert event may already have added.
func (d *Directory) Upsert(e Entry) {
	d.mu.Lock()
	d.upsertLocked(&e)
	d.mu.Unlock()
	d.bus.Emit("directory.updated", e.Room.ID)
}

func (d *Directory) upsertLocked(in *Entry) {
	for _, e := range d.entries {
		if e.Room.ID == in.Room.ID {
			e.Room = in.Room
			if in.Partner != nil {
				e.Partner = in.Partner
			}
			if in.MembershipID != "" {
				e.MembershipID = in.MembershipID
			}
			return
		}
	}
	d.entries = append([]*Entry{in}, d.entries...)
}

// DeleteRoom deletes the room for everyone (messages, then memberships,
// then the room row — the room-row deletion is the authoritative success
// signal) or just leaves it (deletes only the caller's membership).
func (d *Directory) DeleteRoom(ctx context.Context, roomID string, forEveryone bool) error {
	d.mu.Lock()
	if d.deleting {
		d.mu.Unlock()
		return ErrBusy
	}
	d.deleting = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.deleting = false
		d.mu.Unlock()
	}()

	me := d.sess.UserID()

	if forEveryone {
		if err := d.api.Delete(ctx, model.TableMessages, backend.Eq("room_id", roomID)); err != nil {
			d.logger.Warn("deleting room messages failed, continuing", zap.String("room_id", roomID), zap.Error(err))
		}
		if err := d.api.Delete(ctx, model.TableMembers, backend.Eq("room_id", roomID)); err != nil {
			d.logger.Warn("deleting room memberships failed, continuing", zap.String("room_id", roomID), zap.Error(err))
		}
		if err := d.api.Delete(ctx, model.TableRooms, backend.Eq("id", roomID)); err != nil {
			return fmt.Errorf("delete room: %w", err)
		}
	} else {
		err := d.api.Delete(ctx, model.TableMembers,
			backend.Eq("room_id", roomID).Where("user_id", backend.OpEq, me))
		if err != nil {
			return fmt.Errorf("leave room: %w", err)
		}
	}

	d.removeLocal(roomID)
	return nil
}

func (d *Directory) removeLocal(roomID string) {
	d.sess.ClearActiveRoom(roomID)
	d.mu.Lock()
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.Room.ID != roomID {
			kept = append(kept, e)
		}
	}
	d.entries = kept
	d.mu.Unlock()
	d.bus.Emit("directory.updated", roomID)
}

// onRoomUpdated merges an incoming room row into the matching entry. The
// derived side state beside the row is left untouched.
func (d *Directory) onRoomUpdated(c *bus.Change) {
	room, ok := decodeRow[model.Room](c.New, d.logger, "room")
	if !ok {
		return
	}
	d.mu.Lock()
	changed := false
	for _, e := range d.entries {
		if e.Room.ID == room.ID {
			e.Room = room
			changed = true
		}
	}
	if changed {
		sort.SliceStable(d.entries, func(i, j int) bool {
			return d.entries[i].Room.UpdatedAt.After(d.entries[j].Room.UpdatedAt)
		})
	}
	d.mu.Unlock()
	if changed {
		d.bus.Emit("directory.updated", room.ID)
	}
}

// onRoomDeleted removes the room unconditionally. If it was open, the
// "dissolved" notification variant is raised.
func (d *Directory) onRoomDeleted(c *bus.Change) {
	room, ok := decodeRow[model.Room](c.Old, d.logger, "room")
	if !ok {
		return
	}
	d.mu.Lock()
	var name string
	found := false
	for _, e := range d.entries {
		if e.Room.ID == room.ID {
			name = e.DisplayName()
			found = true
		}
	}
	d.mu.Unlock()
	if !found {
		return
	}

	wasActive := d.sess.IsActive(room.ID)
	d.removeLocal(room.ID)
	if wasActive {
		d.bus.Emit("directory.removed", &bus.RoomRemoved{
			RoomID: room.ID, RoomName: name, Dissolved: true, WasActive: true,
		})
	}
}

// onMembershipInserted reacts to the current user being added to a room:
// fetch it, resolve the counterpart for direct rooms, and upsert. A race
// with the optimistic insert from a local create action dedupes by room id.
func (d *Directory) onMembershipInserted(ctx context.Context, c *bus.Change) {
	m, ok := decodeRow[model.Membership](c.New, d.logger, "membership")
	if !ok || m.UserID != d.sess.UserID() {
		return
	}

	rawRoom, err := d.api.Single(ctx, model.TableRooms, backend.Eq("id", m.RoomID))
	if err != nil {
		d.logger.Warn("fetch room for new membership failed", zap.String("room_id", m.RoomID), zap.Error(err))
		return
	}
	room, err := backend.One[model.Room](rawRoom)
	if err != nil {
		return
	}

	e := &Entry{Room: room, MembershipID: m.ID}
	if room.Kind == model.RoomDirect {
		partner, err := d.resolvePartner(ctx, room.ID)
		if err != nil {
			d.logger.Warn("counterpart resolution failed", zap.String("room_id", room.ID), zap.Error(err))
			return
		}
		e.Partner = partner
	}

	d.mu.Lock()
	d.upsertLocked(e)
	d.mu.Unlock()
	d.bus.Emit("directory.updated", room.ID)
}

func (d *Directory) resolvePartner(ctx context.Context, roomID string) (*model.Profile, error) {
	raw, err := d.api.Single(ctx, model.TableMembers,
		backend.Eq("room_id", roomID).Where("user_id", backend.OpNeq, d.sess.UserID()))
	if err != nil {
		return nil, err
	}
	m, err := backend.One[model.Membership](raw)
	if err != nil {
		return nil, err
	}
	rawP, err := d.api.Single(ctx, model.TableProfiles, backend.Eq("id", m.UserID))
	if err != nil {
		return nil, err
	}
	p, err := backend.One[model.Profile](rawP)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// onMembershipDeleted correlates the deleted membership row back to a room
// via the membership-row id — the delete payload carries the membership
// row, not the room row.
func (d *Directory) onMembershipDeleted(ctx context.Context, c *bus.Change) {
	m, ok := decodeRow[model.Membership](c.Old, d.logger, "membership")
	if !ok {
		return
	}

	d.mu.Lock()
	var roomID, name string
	for _, e := range d.entries {
		if e.MembershipID == m.ID {
			roomID = e.Room.ID
			name = e.DisplayName()
		}
	}
	d.mu.Unlock()
	if roomID == "" {
		return
	}

	wasActive := d.sess.IsActive(roomID)
	d.removeLocal(roomID)
	if !wasActive {
		return
	}

	// A delete-for-everyone removes memberships before the room row, so
	// this event arrives ahead of the room delete. When the room row is
	// already gone the user was not kicked, the room was dissolved.
	dissolved := false
	if _, err := d.api.Single(ctx, model.TableRooms, backend.Eq("id", roomID)); errors.Is(err, backend.ErrNotFound) {
		dissolved = true
	}
	d.bus.Emit("directory.removed", &bus.RoomRemoved{
		RoomID: roomID, RoomName: name, Dissolved: dissolved, WasActive: true,
	})
}

// onProfileUpdated refreshes cached counterpart profiles in place, avoiding
// a re-fetch.
func (d *Directory) onProfileUpdated(c *bus.Change) {
	p, ok := decodeRow[model.Profile](c.New, d.logger, "profile")
	if !ok {
		return
	}
	d.mu.Lock()
	changed := false
	for _, e := range d.entries {
		if e.Room.Kind == model.RoomDirect && e.Partner != nil && e.Partner.ID == p.ID {
			prof := p
			e.Partner = &prof
			changed = true
		}
	}
	d.mu.Unlock()
	if changed {
		d.bus.Emit("directory.updated", p.ID)
	}
}

// onMessageInserted increments the unread count for a closed room. This is
// the only path that increments unread counts; edits and deletes never
// adjust them. Duplicate deliveries of the same message id are ignored.
func (d *Directory) onMessageInserted(c *bus.Change) {
	msg, ok := decodeRow[model.Message](c.New, d.logger, "message")
	if !ok {
		return
	}
	if msg.UserID == d.sess.UserID() || d.sess.IsActive(msg.RoomID) {
		return
	}

	d.mu.Lock()
	changed := false
	for _, e := range d.entries {
		if e.Room.ID != msg.RoomID {
			continue
		}
		if e.countedMsgIDs == nil {
			e.countedMsgIDs = make(map[string]bool)
		}
		if !e.countedMsgIDs[msg.ID] {
			e.countedMsgIDs[msg.ID] = true
			e.Unread++
			changed = true
		}
	}
	d.mu.Unlock()
	if changed {
		d.bus.Emit("directory.updated", msg.RoomID)
	}
}
