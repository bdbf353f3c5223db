// Package roster performs room membership lifecycle operations: creating
// direct and group rooms, managing group member lists and group metadata.
// Admin checks here are advisory; the backend's access-control layer is
// authoritative and its rejections must still be handled.
package roster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"github.com/mvolkov/roomsync/internal/uploads"
	"go.uber.org/zap"
)

// ErrBusy is returned when a room creation is already in flight.
var ErrBusy = errors.New("roster: create already in flight")

// ErrNotAdmin is the advisory rejection for group operations by a
// non-admin.
var ErrNotAdmin = errors.New("roster: not the room admin")

// ErrAlreadyMember rejects adding a user who is already in the room.
var ErrAlreadyMember = errors.New("roster: user already a member")

// Roster carries out membership operations.
type Roster struct {
	api    backend.API
	blobs  backend.Blobs
	sess   *session.Session
	logger *zap.Logger

	mu       sync.Mutex
	creating bool
}

// New creates a roster.
func New(api backend.API, blobs backend.Blobs, sess *session.Session, logger *zap.Logger) *Roster {
	return &Roster{api: api, blobs: blobs, sess: sess, logger: logger}
}

func (r *Roster) beginCreate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.creating {
		return ErrBusy
	}
	r.creating = true
	return nil
}

func (r *Roster) endCreate() {
	r.mu.Lock()
	r.creating = false
	r.mu.Unlock()
}

// CreateDirect returns the existing direct room between the current user
// and the peer, or creates one. The membership rows are written as two
// sequential inserts so a policy rejection on the peer's row is
// distinguishable from one on the caller's.
func (r *Roster) CreateDirect(ctx context.Context, peerID string) (model.Room, error) {
	if err := r.beginCreate(); err != nil {
		return model.Room{}, err
	}
	defer r.endCreate()
	me := r.sess.UserID()

	if room, ok, err := r.findDirect(ctx, me, peerID); err != nil {
		return model.Room{}, err
	} else if ok {
		return room, nil
	}

	rows, err := r.api.Insert(ctx, model.TableRooms, model.Room{Kind: model.RoomDirect, CreatedBy: me})
	if err != nil {
		return model.Room{}, fmt.Errorf("create direct room: %w", err)
	}
	if len(rows) == 0 {
		return model.Room{}, errors.New("roster: insert returned no row")
	}
	room, err := backend.One[model.Room](rows[0])
	if err != nil {
		return model.Room{}, err
	}

	for _, uid := range []string{me, peerID} {
		_, err := r.api.Insert(ctx, model.TableMembers, model.Membership{RoomID: room.ID, UserID: uid})
		if err != nil {
			return model.Room{}, fmt.Errorf("add member %s: %w", uid, err)
		}
	}
	return room, nil
}

// findDirect scans the caller's direct rooms for one whose member pair is
// exactly {me, peer}.
func (r *Roster) findDirect(ctx context.Context, me, peerID string) (model.Room, bool, error) {
	rawMine, err := r.api.Select(ctx, model.TableMembers, backend.Eq("user_id", me))
	if err != nil {
		return model.Room{}, false, fmt.Errorf("scan memberships: %w", err)
	}
	mine, err := backend.All[model.Membership](rawMine)
	if err != nil {
		return model.Room{}, false, err
	}
	if len(mine) == 0 {
		return model.Room{}, false, nil
	}

	roomIDs := make([]string, 0, len(mine))
	for _, m := range mine {
		roomIDs = append(roomIDs, m.RoomID)
	}
	rawRooms, err := r.api.Select(ctx, model.TableRooms,
		backend.Query{}.Where("id", backend.OpIn, roomIDs).Where("type", backend.OpEq, model.RoomDirect))
	if err != nil {
		return model.Room{}, false, fmt.Errorf("scan direct rooms: %w", err)
	}
	rooms, err := backend.All[model.Room](rawRooms)
	if err != nil {
		return model.Room{}, false, err
	}

	for _, room := range rooms {
		members, err := r.Members(ctx, room.ID)
		if err != nil {
			return model.Room{}, false, err
		}
		if len(members) != 2 {
			continue
		}
		ids := map[string]bool{members[0].UserID: true, members[1].UserID: true}
		if ids[me] && ids[peerID] {
			return room, true, nil
		}
	}
	return model.Room{}, false, nil
}

// CreateGroup creates a group room and its initial memberships in one
// batched write, the creator included.
func (r *Roster) CreateGroup(ctx context.Context, name string, memberIDs []string) (model.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Room{}, errors.New("roster: group name required")
	}
	if err := r.beginCreate(); err != nil {
		return model.Room{}, err
	}
	defer r.endCreate()
	me := r.sess.UserID()

	rows, err := r.api.Insert(ctx, model.TableRooms,
		model.Room{Name: name, Kind: model.RoomGroup, CreatedBy: me})
	if err != nil {
		return model.Room{}, fmt.Errorf("create group: %w", err)
	}
	if len(rows) == 0 {
		return model.Room{}, errors.New("roster: insert returned no row")
	}
	room, err := backend.One[model.Room](rows[0])
	if err != nil {
		return model.Room{}, err
	}

	batch := []model.Membership{{RoomID: room.ID, UserID: me}}
	for _, uid := range memberIDs {
		if uid != me {
			batch = append(batch, model.Membership{RoomID: room.ID, UserID: uid})
		}
	}
	if _, err := r.api.Insert(ctx, model.TableMembers, batch); err != nil {
		return model.Room{}, fmt.Errorf("add initial members: %w", err)
	}
	return room, nil
}

// Members lists a room's membership rows.
func (r *Roster) Members(ctx context.Context, roomID string) ([]model.Membership, error) {
	raw, err := r.api.Select(ctx, model.TableMembers, backend.Eq("room_id", roomID))
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return backend.All[model.Membership](raw)
}

// AddMember adds a user to a group room. Admin-only, and adding a present
// member is rejected before any write.
func (r *Roster) AddMember(ctx context.Context, room model.Room, userID string) error {
	if room.AdminID() != r.sess.UserID() {
		return ErrNotAdmin
	}
	members, err := r.Members(ctx, room.ID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.UserID == userID {
			return ErrAlreadyMember
		}
	}
	if _, err := r.api.Insert(ctx, model.TableMembers, model.Membership{RoomID: room.ID, UserID: userID}); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember removes a membership row from a group room. Admin-only, and
// never the admin's own row through this path.
func (r *Roster) RemoveMember(ctx context.Context, room model.Room, membershipID string) error {
	me := r.sess.UserID()
	if room.AdminID() != me {
		return ErrNotAdmin
	}

	raw, err := r.api.Single(ctx, model.TableMembers, backend.Eq("id", membershipID))
	if err != nil {
		return fmt.Errorf("find membership: %w", err)
	}
	m, err := backend.One[model.Membership](raw)
	if err != nil {
		return err
	}
	if m.UserID == me {
		return errors.New("roster: admin cannot remove own membership here")
	}

	if err := r.api.Delete(ctx, model.TableMembers, backend.Eq("id", membershipID)); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// Rename changes a group room's name. Admin-only.
func (r *Roster) Rename(ctx context.Context, room model.Room, name string) error {
	if room.AdminID() != r.sess.UserID() {
		return ErrNotAdmin
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("roster: group name required")
	}
	err := r.api.Update(ctx, model.TableRooms, backend.Eq("id", room.ID),
		map[string]any{"name": name, "updated_at": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("rename room: %w", err)
	}
	return nil
}

// SetAvatar uploads a group avatar and stores its public URL on the room
// row. Admin-only.
func (r *Roster) SetAvatar(ctx context.Context, room model.Room, filename, contentType string, data []byte) error {
	if room.AdminID() != r.sess.UserID() {
		return ErrNotAdmin
	}
	key := fmt.Sprintf("rooms/%s/%d-%s%s", room.ID, time.Now().UnixMilli(),
		uuid.NewString()[:8], strings.ToLower(path.Ext(filename)))
	if err := r.blobs.Upload(ctx, uploads.AvatarBucket, key, bytes.NewReader(data), contentType); err != nil {
		return fmt.Errorf("upload avatar: %w", err)
	}
	url := r.blobs.PublicURL(uploads.AvatarBucket, key)
	err := r.api.Update(ctx, model.TableRooms, backend.Eq("id", room.ID),
		map[string]any{"avatar_url": url, "updated_at": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("store avatar url: %w", err)
	}
	return nil
}
