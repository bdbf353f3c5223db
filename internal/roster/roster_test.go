package roster

import (
	"context"
	"errors"
	"testing"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/mocks"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"go.uber.org/zap"
)

const me = "u1"

func newRoster(be *mocks.Backend) *Roster {
	sess := session.New(model.Profile{ID: me})
	return New(be, be, sess, zap.NewNop())
}

func TestCreateDirect(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)

	room, err := r.CreateDirect(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if room.Kind != model.RoomDirect || room.ID == "" {
		t.Errorf("room = %+v", room)
	}
	if be.TableLen(model.TableMembers) != 2 {
		t.Errorf("member rows = %d, want 2", be.TableLen(model.TableMembers))
	}
}

func TestCreateDirectIdempotent(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)

	first, err := r.CreateDirect(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.CreateDirect(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("got a new room %q, want existing %q", second.ID, first.ID)
	}
	if be.TableLen(model.TableRooms) != 1 {
		t.Errorf("room rows = %d, want 1", be.TableLen(model.TableRooms))
	}

	// A different peer still gets a fresh room.
	third, err := r.CreateDirect(context.Background(), "u3")
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("distinct peers share a room")
	}
}

func TestCreateDirectIgnoresGroupsWithSamePair(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)
	be.Seed(model.TableRooms, model.Room{ID: "g1", Kind: model.RoomGroup, Name: "pair group"})
	be.Seed(model.TableMembers,
		model.Membership{ID: "m1", RoomID: "g1", UserID: me},
		model.Membership{ID: "m2", RoomID: "g1", UserID: "u2"},
	)

	room, err := r.CreateDirect(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if room.ID == "g1" {
		t.Error("two-member group mistaken for a direct room")
	}
}

func TestCreateGroup(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)

	room, err := r.CreateGroup(context.Background(), "team", []string{"u2", "u3", me})
	if err != nil {
		t.Fatal(err)
	}
	if room.Name != "team" || room.CreatedBy != me || !room.IsGroup() {
		t.Errorf("room = %+v", room)
	}
	// Creator plus two members; the creator id in the list is not doubled.
	if be.TableLen(model.TableMembers) != 3 {
		t.Errorf("member rows = %d, want 3", be.TableLen(model.TableMembers))
	}
}

func TestCreateGroupRequiresName(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)
	if _, err := r.CreateGroup(context.Background(), "   ", nil); err == nil {
		t.Error("blank name accepted")
	}
}

func TestAddMember(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)
	room := model.Room{ID: "g1", Kind: model.RoomGroup, CreatedBy: me}
	be.Seed(model.TableMembers, model.Membership{ID: "m1", RoomID: "g1", UserID: me})

	if err := r.AddMember(context.Background(), room, "u2"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddMember(context.Background(), room, "u2"); !errors.Is(err, ErrAlreadyMember) {
		t.Errorf("err = %v, want ErrAlreadyMember", err)
	}

	other := model.Room{ID: "g2", Kind: model.RoomGroup, CreatedBy: "u9"}
	if err := r.AddMember(context.Background(), other, "u3"); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("err = %v, want ErrNotAdmin", err)
	}
}

func TestRemoveMember(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)
	room := model.Room{ID: "g1", Kind: model.RoomGroup, CreatedBy: me}
	be.Seed(model.TableMembers,
		model.Membership{ID: "m-own", RoomID: "g1", UserID: me},
		model.Membership{ID: "m-peer", RoomID: "g1", UserID: "u2"},
	)

	if err := r.RemoveMember(context.Background(), room, "m-own"); err == nil {
		t.Error("admin removed own membership through the admin path")
	}
	if err := r.RemoveMember(context.Background(), room, "m-peer"); err != nil {
		t.Fatal(err)
	}
	if be.TableLen(model.TableMembers) != 1 {
		t.Errorf("member rows = %d, want 1", be.TableLen(model.TableMembers))
	}
}

func TestRename(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)
	room := model.Room{ID: "g1", Kind: model.RoomGroup, CreatedBy: me, Name: "old"}
	be.Seed(model.TableRooms, room)

	if err := r.Rename(context.Background(), room, "new name"); err != nil {
		t.Fatal(err)
	}
	raw, err := be.Single(context.Background(), model.TableRooms, backend.Eq("id", "g1"))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := backend.One[model.Room](raw)
	if got.Name != "new name" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestSetAvatar(t *testing.T) {
	be := mocks.NewBackend()
	r := newRoster(be)
	room := model.Room{ID: "g1", Kind: model.RoomGroup, CreatedBy: me}
	be.Seed(model.TableRooms, room)

	if err := r.SetAvatar(context.Background(), room, "icon.PNG", "image/png", []byte("png")); err != nil {
		t.Fatal(err)
	}
	raw, err := be.Single(context.Background(), model.TableRooms, backend.Eq("id", "g1"))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := backend.One[model.Room](raw)
	if got.AvatarURL == "" {
		t.Error("avatar url not stored")
	}
}
