package client

import (
	"context"
	"testing"

	"github.com/mvolkov/roomsync/internal/account"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/directory"
	"github.com/mvolkov/roomsync/internal/mocks"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/roster"
	"github.com/mvolkov/roomsync/internal/session"
	"github.com/mvolkov/roomsync/internal/status"
	"github.com/mvolkov/roomsync/internal/stream"
	"github.com/mvolkov/roomsync/internal/typing"
	"github.com/mvolkov/roomsync/internal/uploads"
	"go.uber.org/zap"
)

// newClient wires the facade over the in-memory backend, without the
// realtime feed. Tests drive the components directly.
func newClient(be *mocks.Backend) *Client {
	logger := zap.NewNop()
	b := bus.New()
	sess := session.New(model.Profile{ID: "u1", Username: "alice", UserTag: "0001"})
	pipe := uploads.NewPipeline(be, sess, logger)
	st := stream.New(be, pipe, b, sess, logger)
	ty := typing.New(be, b, sess, logger)
	st.SetTyping(ty)
	return &Client{
		Bus:       b,
		Machine:   status.NewMachine(b),
		Session:   sess,
		Account:   account.New(be, be, be, sess, logger),
		Directory: directory.New(be, b, sess, logger),
		Stream:    st,
		Typing:    ty,
		Roster:    roster.New(be, be, sess, logger),
		logger:    logger,
	}
}

func seedPeer(be *mocks.Backend) {
	be.Seed(model.TableProfiles,
		model.Profile{ID: "u1", Username: "alice", UserTag: "0001"},
		model.Profile{ID: "u2", Username: "bob", UserTag: "0042"},
	)
}

func TestStartDirectChat(t *testing.T) {
	be := mocks.NewBackend()
	seedPeer(be)
	c := newClient(be)

	if err := c.StartDirectChat(context.Background(), "bob#0042"); err != nil {
		t.Fatal(err)
	}

	rooms := c.Directory.Rooms()
	if len(rooms) != 1 {
		t.Fatalf("got %d rooms, want 1", len(rooms))
	}
	if rooms[0].Partner == nil || rooms[0].Partner.Username != "bob" {
		t.Errorf("partner = %+v", rooms[0].Partner)
	}
	if c.Session.ActiveRoomID() != rooms[0].Room.ID {
		t.Error("room not opened")
	}

	// Repeating the action reuses the existing room.
	if err := c.StartDirectChat(context.Background(), "bob#0042"); err != nil {
		t.Fatal(err)
	}
	if got := len(c.Directory.Rooms()); got != 1 {
		t.Errorf("got %d rooms after repeat, want 1", got)
	}
}

func TestStartDirectChatUnknownHandle(t *testing.T) {
	be := mocks.NewBackend()
	seedPeer(be)
	c := newClient(be)

	if err := c.StartDirectChat(context.Background(), "ghost#9999"); err == nil {
		t.Error("unknown handle accepted")
	}
	if got := len(c.Directory.Rooms()); got != 0 {
		t.Errorf("got %d rooms, want 0", got)
	}
}

func TestCreateGroupChat(t *testing.T) {
	be := mocks.NewBackend()
	seedPeer(be)
	c := newClient(be)

	if err := c.CreateGroupChat(context.Background(), "team", []string{"bob#0042"}); err != nil {
		t.Fatal(err)
	}
	rooms := c.Directory.Rooms()
	if len(rooms) != 1 || !rooms[0].Room.IsGroup() {
		t.Fatalf("rooms = %+v", rooms)
	}
	if be.TableLen(model.TableMembers) != 2 {
		t.Errorf("member rows = %d, want 2", be.TableLen(model.TableMembers))
	}
}

func TestLeaveRoomClosesIt(t *testing.T) {
	be := mocks.NewBackend()
	seedPeer(be)
	c := newClient(be)

	if err := c.StartDirectChat(context.Background(), "bob#0042"); err != nil {
		t.Fatal(err)
	}
	roomID := c.Directory.Rooms()[0].Room.ID

	if err := c.LeaveRoom(context.Background(), roomID, false); err != nil {
		t.Fatal(err)
	}
	if c.Session.ActiveRoomID() != "" {
		t.Error("active room survived leaving")
	}
	if got := len(c.Directory.Rooms()); got != 0 {
		t.Errorf("got %d rooms, want 0", got)
	}
}
