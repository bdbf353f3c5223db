package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/mocks"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"github.com/mvolkov/roomsync/internal/uploads"
	"go.uber.org/zap"
)

const me = "u1"

func newStream(be *mocks.Backend) (*Stream, *session.Session) {
	sess := session.New(model.Profile{ID: me, Username: "alice"})
	pipe := uploads.NewPipeline(be, sess, zap.NewNop())
	return New(be, pipe, bus.New(), sess, zap.NewNop()), sess
}

func change(t *testing.T, action string, old, new any) bus.Event {
	t.Helper()
	c := &bus.Change{Table: model.TableMessages, Action: action}
	if old != nil {
		raw, err := json.Marshal(old)
		if err != nil {
			t.Fatal(err)
		}
		c.Old = raw
	}
	if new != nil {
		raw, err := json.Marshal(new)
		if err != nil {
			t.Fatal(err)
		}
		c.New = raw
	}
	return bus.Event{Kind: bus.ChangeKind(model.TableMessages, action), Payload: c}
}

func seedRoom(be *mocks.Backend, room model.Room) {
	be.Seed(model.TableRooms, room)
	be.Seed(model.TableMembers,
		model.Membership{ID: "m1", RoomID: room.ID, UserID: me},
		model.Membership{ID: "m2", RoomID: room.ID, UserID: "u2"},
	)
	be.Seed(model.TableProfiles,
		model.Profile{ID: me, Username: "alice"},
		model.Profile{ID: "u2", Username: "bob"},
	)
}

func TestOpenLoadsChronologically(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1", Kind: model.RoomDirect}
	seedRoom(be, room)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	be.Seed(model.TableMessages,
		model.Message{ID: "b", RoomID: "r1", UserID: "u2", Content: "second", CreatedAt: base.Add(time.Minute)},
		model.Message{ID: "a", RoomID: "r1", UserID: me, Content: "first", CreatedAt: base},
	)

	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	items := s.Messages()
	if len(items) != 2 {
		t.Fatalf("got %d messages, want 2", len(items))
	}
	if items[0].Message.ID != "a" || items[1].Message.ID != "b" {
		t.Errorf("order = %q,%q; want oldest first", items[0].Message.ID, items[1].Message.ID)
	}
	if items[1].Author.Username != "bob" {
		t.Errorf("author not joined: %+v", items[1].Author)
	}
}

func TestOpenMarksAsRead(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1", Kind: model.RoomDirect}
	seedRoom(be, room)
	be.Seed(model.TableMessages,
		model.Message{ID: "a", RoomID: "r1", UserID: "u2", Content: "hi", CreatedAt: time.Now()},
		model.Message{ID: "b", RoomID: "r1", UserID: me, Content: "mine", CreatedAt: time.Now()},
	)

	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	raw, err := be.Single(context.Background(), model.TableMessages, backend.Eq("id", "a"))
	if err != nil {
		t.Fatal(err)
	}
	msg, _ := backend.One[model.Message](raw)
	if !msg.IsRead {
		t.Error("peer message not flipped to read")
	}

	rawM, err := be.Single(context.Background(), model.TableMembers, backend.Eq("id", "m1"))
	if err != nil {
		t.Fatal(err)
	}
	m, _ := backend.One[model.Membership](rawM)
	if m.LastReadAt.IsZero() {
		t.Error("watermark not advanced")
	}
}

func TestInsertSortedAndDeduplicated(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	later := change(t, bus.ActionInsert, nil,
		model.Message{ID: "b", RoomID: "r1", UserID: "u2", Content: "later", CreatedAt: base.Add(time.Minute)})
	earlier := change(t, bus.ActionInsert, nil,
		model.Message{ID: "a", RoomID: "r1", UserID: "u2", Content: "earlier", CreatedAt: base})

	// Out-of-order arrival, then a duplicate delivery.
	s.handleEvent(context.Background(), later)
	s.handleEvent(context.Background(), earlier)
	s.handleEvent(context.Background(), earlier)

	items := s.Messages()
	if len(items) != 2 {
		t.Fatalf("got %d messages, want 2", len(items))
	}
	if items[0].Message.ID != "a" || items[1].Message.ID != "b" {
		t.Errorf("order = %q,%q; want created_at ascending", items[0].Message.ID, items[1].Message.ID)
	}
}

func TestInsertForClosedRoomDiscarded(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	// A late event for a room that is no longer open must not resurrect
	// state.
	sess.SetActiveRoom("r2")
	s.handleEvent(context.Background(), change(t, bus.ActionInsert, nil,
		model.Message{ID: "x", RoomID: "r1", UserID: "u2", CreatedAt: time.Now()}))

	if len(s.Messages()) != 0 {
		t.Error("stale event applied after room switch")
	}
}

func TestUpdateMergesEdit(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	be.Seed(model.TableMessages,
		model.Message{ID: "a", RoomID: "r1", UserID: "u2", Content: "tpyo", CreatedAt: time.Now()})
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	s.handleEvent(context.Background(), change(t, bus.ActionUpdate, nil,
		model.Message{ID: "a", RoomID: "r1", UserID: "u2", Content: "typo", IsEdited: true}))

	items := s.Messages()
	if items[0].Message.Content != "typo" || !items[0].Message.IsEdited {
		t.Errorf("edit not merged: %+v", items[0].Message)
	}
	if items[0].Author.Username != "bob" {
		t.Error("update dropped the joined author")
	}
}

func TestDeleteRemoves(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	be.Seed(model.TableMessages,
		model.Message{ID: "a", RoomID: "r1", UserID: "u2", Content: "x", CreatedAt: time.Now()})
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	s.handleEvent(context.Background(), change(t, bus.ActionDelete,
		model.Message{ID: "a"}, nil))

	if len(s.Messages()) != 0 {
		t.Error("message not removed")
	}
}

type typingSpy struct{ stopped bool }

func (t *typingSpy) StopTyping(context.Context) { t.stopped = true }

func TestSend(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	spy := &typingSpy{}
	s.SetTyping(spy)

	if err := s.Send(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}

	if !spy.stopped {
		t.Error("send did not clear the typing indicator")
	}
	if be.TableLen(model.TableMessages) != 1 {
		t.Fatalf("message rows = %d, want 1", be.TableLen(model.TableMessages))
	}
	// The local list is fed by the change event, not by the send itself.
	if len(s.Messages()) != 0 {
		t.Error("send appended locally instead of waiting for the event")
	}
}

func TestSendEmptyIsNoop(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	if err := s.Send(context.Background(), "   \n", nil); err != nil {
		t.Fatal(err)
	}
	if be.TableLen(model.TableMessages) != 0 {
		t.Error("whitespace-only message was sent")
	}
}

func TestSendAttachmentsOnly(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	err := s.Send(context.Background(), "", []uploads.File{
		{Name: "pic.png", ContentType: "image/png", Data: []byte("png")},
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := be.Select(context.Background(), model.TableMessages, backend.Query{})
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := backend.All[model.Message](raw)
	if len(msgs) != 1 || len(msgs[0].Attachments) != 1 {
		t.Fatalf("attachment-only message not stored: %+v", msgs)
	}
	if msgs[0].Content != "" {
		t.Errorf("content = %q, want empty", msgs[0].Content)
	}
}

func TestEditRules(t *testing.T) {
	be := mocks.NewBackend()
	room := model.Room{ID: "r1"}
	seedRoom(be, room)
	be.Seed(model.TableMessages,
		model.Message{ID: "mine", RoomID: "r1", UserID: me, Content: "v1", CreatedAt: time.Now()},
		model.Message{ID: "theirs", RoomID: "r1", UserID: "u2", Content: "x", CreatedAt: time.Now()},
	)
	s, sess := newStream(be)
	sess.SetActiveRoom("r1")
	if err := s.Open(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	if err := s.Edit(context.Background(), "theirs", "hijack"); err != ErrNotAuthor {
		t.Errorf("editing another's message: err = %v, want ErrNotAuthor", err)
	}

	// Trimmed-empty edit is a no-op, not a delete.
	if err := s.Edit(context.Background(), "mine", "  "); err != nil {
		t.Fatal(err)
	}
	raw, _ := be.Single(context.Background(), model.TableMessages, backend.Eq("id", "mine"))
	msg, _ := backend.One[model.Message](raw)
	if msg.Content != "v1" || msg.IsEdited {
		t.Errorf("empty edit mutated the row: %+v", msg)
	}

	if err := s.Edit(context.Background(), "mine", "v2"); err != nil {
		t.Fatal(err)
	}
	raw, _ = be.Single(context.Background(), model.TableMessages, backend.Eq("id", "mine"))
	msg, _ = backend.One[model.Message](raw)
	if msg.Content != "v2" || !msg.IsEdited {
		t.Errorf("edit not applied: %+v", msg)
	}
}

func TestDeleteAuthorization(t *testing.T) {
	be := mocks.NewBackend()
	group := model.Room{ID: "g1", Kind: model.RoomGroup, CreatedBy: me}
	seedRoom(be, group)
	be.Seed(model.TableMessages,
		model.Message{ID: "theirs", RoomID: "g1", UserID: "u2", Content: "x", CreatedAt: time.Now()})
	s, sess := newStream(be)
	sess.SetActiveRoom("g1")
	if err := s.Open(context.Background(), group); err != nil {
		t.Fatal(err)
	}

	// Group admin may delete another member's message.
	if err := s.Delete(context.Background(), "theirs"); err != nil {
		t.Fatal(err)
	}
	if be.TableLen(model.TableMessages) != 0 {
		t.Error("row not deleted")
	}
}

func TestDeleteRejectedForNonAdmin(t *testing.T) {
	be := mocks.NewBackend()
	group := model.Room{ID: "g1", Kind: model.RoomGroup, CreatedBy: "u2"}
	seedRoom(be, group)
	be.Seed(model.TableMessages,
		model.Message{ID: "theirs", RoomID: "g1", UserID: "u2", Content: "x", CreatedAt: time.Now()})
	s, sess := newStream(be)
	sess.SetActiveRoom("g1")
	if err := s.Open(context.Background(), group); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(context.Background(), "theirs"); err != ErrNotAuthor {
		t.Errorf("err = %v, want ErrNotAuthor", err)
	}
}
