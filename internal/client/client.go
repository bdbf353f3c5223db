// Package client composes the sync components into one session-scoped
// facade and wires them together with fx. The TUI talks to Client only.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/mvolkov/roomsync/internal/account"
	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/backend/realtime"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/directory"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/presence"
	"github.com/mvolkov/roomsync/internal/roster"
	"github.com/mvolkov/roomsync/internal/session"
	"github.com/mvolkov/roomsync/internal/status"
	"github.com/mvolkov/roomsync/internal/stream"
	"github.com/mvolkov/roomsync/internal/typing"
	"go.uber.org/zap"
)

// watchedTables is the realtime subscription set for a session.
var watchedTables = []string{
	model.TableRooms,
	model.TableMembers,
	model.TableMessages,
	model.TableProfiles,
	model.TableTyping,
}

// Client is the session facade.
type Client struct {
	Bus       *bus.Bus
	Machine   *status.Machine
	Session   *session.Session
	Account   *account.Manager
	Directory *directory.Directory
	Stream    *stream.Stream
	Typing    *typing.Signal
	Presence  *presence.Tracker
	Roster    *roster.Roster

	feed   *realtime.Feed
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// SignIn authenticates and brings the session up.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	if err := c.Machine.Transition(status.Connecting); err != nil {
		return err
	}
	if _, err := c.Account.SignIn(ctx, email, password); err != nil {
		_ = c.Machine.Transition(status.SignedOut)
		return err
	}
	return c.begin(ctx)
}

// SignUp registers a new account and brings the session up.
func (c *Client) SignUp(ctx context.Context, email, password, username string) error {
	if err := c.Machine.Transition(status.Connecting); err != nil {
		return err
	}
	if _, err := c.Account.SignUp(ctx, email, password, username); err != nil {
		_ = c.Machine.Transition(status.SignedOut)
		return err
	}
	return c.begin(ctx)
}

// Resume restores a persisted session if one exists. It reports false when
// the user must sign in.
func (c *Client) Resume(ctx context.Context) (bool, error) {
	_, ok, err := c.Account.Resume(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := c.Machine.Transition(status.Connecting); err != nil {
		return false, err
	}
	return true, c.begin(ctx)
}

// begin starts the feed, the dispatch loops and presence, and performs the
// initial directory load.
func (c *Client) begin(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("client: session already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	for _, table := range watchedTables {
		c.feed.Subscribe(table, "", "")
	}
	c.feed.Start(ctx)

	c.Directory.Start(ctx)
	c.Stream.Start(ctx)
	c.Typing.Start(ctx)

	if err := c.Machine.Transition(status.Loading); err != nil {
		return err
	}
	if err := c.Directory.LoadInitial(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	c.Presence.Start(ctx)
	go c.watchFeed(ctx)
	return c.Machine.Transition(status.Ready)
}

// watchFeed mirrors feed health into the session state.
func (c *Client) watchFeed(ctx context.Context) {
	ch, unsub := c.Bus.Subscribe("feed.", 16)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case "feed.disconnected":
				if c.Machine.Current() == status.Ready {
					_ = c.Machine.Transition(status.Reconnecting)
				}
			case "feed.connected":
				if c.Machine.Current() == status.Reconnecting {
					_ = c.Machine.Transition(status.Ready)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// OpenRoom selects a room: directory bookkeeping first, then the stream
// load and the typing sweep.
func (c *Client) OpenRoom(ctx context.Context, roomID string) error {
	entry, ok := c.Directory.Get(roomID)
	if !ok {
		return backend.ErrNotFound
	}
	c.Directory.SelectRoom(roomID)
	if err := c.Stream.Open(ctx, entry.Room); err != nil {
		return err
	}
	c.Typing.Open(ctx, roomID)
	return nil
}

// CloseRoom deselects the open room.
func (c *Client) CloseRoom(ctx context.Context) {
	roomID := c.Session.ActiveRoomID()
	if roomID == "" {
		return
	}
	c.Typing.Close(ctx)
	c.Stream.Close()
	c.Session.ClearActiveRoom(roomID)
}

// StartDirectChat resolves a "username#tag" handle and opens the direct
// room with that user, creating it if needed. The optimistic directory
// entry dedupes against the membership-insert event by room id.
func (c *Client) StartDirectChat(ctx context.Context, handle string) error {
	peer, err := c.Account.Lookup(ctx, handle)
	if err != nil {
		return err
	}
	room, err := c.Roster.CreateDirect(ctx, peer.ID)
	if err != nil {
		return err
	}
	c.Directory.Upsert(directory.Entry{Room: room, Partner: &peer})
	return c.OpenRoom(ctx, room.ID)
}

// CreateGroupChat resolves the member handles, creates the group and opens
// it.
func (c *Client) CreateGroupChat(ctx context.Context, name string, memberHandles []string) error {
	memberIDs := make([]string, 0, len(memberHandles))
	for _, h := range memberHandles {
		p, err := c.Account.Lookup(ctx, h)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", h, err)
		}
		memberIDs = append(memberIDs, p.ID)
	}
	room, err := c.Roster.CreateGroup(ctx, name, memberIDs)
	if err != nil {
		return err
	}
	c.Directory.Upsert(directory.Entry{Room: room})
	return c.OpenRoom(ctx, room.ID)
}

// LeaveRoom removes the current user from a room, or deletes it for
// everyone when the user may and forEveryone is set.
func (c *Client) LeaveRoom(ctx context.Context, roomID string, forEveryone bool) error {
	if c.Session.IsActive(roomID) {
		c.CloseRoom(ctx)
	}
	return c.Directory.DeleteRoom(ctx, roomID, forEveryone)
}

// SignOut tears the session down and revokes credentials. The presence
// offline write happens inside Account.SignOut while the token is valid.
func (c *Client) SignOut(ctx context.Context) error {
	c.CloseRoom(ctx)
	c.teardown()
	if err := c.Account.SignOut(ctx); err != nil {
		return err
	}
	return c.Machine.Transition(status.SignedOut)
}

// Shutdown is the hard exit path: stop everything and fire the offline
// write without waiting for it.
func (c *Client) Shutdown() {
	c.teardown()
	c.Presence.Shutdown()
	_ = c.Machine.Transition(status.Closed)
	c.Bus.Close()
}

func (c *Client) teardown() {
	c.mu.Lock()
	running := c.running
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()
	if !running {
		return
	}

	cancel()
	c.Typing.Stop()
	c.Stream.Stop()
	c.Directory.Stop()
	c.feed.Stop()
	c.logger.Info("session stopped")
}
