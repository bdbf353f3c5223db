// Package realtime maintains the websocket change feed: it subscribes to
// row-level insert/update/delete events per table and republishes them on
// the bus as "change.<table>.<action>" events. The connection auto-recovers
// from channel errors with a fixed backoff; registered subscriptions are
// replayed after every reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mvolkov/roomsync/internal/bus"
	"go.uber.org/zap"
)

const (
	// resubscribeDelay is the fixed backoff between reconnect attempts.
	resubscribeDelay = time.Second
	heartbeatEvery   = 30 * time.Second
)

// frame is the wire envelope in both directions.
type frame struct {
	Event  string          `json:"event"`
	Table  string          `json:"table,omitempty"`
	Action string          `json:"action,omitempty"`
	Filter string          `json:"filter,omitempty"`
	Old    json.RawMessage `json:"old,omitempty"`
	New    json.RawMessage `json:"new,omitempty"`
}

type topic struct {
	table  string
	action string
	filter string
}

func (t topic) key() string { return t.table + "|" + t.action + "|" + t.filter }

// TokenFunc supplies the current bearer token at dial time, so reconnects
// pick up refreshed credentials.
type TokenFunc func() string

// Feed is the realtime subscription set. It is the only mutable resource
// shared across the whole session; Stop releases it fully.
type Feed struct {
	url    string
	token  TokenFunc
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]topic
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a feed for the given websocket URL.
func New(url string, token TokenFunc, b *bus.Bus, logger *zap.Logger) *Feed {
	return &Feed{
		url:    url,
		token:  token,
		bus:    b,
		logger: logger,
		topics: make(map[string]topic),
	}
}

// Subscribe registers interest in (table, action, filter). An empty action
// means all actions; filter uses "column=eq.value" form or "". The returned
// func removes the subscription. Registration survives reconnects.
func (f *Feed) Subscribe(table, action, filter string) func() {
	t := topic{table: table, action: action, filter: filter}
	f.mu.Lock()
	f.topics[t.key()] = t
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.send(conn, frame{Event: "subscribe", Table: t.table, Action: t.action, Filter: t.filter})
	}

	return func() {
		f.mu.Lock()
		delete(f.topics, t.key())
		conn := f.conn
		f.mu.Unlock()
		if conn != nil {
			f.send(conn, frame{Event: "unsubscribe", Table: t.table, Action: t.action, Filter: t.filter})
		}
	}
}

// Start dials the feed and keeps it alive until ctx is canceled or Stop is
// called.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop tears the feed down and waits for the read loop to exit.
func (f *Feed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.mu.Unlock()
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("feed channel error, resubscribing", zap.Error(err))
			f.bus.Emit("feed.disconnected", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	f.mu.Lock()
	f.conn = conn
	pending := make([]topic, 0, len(f.topics))
	for _, t := range f.topics {
		pending = append(pending, t)
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()
	}()

	// Replay the registered subscription set on every (re)connect.
	for _, t := range pending {
		if err := f.send(conn, frame{Event: "subscribe", Table: t.table, Action: t.action, Filter: t.filter}); err != nil {
			return err
		}
	}
	f.bus.Emit("feed.connected", nil)

	stopBeat := make(chan struct{})
	defer close(stopBeat)
	go f.heartbeat(conn, stopBeat)

	for {
		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			return err
		}
		f.dispatch(fr)
	}
}

func (f *Feed) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.send(conn, frame{Event: "heartbeat"}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (f *Feed) send(conn *websocket.Conn, fr frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return conn.WriteJSON(fr)
}

func (f *Feed) dispatch(fr frame) {
	if fr.Event != "change" {
		return
	}
	f.bus.Emit(bus.ChangeKind(fr.Table, fr.Action), &bus.Change{
		Table:  fr.Table,
		Action: fr.Action,
		Old:    fr.Old,
		New:    fr.New,
	})
}
