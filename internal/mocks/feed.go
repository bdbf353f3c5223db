package mocks

import (
	"encoding/json"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/bus"
)

// SetSession pins the current identity, for tests that need a stable user id.
func (b *Backend) SetSession(s *backend.Session) {
	b.mu.Lock()
	b.session = s
	b.mu.Unlock()
}

// EmitInsert publishes an insert change event for row on the bus, the way
// the realtime feed would deliver it.
func EmitInsert(b *bus.Bus, table string, row any) {
	emit(b, table, bus.ActionInsert, nil, row)
}

// EmitUpdate publishes an update change event.
func EmitUpdate(b *bus.Bus, table string, old, new any) {
	emit(b, table, bus.ActionUpdate, old, new)
}

// EmitDelete publishes a delete change event carrying the old row image.
func EmitDelete(b *bus.Bus, table string, old any) {
	emit(b, table, bus.ActionDelete, old, nil)
}

func emit(b *bus.Bus, table, action string, old, new any) {
	ch := &bus.Change{Table: table, Action: action}
	if old != nil {
		ch.Old = mustJSON(old)
	}
	if new != nil {
		ch.New = mustJSON(new)
	}
	b.Emit(bus.ChangeKind(table, action), ch)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
