package bus

import (
	"encoding/json"
	"time"
)

// Event is a domain event published on the bus. Kind is a dot-separated
// name; subscribers filter by namespace prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Change-feed actions, matching the backend's row-level events.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Change is the payload of a "change.<table>.<action>" event produced by
// the realtime feed. Old is set for update/delete, New for insert/update;
// both are raw row images as delivered by the backend.
type Change struct {
	Table  string
	Action string
	Old    json.RawMessage
	New    json.RawMessage
}

// ChangeKind builds the event kind for a table/action pair,
// e.g. "change.messages.insert".
func ChangeKind(table, action string) string {
	return "change." + table + "." + action
}

// RoomRemoved is the payload of a "directory.removed" event, raised when
// the local user loses access to a room. Dissolved distinguishes a room
// deleted for everyone from a kicked/left membership removal.
type RoomRemoved struct {
	RoomID    string
	RoomName  string
	Dissolved bool
	WasActive bool
}
