package mocks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/model"
)

func TestInsertStampsAbsentColumnsOnly(t *testing.T) {
	be := NewBackend()

	rows, err := be.Insert(context.Background(), model.TableRooms,
		model.Room{Name: "team", Kind: model.RoomGroup, CreatedBy: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	stored, err := backend.One[model.Room](rows[0])
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID == "" {
		t.Error("absent id not assigned")
	}
	if stored.CreatedAt.IsZero() || stored.UpdatedAt.IsZero() {
		t.Error("absent timestamps not assigned")
	}

	// An explicitly sent zero value is stored as-is; defaults apply only to
	// columns the payload omits.
	rows, err = be.Insert(context.Background(), model.TableRooms,
		map[string]any{"id": "", "name": "raw"})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(rows[0], &raw); err != nil {
		t.Fatal(err)
	}
	if raw["id"] != "" {
		t.Errorf("explicit empty id replaced with %v", raw["id"])
	}
}
