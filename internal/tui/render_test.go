package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/mvolkov/roomsync/internal/directory"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/stream"
)

func TestRoomLine(t *testing.T) {
	direct := directory.Entry{
		Room:    model.Room{Kind: model.RoomDirect},
		Partner: &model.Profile{Username: "bob"},
	}
	if got := roomLine(direct); got != "bob" {
		t.Errorf("roomLine = %q", got)
	}

	direct.Unread = 3
	if got := roomLine(direct); !strings.Contains(got, "(3)") || !strings.Contains(got, "bob") {
		t.Errorf("roomLine with unread = %q", got)
	}

	group := directory.Entry{Room: model.Room{Kind: model.RoomGroup, Name: "team"}}
	if got := roomLine(group); got != "# team" {
		t.Errorf("roomLine group = %q", got)
	}
}

func TestMessageLine(t *testing.T) {
	it := stream.Item{
		Message: model.Message{
			UserID:    "u2",
			Content:   "hello",
			IsEdited:  true,
			CreatedAt: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
			Attachments: []model.Attachment{
				{Name: "pic.png", Type: "image/png"},
				{Name: "v.webm", Type: "audio/webm", Duration: 3},
			},
		},
		Author: model.Profile{Username: "bob"},
	}
	got := messageLine(it, "u1")
	for _, want := range []string{"bob", "hello", "(edited)", "[image pic.png]", "[voice 3s]"} {
		if !strings.Contains(got, want) {
			t.Errorf("messageLine missing %q in %q", want, got)
		}
	}
}

func TestTypingLine(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"bob"}, "bob is typing..."},
		{[]string{"bob", "eve"}, "bob and eve are typing..."},
		{[]string{"a", "b", "c"}, "several people are typing..."},
	}
	for _, tt := range tests {
		if got := typingLine(tt.names); got != tt.want {
			t.Errorf("typingLine(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestPresenceLine(t *testing.T) {
	now := time.Now()
	online := model.Profile{Status: model.StatusOnline, LastSeen: now.Add(-time.Minute)}
	if got := presenceLine(online, now); got != "online" {
		t.Errorf("presenceLine = %q", got)
	}

	stale := model.Profile{Status: model.StatusOnline, LastSeen: now.Add(-time.Hour)}
	if got := presenceLine(stale, now); !strings.HasPrefix(got, "last seen ") {
		t.Errorf("presenceLine stale = %q", got)
	}
}

func TestParseGroupSpec(t *testing.T) {
	name, handles := parseGroupSpec("team: bob#0042, eve#1111")
	if name != "team" {
		t.Errorf("name = %q", name)
	}
	if len(handles) != 2 || handles[0] != "bob#0042" || handles[1] != "eve#1111" {
		t.Errorf("handles = %v", handles)
	}

	name, handles = parseGroupSpec("solo")
	if name != "solo" || handles != nil {
		t.Errorf("got %q %v", name, handles)
	}
}

func TestEscape(t *testing.T) {
	if got := tviewEscape("[red]x"); got != "[[red]x" {
		t.Errorf("tviewEscape = %q", got)
	}
}
