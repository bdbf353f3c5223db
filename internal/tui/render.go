package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/mvolkov/roomsync/internal/directory"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/presence"
	"github.com/mvolkov/roomsync/internal/stream"
)

// roomLine renders one directory entry for the room list.
func roomLine(e directory.Entry) string {
	name := tviewEscape(e.DisplayName())
	if e.Room.IsGroup() {
		name = "# " + name
	}
	if e.Unread > 0 {
		return fmt.Sprintf("[orange](%d)[-] %s", e.Unread, name)
	}
	return name
}

// messageLine renders one message for the thread view.
func messageLine(it stream.Item, ownID string) string {
	color := "white"
	if it.Message.UserID == ownID {
		color = "lightgreen"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[gray]%s[-] [%s]%s[-]: %s",
		it.Message.CreatedAt.Local().Format("15:04"),
		color,
		tviewEscape(it.Author.DisplayName()),
		tviewEscape(it.Message.Content),
	)
	for _, a := range it.Message.Attachments {
		switch {
		case a.IsVoice():
			fmt.Fprintf(&b, " [aqua][voice %.0fs][-]", a.Duration)
		case a.IsImage():
			fmt.Fprintf(&b, " [aqua][image %s][-]", tviewEscape(a.Name))
		default:
			fmt.Fprintf(&b, " [aqua][file %s][-]", tviewEscape(a.Name))
		}
	}
	if it.Message.IsEdited {
		b.WriteString(" [gray](edited)[-]")
	}
	return b.String()
}

// typingLine renders the composing-peers indicator under the thread.
func typingLine(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return "several people are typing..."
	}
}

// presenceLine renders a peer's presence for the room header.
func presenceLine(p model.Profile, now time.Time) string {
	if presence.IsOnline(p, now) {
		return "online"
	}
	if p.LastSeen.IsZero() {
		return ""
	}
	return "last seen " + presence.LastSeenText(p.LastSeen, now)
}

// tviewEscape keeps user content from being parsed as color tags.
func tviewEscape(s string) string {
	return strings.ReplaceAll(s, "[", "[[")
}
