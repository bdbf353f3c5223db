// Package tui is the terminal frontend. It renders the room directory, the
// open message thread and the composer, and drives the client facade from
// key input. All sync state lives in the client; the TUI only redraws on
// bus events.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mvolkov/roomsync/internal/bus"
	"github.com/mvolkov/roomsync/internal/client"
	"github.com/mvolkov/roomsync/internal/status"
	"github.com/rivo/tview"
)

// App is the TUI application shell.
type App struct {
	app    *tview.Application
	pages  *tview.Pages
	client *client.Client
	theme  *Theme

	roomList   *tview.List
	thread     *tview.TextView
	typingView *tview.TextView
	header     *tview.TextView
	composer   *tview.InputField
	statusBar  *tview.TextView
	authForm   *tview.Form
	authErr    *tview.TextView

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *client.Client) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:    tview.NewApplication(),
		pages:  tview.NewPages(),
		client: c,
		theme:  DefaultTheme(),
		ctx:    ctx,
		cancel: cancel,
	}
	a.buildAuthPage()
	a.buildMainPage()
	a.app.SetRoot(a.pages, true)
	a.app.SetInputCapture(a.globalKeys)
	return a
}

// Run resumes a persisted session if possible, then enters the event loop.
func (a *App) Run() error {
	defer a.cancel()
	go a.watchBus()

	go func() {
		ok, err := a.client.Resume(a.ctx)
		a.app.QueueUpdateDraw(func() {
			if err != nil || !ok {
				a.pages.SwitchToPage("auth")
				return
			}
			a.pages.SwitchToPage("main")
			a.refreshAll()
		})
	}()

	return a.app.Run()
}

// Stop ends the event loop.
func (a *App) Stop() { a.app.Stop() }

func (a *App) globalKeys(ev *tcell.EventKey) *tcell.EventKey {
	if ev.Key() == tcell.KeyCtrlC {
		a.app.Stop()
		return nil
	}
	if ev.Key() == tcell.KeyEscape && a.client.Session.ActiveRoomID() != "" {
		a.client.CloseRoom(a.ctx)
		a.app.SetFocus(a.roomList)
		a.refreshAll()
		return nil
	}
	return ev
}

func (a *App) buildAuthPage() {
	a.authErr = tview.NewTextView().SetDynamicColors(true)
	a.authForm = tview.NewForm().
		AddInputField("Email", "", 40, nil, nil).
		AddPasswordField("Password", "", 40, '*', nil).
		AddInputField("Username (sign up)", "", 40, nil, nil)
	a.authForm.
		AddButton("Sign in", func() { a.authSubmit(false) }).
		AddButton("Sign up", func() { a.authSubmit(true) }).
		AddButton("Quit", func() { a.app.Stop() })
	a.authForm.SetBorder(true).SetTitle(" roomsync ").SetTitleColor(a.theme.TitleColor)

	page := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.authForm, 0, 3, true).
		AddItem(a.authErr, 1, 0, false)
	a.pages.AddPage("auth", page, true, true)
}

func (a *App) authSubmit(signUp bool) {
	email := a.authForm.GetFormItem(0).(*tview.InputField).GetText()
	password := a.authForm.GetFormItem(1).(*tview.InputField).GetText()
	username := a.authForm.GetFormItem(2).(*tview.InputField).GetText()

	go func() {
		var err error
		if signUp {
			err = a.client.SignUp(a.ctx, email, password, username)
		} else {
			err = a.client.SignIn(a.ctx, email, password)
		}
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.authErr.SetText(fmt.Sprintf("[orangered]%s[-]", tviewEscape(err.Error())))
				return
			}
			a.pages.SwitchToPage("main")
			a.app.SetFocus(a.roomList)
			a.refreshAll()
		})
	}()
}

func (a *App) buildMainPage() {
	a.roomList = tview.NewList().ShowSecondaryText(false)
	a.roomList.SetBorder(true).SetTitle(" rooms ")
	a.roomList.SetSelectedFunc(func(int, string, string, rune) {
		a.openSelectedRoom()
	})
	a.roomList.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Rune() {
		case 'n':
			a.prompt("new chat (user#tag)", func(text string) {
				go a.runAction(func() error { return a.client.StartDirectChat(a.ctx, text) })
			})
			return nil
		case 'g':
			a.prompt("new group (name: user#tag, user#tag)", func(text string) {
				name, handles := parseGroupSpec(text)
				go a.runAction(func() error { return a.client.CreateGroupChat(a.ctx, name, handles) })
			})
			return nil
		case 'd':
			a.confirmLeave()
			return nil
		case 'q':
			a.app.Stop()
			return nil
		}
		return ev
	})

	a.header = tview.NewTextView().SetDynamicColors(true)
	a.thread = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	a.thread.SetBorder(true)
	a.typingView = tview.NewTextView().SetDynamicColors(true).SetTextColor(a.theme.MutedColor)

	a.composer = tview.NewInputField().SetLabel("> ")
	a.composer.SetChangedFunc(func(text string) {
		go a.client.Typing.OnKeystroke(a.ctx, text)
	})
	a.composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := a.composer.GetText()
		a.composer.SetText("")
		go func() {
			if err := a.client.Stream.Send(a.ctx, text, nil); err != nil {
				a.flash(err.Error())
			}
		}()
	})

	a.statusBar = tview.NewTextView().SetDynamicColors(true)

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 1, 0, false).
		AddItem(a.thread, 0, 1, false).
		AddItem(a.typingView, 1, 0, false).
		AddItem(a.composer, 1, 0, true)

	main := tview.NewFlex().
		AddItem(a.roomList, 32, 0, true).
		AddItem(right, 0, 1, false)

	page := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(main, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)
	a.pages.AddPage("main", page, true, false)
}

func (a *App) openSelectedRoom() {
	rooms := a.client.Directory.Rooms()
	idx := a.roomList.GetCurrentItem()
	if idx < 0 || idx >= len(rooms) {
		return
	}
	roomID := rooms[idx].Room.ID
	go func() {
		if err := a.client.OpenRoom(a.ctx, roomID); err != nil {
			a.flash(err.Error())
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.refreshAll()
			a.app.SetFocus(a.composer)
		})
	}()
}

// prompt overlays a one-line input; Enter submits, Escape cancels.
func (a *App) prompt(label string, submit func(string)) {
	input := tview.NewInputField().SetLabel(" " + label + ": ")
	input.SetDoneFunc(func(key tcell.Key) {
		text := input.GetText()
		a.pages.RemovePage("prompt")
		a.app.SetFocus(a.roomList)
		if key == tcell.KeyEnter && text != "" {
			submit(text)
		}
	})
	input.SetBorder(true)

	modal := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(input, 3, 0, true).
		AddItem(nil, 0, 2, false)
	a.pages.AddPage("prompt", modal, true, true)
	a.app.SetFocus(input)
}

func (a *App) confirmLeave() {
	rooms := a.client.Directory.Rooms()
	idx := a.roomList.GetCurrentItem()
	if idx < 0 || idx >= len(rooms) {
		return
	}
	e := rooms[idx]
	roomID := e.Room.ID

	modal := tview.NewModal().
		SetText(fmt.Sprintf("Leave %q?", e.DisplayName())).
		AddButtons([]string{"Leave", "Delete for everyone", "Cancel"})
	modal.SetDoneFunc(func(_ int, label string) {
		a.pages.RemovePage("confirm")
		a.app.SetFocus(a.roomList)
		switch label {
		case "Leave":
			go a.runAction(func() error { return a.client.LeaveRoom(a.ctx, roomID, false) })
		case "Delete for everyone":
			go a.runAction(func() error { return a.client.LeaveRoom(a.ctx, roomID, true) })
		}
	})
	a.pages.AddPage("confirm", modal, true, true)
}

// runAction runs a client call off the UI goroutine and surfaces failures.
func (a *App) runAction(fn func() error) {
	if err := fn(); err != nil {
		a.flash(err.Error())
		return
	}
	a.app.QueueUpdateDraw(a.refreshAll)
}

// parseGroupSpec splits "name: a#1, b#2" into the name and the handles.
func parseGroupSpec(text string) (string, []string) {
	name := text
	var handles []string
	if i := strings.Index(text, ":"); i >= 0 {
		name = strings.TrimSpace(text[:i])
		for _, h := range strings.Split(text[i+1:], ",") {
			if h = strings.TrimSpace(h); h != "" {
				handles = append(handles, h)
			}
		}
	}
	return name, handles
}

// watchBus redraws on any state change published by the sync components.
func (a *App) watchBus() {
	ch, unsub := a.client.Bus.Subscribe("", 256)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			a.handleEvent(evt)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "directory.removed":
		if rr, ok := evt.Payload.(*bus.RoomRemoved); ok {
			if rr.Dissolved {
				a.flash(fmt.Sprintf("%q was deleted", rr.RoomName))
			} else {
				a.flash(fmt.Sprintf("you were removed from %q", rr.RoomName))
			}
		}
		a.app.QueueUpdateDraw(a.refreshAll)
	case "session.status_changed":
		a.app.QueueUpdateDraw(a.refreshStatus)
	default:
		a.app.QueueUpdateDraw(a.refreshAll)
	}
}

func (a *App) flash(msg string) {
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetText(fmt.Sprintf("[orangered]%s[-]", tviewEscape(msg)))
	})
	time.AfterFunc(5*time.Second, func() {
		a.app.QueueUpdateDraw(a.refreshStatus)
	})
}

func (a *App) refreshAll() {
	a.refreshRooms()
	a.refreshThread()
	a.refreshStatus()
}

func (a *App) refreshRooms() {
	idx := a.roomList.GetCurrentItem()
	a.roomList.Clear()
	for _, e := range a.client.Directory.Rooms() {
		a.roomList.AddItem(roomLine(e), "", 0, nil)
	}
	if idx >= 0 && idx < a.roomList.GetItemCount() {
		a.roomList.SetCurrentItem(idx)
	}
}

func (a *App) refreshThread() {
	active := a.client.Session.ActiveRoomID()
	if active == "" {
		a.header.SetText("")
		a.thread.SetText("")
		a.typingView.SetText("")
		return
	}

	if e, ok := a.client.Directory.Get(active); ok {
		title := e.DisplayName()
		if e.Partner != nil {
			if line := presenceLine(*e.Partner, time.Now()); line != "" {
				title += "  [gray]" + line + "[-]"
			}
		}
		a.header.SetText(title)
	}

	me := a.client.Session.UserID()
	var text string
	for _, it := range a.client.Stream.Messages() {
		text += messageLine(it, me) + "\n"
	}
	a.thread.SetText(text)
	a.thread.ScrollToEnd()
	a.typingView.SetText(typingLine(a.peerNames()))
}

// peerNames resolves typing peer ids to display names via the profiles the
// stream already holds.
func (a *App) peerNames() []string {
	ids := a.client.Typing.Peers()
	if len(ids) == 0 {
		return nil
	}
	byID := make(map[string]string)
	for _, it := range a.client.Stream.Messages() {
		byID[it.Author.ID] = it.Author.DisplayName()
	}
	if e, ok := a.client.Directory.Get(a.client.Session.ActiveRoomID()); ok && e.Partner != nil {
		byID[e.Partner.ID] = e.Partner.DisplayName()
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := byID[id]; ok {
			names = append(names, name)
		} else {
			names = append(names, id)
		}
	}
	return names
}

func (a *App) refreshStatus() {
	state := a.client.Machine.Current()
	color := "cadetblue"
	if state == status.Reconnecting {
		color = "orange"
	}
	user := a.client.Session.User()
	a.statusBar.SetText(fmt.Sprintf(" [%s]%s[-]  %s", color, state, tviewEscape(user.Handle())))
}
