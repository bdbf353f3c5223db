package tui

import "github.com/gdamore/tcell/v2"

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor          tcell.Color
	FgColor          tcell.Color
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	ListCursorFg     tcell.Color
	ListCursorBg     tcell.Color
	TitleColor       tcell.Color
	UnreadColor      tcell.Color
	OwnMsgColor      tcell.Color
	PeerMsgColor     tcell.Color
	MutedColor       tcell.Color
	ErrorColor       tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:          tcell.ColorBlack,
		FgColor:          tcell.ColorCadetBlue,
		BorderColor:      tcell.ColorDodgerBlue,
		BorderFocusColor: tcell.ColorLightSkyBlue,
		ListCursorFg:     tcell.ColorBlack,
		ListCursorBg:     tcell.ColorAqua,
		TitleColor:       tcell.ColorFuchsia,
		UnreadColor:      tcell.ColorOrange,
		OwnMsgColor:      tcell.ColorLightGreen,
		PeerMsgColor:     tcell.ColorWhite,
		MutedColor:       tcell.ColorGray,
		ErrorColor:       tcell.ColorOrangeRed,
	}
}
