package session

import (
	"time"
	"unicode/utf16"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
)

// ActionKind tags Action.
type ActionKind int

const (
	KeyPress ActionKind = iota // down then up
	KeyDown
	KeyUp
	TypeText
	MouseMove
	MouseButton
	Wheel
	// Pause waits Delay before the following actions are sent, e.g. for a
	// remote dialog to open.
	Pause
)

// Action is an abstract input action.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Keyboard: set 1 scancode, Extended for the E0 prefix.
	Scancode uint16 `json:"scancode,omitempty"`
	Extended bool   `json:"extended,omitempty"`

	Text string `json:"text,omitempty"`

	X      int  `json:"x,omitempty"`
	Y      int  `json:"y,omitempty"`
	Button int  `json:"button,omitempty"`
	Down   bool `json:"down,omitempty"`
	Delta  int  `json:"delta,omitempty"`

	Delay time.Duration `json:"delay,omitempty"`
}

// Scancodes used by the synthesized command sequences.
const (
	ScancodeEnter = 0x1C
	ScancodeR     = 0x13
	ScancodeLWin  = 0x5B // extended
)

// MaxPause bounds the wait between two input batches. Longer Pause delays
// are clamped.
const MaxPause = 2 * time.Second

// runDialogDelay gives the remote shell time to show the Run dialog.
const runDialogDelay = 500 * time.Millisecond

// runCommand opens the Run dialog (Win+R), types cmd and presses Enter.
func runCommand(cmd string) []Action {
	return []Action{
		{Kind: KeyDown, Scancode: ScancodeLWin, Extended: true},
		{Kind: KeyPress, Scancode: ScancodeR},
		{Kind: KeyUp, Scancode: ScancodeLWin, Extended: true},
		{Kind: Pause, Delay: runDialogDelay},
		{Kind: TypeText, Text: cmd},
		{Kind: KeyPress, Scancode: ScancodeEnter},
	}
}

// SignOutSequence logs the remote user off.
func SignOutSequence() []Action {
	return runCommand("logoff")
}

// ForceRebootSequence reboots the remote host immediately.
func ForceRebootSequence() []Action {
	return runCommand("shutdown /r /f /t 0")
}

// Batches translates actions to wire events, split at Pause actions. The
// returned delays[i] is the wait before batches[i], at most MaxPause.
func Batches(actions []Action) (batches [][]transport.InputEvent, delays []time.Duration) {
	var (
		current []transport.InputEvent
		wait    time.Duration
	)

	for _, a := range actions {
		if a.Kind == Pause {
			if len(current) > 0 {
				batches = append(batches, current)
				delays = append(delays, wait)
				current, wait = nil, 0
			}
			if a.Delay > 0 {
				wait = min(wait+a.Delay, MaxPause)
			}
			continue
		}
		current = appendEvents(current, a)
	}
	if len(current) > 0 {
		batches = append(batches, current)
		delays = append(delays, wait)
	}
	return batches, delays
}

// Translate converts actions to wire events, ignoring pauses.
func Translate(actions []Action) []transport.InputEvent {
	var events []transport.InputEvent
	for _, a := range actions {
		events = appendEvents(events, a)
	}
	return events
}

func appendEvents(events []transport.InputEvent, a Action) []transport.InputEvent {
	key := func(down bool) transport.InputEvent {
		return transport.InputEvent{Kind: transport.InputScancode, Code: a.Scancode, Extended: a.Extended, Down: down}
	}

	switch a.Kind {
	case KeyPress:
		events = append(events, key(true), key(false))
	case KeyDown:
		events = append(events, key(true))
	case KeyUp:
		events = append(events, key(false))
	case TypeText:
		for _, unit := range utf16.Encode([]rune(a.Text)) {
			events = append(events,
				transport.InputEvent{Kind: transport.InputUnicode, Code: unit, Down: true},
				transport.InputEvent{Kind: transport.InputUnicode, Code: unit, Down: false},
			)
		}
	case MouseMove:
		events = append(events, transport.InputEvent{Kind: transport.InputMouseMove, X: a.X, Y: a.Y})
	case MouseButton:
		events = append(events, transport.InputEvent{Kind: transport.InputMouseButton, X: a.X, Y: a.Y, Button: a.Button, Down: a.Down})
	case Wheel:
		events = append(events, transport.InputEvent{Kind: transport.InputWheel, X: a.X, Y: a.Y, Delta: a.Delta})
	}
	return events
}
