package actions

import (
	"time"

	"github.com/wanmail/selenium-grid"
)

// Input source types.
const (
	SourceKey     = "key"
	SourcePointer = "pointer"
	SourceWheel   = "wheel"
)

// Pointer types.
const (
	PointerMouse = "mouse"
	PointerTouch = "touch"
	PointerPen   = "pen"
)

// Action types, as they appear in the "type" field of a tick action.
const (
	typePause       = "pause"
	typeKeyDown     = "keyDown"
	typeKeyUp       = "keyUp"
	typePointerDown = "pointerDown"
	typePointerUp   = "pointerUp"
	typePointerMove = "pointerMove"
	typeScroll      = "scroll"
)

// Origin is the reference point of a pointer move or a scroll. It is either
// ViewportOrigin, PointerOrigin or the value returned by ElementOrigin.
type Origin interface{}

// Origins that are not tied to an element.
const (
	ViewportOrigin = "viewport"
	PointerOrigin  = "pointer"
)

// ElementOrigin makes offsets relative to the center of element.
func ElementOrigin(element selenium.WebElement) Origin {
	return map[string]string{selenium.WebElementIdentifier: element.ID()}
}

// Action is a single tick action of an input source.
type Action map[string]interface{}

// Pause returns a pause action of the given duration.
func Pause(d time.Duration) Action {
	return Action{"type": typePause, "duration": d.Milliseconds()}
}
