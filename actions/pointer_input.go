package actions

import (
	"fmt"
	"time"
)

// PointerInput is a mouse, a touch contact or a pen.
type PointerInput struct {
	inputDevice
	kind string
}

// NewPointerInput returns a pointer source of the given kind (PointerMouse,
// PointerTouch or PointerPen). An empty id is replaced by a random one.
func NewPointerInput(kind, id string) (*PointerInput, error) {
	switch kind {
	case PointerMouse, PointerTouch, PointerPen:
	default:
		return nil, fmt.Errorf("invalid pointer type %q", kind)
	}
	return &PointerInput{inputDevice: newInputDevice(SourcePointer, id), kind: kind}, nil
}

// Kind returns the pointer type.
func (p *PointerInput) Kind() string {
	return p.kind
}

// Encode implements InputSource.
func (p *PointerInput) Encode() map[string]interface{} {
	enc := p.encode()
	enc["parameters"] = map[string]interface{}{"pointerType": p.kind}
	return enc
}

func pointerMove(origin Origin, x, y int, d time.Duration) Action {
	if origin == nil {
		origin = ViewportOrigin
	}
	return Action{
		"type":     typePointerMove,
		"duration": d.Milliseconds(),
		"origin":   origin,
		"x":        x,
		"y":        y,
	}
}

func pointerDown(button int) Action {
	return Action{"type": typePointerDown, "button": button}
}

func pointerUp(button int) Action {
	return Action{"type": typePointerUp, "button": button}
}
