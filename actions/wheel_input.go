package actions

import "time"

// WheelInput is a scroll wheel.
type WheelInput struct {
	inputDevice
}

// NewWheelInput returns a wheel source. An empty id is replaced by a random
// one.
func NewWheelInput(id string) *WheelInput {
	return &WheelInput{newInputDevice(SourceWheel, id)}
}

// Encode implements InputSource.
func (w *WheelInput) Encode() map[string]interface{} {
	return w.encode()
}

func scroll(origin Origin, x, y, deltaX, deltaY int, d time.Duration) Action {
	if origin == nil {
		origin = ViewportOrigin
	}
	return Action{
		"type":     typeScroll,
		"duration": d.Milliseconds(),
		"origin":   origin,
		"x":        x,
		"y":        y,
		"deltaX":   deltaX,
		"deltaY":   deltaY,
	}
}
