package actions

import (
	"time"

	"github.com/wanmail/selenium-grid"
)

// PointerActions queues actions on a pointer.
type PointerActions struct {
	builder  *ActionBuilder
	source   *PointerInput
	duration time.Duration
}

// MoveTo moves the pointer to the center of element, shifted by x and y.
func (p *PointerActions) MoveTo(element selenium.WebElement, x, y int) *PointerActions {
	p.builder.tick(p.source, pointerMove(ElementOrigin(element), x, y, p.duration))
	return p
}

// MoveBy moves the pointer relative to its current position.
func (p *PointerActions) MoveBy(x, y int) *PointerActions {
	p.builder.tick(p.source, pointerMove(PointerOrigin, x, y, p.duration))
	return p
}

// MoveToLocation moves the pointer to a point of the viewport.
func (p *PointerActions) MoveToLocation(x, y int) *PointerActions {
	p.builder.tick(p.source, pointerMove(ViewportOrigin, x, y, p.duration))
	return p
}

// Down presses button.
func (p *PointerActions) Down(button int) *PointerActions {
	p.builder.tick(p.source, pointerDown(button))
	return p
}

// Up releases button.
func (p *PointerActions) Up(button int) *PointerActions {
	p.builder.tick(p.source, pointerUp(button))
	return p
}

// Click presses and releases button.
func (p *PointerActions) Click(button int) *PointerActions {
	return p.Down(button).Up(button)
}

// DoubleClick clicks the left button twice.
func (p *PointerActions) DoubleClick() *PointerActions {
	return p.Click(selenium.LeftButton).Click(selenium.LeftButton)
}

// Pause idles the pointer for d.
func (p *PointerActions) Pause(d time.Duration) *PointerActions {
	p.builder.tick(p.source, Pause(d))
	return p
}

// WheelActions queues actions on a wheel.
type WheelActions struct {
	builder  *ActionBuilder
	source   *WheelInput
	duration time.Duration
}

// Scroll scrolls by deltaX and deltaY, starting from the point at x and y
// relative to origin.
func (w *WheelActions) Scroll(origin Origin, x, y, deltaX, deltaY int) *WheelActions {
	w.builder.tick(w.source, scroll(origin, x, y, deltaX, deltaY, w.duration))
	return w
}

// Pause idles the wheel for d.
func (w *WheelActions) Pause(d time.Duration) *WheelActions {
	w.builder.tick(w.source, Pause(d))
	return w
}
