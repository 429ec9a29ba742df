// Package actions builds W3C WebDriver input sequences: pointer moves,
// clicks, drags, key chords and wheel scrolls, dispatched in one call to the
// actions endpoint of a session.
package actions

import (
	"time"

	"github.com/wanmail/selenium-grid"
)

// Performer sends encoded input sequences to a session. selenium.WebDriver
// implements it.
type Performer interface {
	PerformActions(sequences []map[string]interface{}) error
	ReleaseActions() error
}

// Actions is a fluent builder of user interactions. Nothing is sent to the
// browser until Perform is called.
//
//	err := actions.New(wd).
//		KeyDown(selenium.ControlKey, nil).
//		Click(link).
//		KeyUp(selenium.ControlKey, nil).
//		Perform()
type Actions struct {
	driver  Performer
	builder *ActionBuilder
}

// Option configures Actions.
type Option func(*Actions)

// WithMoveDuration sets the duration of pointer moves and scrolls.
func WithMoveDuration(d time.Duration) Option {
	return func(a *Actions) {
		a.builder = NewActionBuilder(d)
	}
}

// New returns an empty chain of actions for driver.
func New(driver Performer, opts ...Option) *Actions {
	a := &Actions{driver: driver, builder: NewActionBuilder(DefaultMoveDuration)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Builder gives access to the underlying sources, e.g. to add a second
// pointer for multi-touch gestures.
func (a *Actions) Builder() *ActionBuilder {
	return a.builder
}

// Perform sends the queued actions and clears them.
func (a *Actions) Perform() error {
	seqs := a.builder.Sequences()
	if len(seqs) == 0 {
		return nil
	}
	if err := a.driver.PerformActions(seqs); err != nil {
		return err
	}
	a.builder.Clear()
	return nil
}

// Reset clears the queued actions and releases every key and button still
// held down in the browser.
func (a *Actions) Reset() error {
	a.builder.Clear()
	return a.driver.ReleaseActions()
}

// MoveToElement moves the mouse to the center of element.
func (a *Actions) MoveToElement(element selenium.WebElement) *Actions {
	a.builder.Pointer().MoveTo(element, 0, 0)
	return a
}

// MoveToElementWithOffset moves the mouse to the center of element, shifted
// by x and y.
func (a *Actions) MoveToElementWithOffset(element selenium.WebElement, x, y int) *Actions {
	a.builder.Pointer().MoveTo(element, x, y)
	return a
}

// MoveByOffset moves the mouse relative to its current position.
func (a *Actions) MoveByOffset(x, y int) *Actions {
	a.builder.Pointer().MoveBy(x, y)
	return a
}

// MoveToLocation moves the mouse to a point of the viewport.
func (a *Actions) MoveToLocation(x, y int) *Actions {
	a.builder.Pointer().MoveToLocation(x, y)
	return a
}

// moveIfElement moves to element unless it is nil.
func (a *Actions) moveIfElement(element selenium.WebElement) {
	if element != nil {
		a.MoveToElement(element)
	}
}

// Click clicks element, or the current mouse position if element is nil.
func (a *Actions) Click(element selenium.WebElement) *Actions {
	a.moveIfElement(element)
	a.builder.Pointer().Click(selenium.LeftButton)
	return a
}

// ClickAndHold presses the left button on element, or at the current mouse
// position if element is nil.
func (a *Actions) ClickAndHold(element selenium.WebElement) *Actions {
	a.moveIfElement(element)
	a.builder.Pointer().Down(selenium.LeftButton)
	return a
}

// Release releases the left button over element, or at the current mouse
// position if element is nil.
func (a *Actions) Release(element selenium.WebElement) *Actions {
	a.moveIfElement(element)
	a.builder.Pointer().Up(selenium.LeftButton)
	return a
}

// ContextClick right-clicks element, or the current mouse position if element
// is nil.
func (a *Actions) ContextClick(element selenium.WebElement) *Actions {
	a.moveIfElement(element)
	a.builder.Pointer().Click(selenium.RightButton)
	return a
}

// DoubleClick double-clicks element, or the current mouse position if element
// is nil.
func (a *Actions) DoubleClick(element selenium.WebElement) *Actions {
	a.moveIfElement(element)
	a.builder.Pointer().DoubleClick()
	return a
}

// DragAndDrop drags source onto target.
func (a *Actions) DragAndDrop(source, target selenium.WebElement) *Actions {
	return a.ClickAndHold(source).Release(target)
}

// DragAndDropBy drags source by x and y.
func (a *Actions) DragAndDropBy(source selenium.WebElement, x, y int) *Actions {
	return a.ClickAndHold(source).MoveByOffset(x, y).Release(nil)
}

// KeyDown presses key, after clicking element unless it is nil. It should
// only be used with modifier keys such as selenium.ControlKey.
func (a *Actions) KeyDown(key string, element selenium.WebElement) *Actions {
	if element != nil {
		a.Click(element)
	}
	a.builder.Keys().KeyDown(key)
	return a
}

// KeyUp releases key, after clicking element unless it is nil.
func (a *Actions) KeyUp(key string, element selenium.WebElement) *Actions {
	if element != nil {
		a.Click(element)
	}
	a.builder.Keys().KeyUp(key)
	return a
}

// SendKeys types keys into the focused element.
func (a *Actions) SendKeys(keys string) *Actions {
	a.builder.Keys().SendKeys(keys)
	return a
}

// SendKeysToElement clicks element and types keys into it.
func (a *Actions) SendKeysToElement(element selenium.WebElement, keys string) *Actions {
	return a.Click(element).SendKeys(keys)
}

// ScrollToElement scrolls until element is in the viewport.
func (a *Actions) ScrollToElement(element selenium.WebElement) *Actions {
	a.builder.Wheel().Scroll(ElementOrigin(element), 0, 0, 0, 0)
	return a
}

// ScrollByAmount scrolls the viewport by deltaX and deltaY.
func (a *Actions) ScrollByAmount(deltaX, deltaY int) *Actions {
	a.builder.Wheel().Scroll(ViewportOrigin, 0, 0, deltaX, deltaY)
	return a
}

// ScrollFromOrigin scrolls by deltaX and deltaY starting at x and y relative
// to origin.
func (a *Actions) ScrollFromOrigin(origin Origin, x, y, deltaX, deltaY int) *Actions {
	a.builder.Wheel().Scroll(origin, x, y, deltaX, deltaY)
	return a
}

// Pause idles every source for d.
func (a *Actions) Pause(d time.Duration) *Actions {
	a.builder.Pause(d)
	return a
}
