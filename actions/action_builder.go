package actions

import "time"

// DefaultMoveDuration is the duration of pointer moves and scrolls.
const DefaultMoveDuration = 250 * time.Millisecond

// ActionBuilder queues tick actions on a set of input sources. Whenever one
// source gets an action, the others get a zero-length pause, so that every
// source always has the same number of ticks.
type ActionBuilder struct {
	sources  []InputSource
	duration time.Duration

	keyboard *KeyInput
	mouse    *PointerInput
	wheel    *WheelInput
}

// NewActionBuilder returns a builder with a keyboard, a mouse and a wheel.
// Pointer moves and scrolls last duration; a zero duration means
// DefaultMoveDuration.
func NewActionBuilder(duration time.Duration) *ActionBuilder {
	if duration == 0 {
		duration = DefaultMoveDuration
	}
	b := &ActionBuilder{duration: duration}
	b.keyboard = b.AddKeyInput("keyboard")
	b.mouse, _ = b.AddPointerInput(PointerMouse, "mouse")
	b.wheel = b.AddWheelInput("wheel")
	return b
}

// AddKeyInput adds a keyboard source.
func (b *ActionBuilder) AddKeyInput(id string) *KeyInput {
	k := NewKeyInput(id)
	b.addSource(k)
	return k
}

// AddPointerInput adds a pointer source of the given kind.
func (b *ActionBuilder) AddPointerInput(kind, id string) (*PointerInput, error) {
	p, err := NewPointerInput(kind, id)
	if err != nil {
		return nil, err
	}
	b.addSource(p)
	return p, nil
}

// AddWheelInput adds a wheel source.
func (b *ActionBuilder) AddWheelInput(id string) *WheelInput {
	w := NewWheelInput(id)
	b.addSource(w)
	return w
}

func (b *ActionBuilder) addSource(s InputSource) {
	for n := b.ticks(); len(s.Actions()) < n; {
		s.add(Pause(0))
	}
	b.sources = append(b.sources, s)
}

// ticks returns the number of ticks queued so far.
func (b *ActionBuilder) ticks() int {
	n := 0
	for _, s := range b.sources {
		if l := len(s.Actions()); l > n {
			n = l
		}
	}
	return n
}

// tick queues a on src and pads every other source with a pause.
func (b *ActionBuilder) tick(src InputSource, a Action) {
	src.add(a)
	n := len(src.Actions())
	for _, s := range b.sources {
		for len(s.Actions()) < n {
			s.add(Pause(0))
		}
	}
}

// Keys returns the actions of the default keyboard.
func (b *ActionBuilder) Keys() *KeyActions {
	return b.KeysOf(b.keyboard)
}

// KeysOf returns the actions of a keyboard added with AddKeyInput.
func (b *ActionBuilder) KeysOf(k *KeyInput) *KeyActions {
	return &KeyActions{builder: b, source: k}
}

// Pointer returns the actions of the default mouse.
func (b *ActionBuilder) Pointer() *PointerActions {
	return b.PointerOf(b.mouse)
}

// PointerOf returns the actions of a pointer added with AddPointerInput.
func (b *ActionBuilder) PointerOf(p *PointerInput) *PointerActions {
	return &PointerActions{builder: b, source: p, duration: b.duration}
}

// Wheel returns the actions of the default wheel.
func (b *ActionBuilder) Wheel() *WheelActions {
	return b.WheelOf(b.wheel)
}

// WheelOf returns the actions of a wheel added with AddWheelInput.
func (b *ActionBuilder) WheelOf(w *WheelInput) *WheelActions {
	return &WheelActions{builder: b, source: w, duration: b.duration}
}

// Pause queues a pause of d on every source.
func (b *ActionBuilder) Pause(d time.Duration) {
	n := b.ticks() + 1
	for _, s := range b.sources {
		for len(s.Actions()) < n {
			s.add(Pause(d))
		}
	}
}

// Sequences encodes the sources that have queued actions.
func (b *ActionBuilder) Sequences() []map[string]interface{} {
	var seqs []map[string]interface{}
	for _, s := range b.sources {
		if len(s.Actions()) == 0 {
			continue
		}
		seqs = append(seqs, s.Encode())
	}
	return seqs
}

// Clear drops every queued action.
func (b *ActionBuilder) Clear() {
	for _, s := range b.sources {
		s.clear()
	}
}
