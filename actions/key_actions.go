package actions

import "time"

// KeyActions queues actions on a keyboard.
type KeyActions struct {
	builder *ActionBuilder
	source  *KeyInput
}

// KeyDown presses key.
func (k *KeyActions) KeyDown(key string) *KeyActions {
	k.builder.tick(k.source, keyDown(key))
	return k
}

// KeyUp releases key.
func (k *KeyActions) KeyUp(key string) *KeyActions {
	k.builder.tick(k.source, keyUp(key))
	return k
}

// SendKeys presses and releases every character of text in turn.
func (k *KeyActions) SendKeys(text string) *KeyActions {
	for _, r := range text {
		k.KeyDown(string(r)).KeyUp(string(r))
	}
	return k
}

// Pause idles the keyboard for d.
func (k *KeyActions) Pause(d time.Duration) *KeyActions {
	k.builder.tick(k.source, Pause(d))
	return k
}
