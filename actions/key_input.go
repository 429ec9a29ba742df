package actions

// KeyInput is a keyboard.
type KeyInput struct {
	inputDevice
}

// NewKeyInput returns a keyboard source. An empty id is replaced by a random
// one.
func NewKeyInput(id string) *KeyInput {
	return &KeyInput{newInputDevice(SourceKey, id)}
}

// Encode implements InputSource.
func (k *KeyInput) Encode() map[string]interface{} {
	return k.encode()
}

func keyDown(key string) Action {
	return Action{"type": typeKeyDown, "value": key}
}

func keyUp(key string) Action {
	return Action{"type": typeKeyUp, "value": key}
}
