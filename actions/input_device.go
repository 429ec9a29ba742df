package actions

import (
	"github.com/google/uuid"
)

// InputSource is a virtual input device whose actions are dispatched together
// with those of the other sources, one tick at a time.
type InputSource interface {
	// ID returns the unique identifier of the source within a session.
	ID() string
	// Type returns SourceKey, SourcePointer or SourceWheel.
	Type() string
	// Actions returns the queued tick actions.
	Actions() []Action
	// Encode returns the source in the form expected by the actions endpoint.
	Encode() map[string]interface{}

	add(Action)
	clear()
}

type inputDevice struct {
	id      string
	typ     string
	actions []Action
}

func newInputDevice(typ, id string) inputDevice {
	if id == "" {
		id = uuid.NewString()
	}
	return inputDevice{id: id, typ: typ}
}

func (d *inputDevice) ID() string        { return d.id }
func (d *inputDevice) Type() string      { return d.typ }
func (d *inputDevice) Actions() []Action { return d.actions }

func (d *inputDevice) add(a Action) {
	d.actions = append(d.actions, a)
}

func (d *inputDevice) clear() {
	d.actions = nil
}

func (d *inputDevice) encode() map[string]interface{} {
	actions := make([]Action, len(d.actions))
	copy(actions, d.actions)
	return map[string]interface{}{
		"type":    d.typ,
		"id":      d.id,
		"actions": actions,
	}
}
