package actions

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/wanmail/selenium-grid"
)

type fakeElement struct {
	selenium.WebElement
	id string
}

func (e fakeElement) ID() string { return e.id }

type fakePerformer struct {
	performed [][]map[string]interface{}
	released  int
	err       error
}

func (p *fakePerformer) PerformActions(seqs []map[string]interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.performed = append(p.performed, seqs)
	return nil
}

func (p *fakePerformer) ReleaseActions() error {
	p.released++
	return nil
}

// normalize round-trips v through JSON so that it can be compared against a
// literal.
func normalize(t *testing.T, v interface{}) interface{} {
	t.Helper()
	var b []byte
	switch v := v.(type) {
	case string:
		b = []byte(v)
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			t.Fatalf("json.Marshal() returned error: %v", err)
		}
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("json.Unmarshal(%s) returned error: %v", b, err)
	}
	return out
}

func TestDragAndDrop(t *testing.T) {
	src, dst := fakeElement{id: "src"}, fakeElement{id: "dst"}
	a := New(&fakePerformer{}, WithMoveDuration(100*time.Millisecond))
	a.DragAndDrop(src, dst)

	want := `[
	  {"type": "key", "id": "keyboard", "actions": [
	    {"type": "pause", "duration": 0},
	    {"type": "pause", "duration": 0},
	    {"type": "pause", "duration": 0},
	    {"type": "pause", "duration": 0}]},
	  {"type": "pointer", "id": "mouse", "parameters": {"pointerType": "mouse"}, "actions": [
	    {"type": "pointerMove", "duration": 100, "x": 0, "y": 0,
	     "origin": {"element-6066-11e4-a52e-4f735466cecf": "src"}},
	    {"type": "pointerDown", "button": 0},
	    {"type": "pointerMove", "duration": 100, "x": 0, "y": 0,
	     "origin": {"element-6066-11e4-a52e-4f735466cecf": "dst"}},
	    {"type": "pointerUp", "button": 0}]},
	  {"type": "wheel", "id": "wheel", "actions": [
	    {"type": "pause", "duration": 0},
	    {"type": "pause", "duration": 0},
	    {"type": "pause", "duration": 0},
	    {"type": "pause", "duration": 0}]}
	]`
	if diff := cmp.Diff(normalize(t, want), normalize(t, a.Builder().Sequences())); diff != "" {
		t.Errorf("Sequences() returned diff (-want/+got):\n%s", diff)
	}
}

func TestSendKeysWithModifier(t *testing.T) {
	a := New(&fakePerformer{})
	a.KeyDown(selenium.ControlKey, nil).SendKeys("ab").KeyUp(selenium.ControlKey, nil)

	seqs := a.Builder().Sequences()
	keyboard := seqs[0]["actions"].([]Action)
	var got []string
	for _, act := range keyboard {
		got = append(got, act["type"].(string)+":"+act["value"].(string))
	}
	want := []string{
		"keyDown:" + selenium.ControlKey,
		"keyDown:a", "keyUp:a",
		"keyDown:b", "keyUp:b",
		"keyUp:" + selenium.ControlKey,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("keyboard actions returned diff (-want/+got):\n%s", diff)
	}
}

func TestTicksStayAligned(t *testing.T) {
	el := fakeElement{id: "el"}
	a := New(&fakePerformer{})
	a.MoveToElement(el).
		SendKeysToElement(el, "xyz").
		Pause(time.Second).
		DoubleClick(nil).
		ContextClick(el).
		ScrollByAmount(0, 200).
		DragAndDropBy(el, 10, 20)
	touch, err := a.Builder().AddPointerInput(PointerTouch, "finger")
	if err != nil {
		t.Fatalf("AddPointerInput() returned error: %v", err)
	}
	a.Builder().PointerOf(touch).MoveToLocation(5, 5).Down(0).Up(0)

	seqs := a.Builder().Sequences()
	if len(seqs) != 4 {
		t.Fatalf("len(Sequences()) = %d, want 4", len(seqs))
	}
	n := len(seqs[0]["actions"].([]Action))
	for _, s := range seqs {
		if got := len(s["actions"].([]Action)); got != n {
			t.Errorf("source %q has %d ticks, want %d", s["id"], got, n)
		}
	}
}

func TestPauseAppliesToAllSources(t *testing.T) {
	a := New(&fakePerformer{})
	a.Pause(1500 * time.Millisecond)
	for _, s := range a.Builder().Sequences() {
		got := s["actions"].([]Action)
		if diff := cmp.Diff([]Action{Pause(1500 * time.Millisecond)}, got); diff != "" {
			t.Errorf("source %q returned diff (-want/+got):\n%s", s["id"], diff)
		}
	}
}

func TestPerformAndReset(t *testing.T) {
	p := &fakePerformer{}
	a := New(p)

	if err := a.Perform(); err != nil {
		t.Fatalf("Perform() on empty chain returned error: %v", err)
	}
	if len(p.performed) != 0 {
		t.Errorf("Perform() on empty chain sent %d requests, want 0", len(p.performed))
	}

	a.ScrollToElement(fakeElement{id: "footer"})
	if err := a.Perform(); err != nil {
		t.Fatalf("Perform() returned error: %v", err)
	}
	if len(p.performed) != 1 {
		t.Fatalf("Perform() sent %d requests, want 1", len(p.performed))
	}
	if got := a.Builder().Sequences(); len(got) != 0 {
		t.Errorf("Sequences() after Perform() = %v, want empty", got)
	}

	p.err = errors.New("boom")
	a.Click(nil)
	if err := a.Perform(); err == nil {
		t.Fatal("Perform() returned nil error, want boom")
	}
	if got := a.Builder().Sequences(); len(got) == 0 {
		t.Error("Sequences() after failed Perform() is empty, want the queued click")
	}

	if err := a.Reset(); err != nil {
		t.Fatalf("Reset() returned error: %v", err)
	}
	if p.released != 1 {
		t.Errorf("ReleaseActions called %d times, want 1", p.released)
	}
	if got := a.Builder().Sequences(); len(got) != 0 {
		t.Errorf("Sequences() after Reset() = %v, want empty", got)
	}
}

func TestNewPointerInput(t *testing.T) {
	for _, kind := range []string{PointerMouse, PointerTouch, PointerPen} {
		p, err := NewPointerInput(kind, "")
		if err != nil {
			t.Errorf("NewPointerInput(%q) returned error: %v", kind, err)
			continue
		}
		if p.ID() == "" {
			t.Errorf("NewPointerInput(%q).ID() is empty", kind)
		}
	}
	if _, err := NewPointerInput("trackball", ""); err == nil {
		t.Error(`NewPointerInput("trackball") returned nil error`)
	}
}
