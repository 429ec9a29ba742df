// Package seleniumtest provides a fake WebDriver remote end and a suite of
// tests that exercise package selenium against any remote end. The suite is
// in a separate package so that the grid can run it through its router.
package seleniumtest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/wanmail/selenium-grid"
)

// DefaultTitle is the title of every page before the button is clicked.
const DefaultTitle = "Go Selenium Test Suite"

// ScreenshotPNG is the content returned by the screenshot command.
var ScreenshotPNG = []byte("\x89PNG fake screenshot")

type fakeElement struct {
	id        string
	tag       string
	text      string
	selectors []string
	attrs     map[string]string
	hidden    bool
}

// page is the DOM every session sees.
var page = []fakeElement{
	{id: "button", tag: "button", text: "Click me", selectors: []string{"#button"}, attrs: map[string]string{"id": "button", "type": "submit"}},
	{id: "input", tag: "input", selectors: []string{"#input"}, attrs: map[string]string{"id": "input", "name": "q"}},
	{id: "item-1", tag: "li", text: "Item 1", selectors: []string{"li", "#item-1"}},
	{id: "item-2", tag: "li", text: "Item 2", selectors: []string{"li", "#item-2"}},
	{id: "item-3", tag: "li", text: "Item 3", selectors: []string{"li", "#item-3"}},
	{id: "hidden", tag: "div", selectors: []string{"#hidden"}, hidden: true},
}

func (e fakeElement) matches(using, value string) bool {
	switch using {
	case selenium.ByCSSSelector:
		for _, s := range e.selectors {
			if s == value {
				return true
			}
		}
	case selenium.ByID:
		return e.attrs["id"] == value
	case selenium.ByTagName:
		return e.tag == value
	case selenium.ByName:
		return e.attrs["name"] != "" && e.attrs["name"] == value
	}
	return false
}

// Session is the state of a session on the fake remote end.
type Session struct {
	ID           string
	Capabilities selenium.Capabilities
	URL          string
	History      []string
	Title        string
	// Inputs holds the keys sent to each element.
	Inputs   map[string]string
	Clicks   []string
	Actions  [][]interface{}
	Released int
	Timeouts map[string]interface{}
	Cookies  []map[string]interface{}
	Alert    string
}

// Driver is a fake WebDriver remote end served by an httptest.Server.
type Driver struct {
	server *httptest.Server
	prefix string
	legacy bool
	caps   selenium.Capabilities

	mu            sync.Mutex
	sessions      map[string]*Session
	deleted       []string
	newSessionErr *selenium.Error
	requests      []string
}

// Option configures a Driver.
type Option func(*Driver)

// WithPrefix serves the WebDriver API under prefix, e.g. "/wd/hub".
func WithPrefix(prefix string) Option {
	return func(d *Driver) { d.prefix = strings.TrimSuffix(prefix, "/") }
}

// Legacy makes the driver answer in the JSON wire protocol format.
func Legacy() Option {
	return func(d *Driver) { d.legacy = true }
}

// WithCapabilities adds caps to the capabilities returned for every session.
func WithCapabilities(caps selenium.Capabilities) Option {
	return func(d *Driver) { d.caps = caps }
}

// NewDriver starts a fake remote end that is closed when the test ends.
func NewDriver(t testing.TB, opts ...Option) *Driver {
	d := &Driver{sessions: make(map[string]*Session)}
	for _, opt := range opts {
		opt(d)
	}
	d.server = httptest.NewServer(d.handler())
	t.Cleanup(d.server.Close)
	return d
}

// URL returns the URL prefix of the WebDriver API.
func (d *Driver) URL() string {
	return d.server.URL + d.prefix
}

// FailNewSession makes every new session request fail with err. A nil err
// restores normal behavior.
func (d *Driver) FailNewSession(err *selenium.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newSessionErr = err
}

// Session returns a copy of the state of session id.
func (d *Driver) Session(id string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionIDs returns the ids of the live sessions.
func (d *Driver) SessionIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Deleted returns the ids of the sessions deleted so far.
func (d *Driver) Deleted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...)
}

// SetAlert opens an alert with text in session id.
func (d *Driver) SetAlert(id, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[id]; ok {
		s.Alert = text
	}
}

// Requests returns "METHOD path" for every request received, prefix
// excluded.
func (d *Driver) Requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

var legacyStatus = map[string]int{
	selenium.ErrInvalidSessionID:      6,
	selenium.ErrNoSuchElement:         7,
	selenium.ErrUnknownCommand:        9,
	selenium.ErrNoSuchAlert:           27,
	selenium.ErrSessionNotCreated:     33,
	selenium.ErrJavascriptError:       17,
	selenium.ErrStaleElementReference: 10,
	selenium.ErrInvalidArgument:       13,
}

func (d *Driver) writeValue(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", selenium.JSONType)
	reply := map[string]interface{}{"value": v}
	if d.legacy {
		reply["status"] = 0
	}
	json.NewEncoder(w).Encode(reply)
}

func (d *Driver) writeError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", selenium.JSONType)
	if d.legacy {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": legacyStatus[code],
			"value":  map[string]string{"message": message},
		})
		return
	}
	wdErr := selenium.NewError(code, message)
	w.WriteHeader(wdErr.HTTPCode)
	json.NewEncoder(w).Encode(wdErr)
}

func elementRef(id string) map[string]string {
	return map[string]string{selenium.WebElementIdentifier: id, selenium.LegacyWebElementIdentifier: id}
}

func lookupElement(id string) (fakeElement, bool) {
	for _, e := range page {
		if e.id == id {
			return e, true
		}
	}
	return fakeElement{}, false
}

func (d *Driver) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		d.writeValue(w, map[string]interface{}{
			"ready":   true,
			"message": "fake driver ready",
			"build":   map[string]string{"version": "fake-1.0"},
			"os":      map[string]string{"name": "linux", "arch": "amd64"},
		})
	})
	mux.HandleFunc("POST /session", d.newSession)
	mux.HandleFunc("DELETE /session/{id}", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		delete(d.sessions, s.ID)
		d.deleted = append(d.deleted, s.ID)
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("POST /session/{id}/timeouts", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		var t map[string]interface{}
		if !d.decode(w, r, &t) {
			return
		}
		for k, v := range t {
			s.Timeouts[k] = v
		}
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("GET /session/{id}/window", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, "window-1")
	}))
	mux.HandleFunc("GET /session/{id}/window/handles", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, []string{"window-1"})
	}))
	mux.HandleFunc("GET /session/{id}/url", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, s.URL)
	}))
	mux.HandleFunc("POST /session/{id}/url", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		var p struct {
			URL string `json:"url"`
		}
		if !d.decode(w, r, &p) {
			return
		}
		if s.URL != "" {
			s.History = append(s.History, s.URL)
		}
		s.URL = p.URL
		s.Title = DefaultTitle
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("POST /session/{id}/back", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		if n := len(s.History); n > 0 {
			s.URL, s.History = s.History[n-1], s.History[:n-1]
		}
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("POST /session/{id}/refresh", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		s.Title = DefaultTitle
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("GET /session/{id}/title", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, s.Title)
	}))
	mux.HandleFunc("GET /session/{id}/source", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, fmt.Sprintf("<html><head><title>%s</title></head><body>%s</body></html>", s.Title, s.URL))
	}))
	find := func(many bool) func(w http.ResponseWriter, r *http.Request, s *Session) {
		return func(w http.ResponseWriter, r *http.Request, s *Session) {
			var p struct {
				Using string `json:"using"`
				Value string `json:"value"`
			}
			if !d.decode(w, r, &p) {
				return
			}
			var found []map[string]string
			for _, e := range page {
				if e.matches(p.Using, p.Value) {
					found = append(found, elementRef(e.id))
				}
			}
			switch {
			case many:
				if found == nil {
					found = []map[string]string{}
				}
				d.writeValue(w, found)
			case len(found) == 0:
				d.writeError(w, selenium.ErrNoSuchElement, fmt.Sprintf("no element matches %s %q", p.Using, p.Value))
			default:
				d.writeValue(w, found[0])
			}
		}
	}
	mux.HandleFunc("POST /session/{id}/element", d.withSession(find(false)))
	mux.HandleFunc("POST /session/{id}/elements", d.withSession(find(true)))
	mux.HandleFunc("POST /session/{id}/element/{eid}/element", d.withSession(find(false)))
	mux.HandleFunc("POST /session/{id}/element/{eid}/elements", d.withSession(find(true)))
	mux.HandleFunc("GET /session/{id}/element/active", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, elementRef("input"))
	}))
	mux.HandleFunc("POST /session/{id}/element/{eid}/click", d.withElement(func(w http.ResponseWriter, r *http.Request, s *Session, e fakeElement) {
		s.Clicks = append(s.Clicks, e.id)
		if e.id == "button" {
			s.Title = "Clicked"
		}
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("POST /session/{id}/element/{eid}/value", d.withElement(func(w http.ResponseWriter, r *http.Request, s *Session, e fakeElement) {
		var p struct {
			Text string `json:"text"`
		}
		if !d.decode(w, r, &p) {
			return
		}
		s.Inputs[e.id] += p.Text
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("POST /session/{id}/element/{eid}/clear", d.withElement(func(w http.ResponseWriter, r *http.Request, s *Session, e fakeElement) {
		delete(s.Inputs, e.id)
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("GET /session/{id}/element/{eid}/{property}", d.withElement(func(w http.ResponseWriter, r *http.Request, s *Session, e fakeElement) {
		switch r.PathValue("property") {
		case "text":
			d.writeValue(w, e.text+s.Inputs[e.id])
		case "name":
			d.writeValue(w, e.tag)
		case "selected":
			d.writeValue(w, false)
		case "enabled":
			d.writeValue(w, true)
		case "displayed":
			d.writeValue(w, !e.hidden)
		case "rect":
			d.writeValue(w, map[string]float64{"x": 10, "y": 20, "width": 100, "height": 30})
		default:
			d.writeError(w, selenium.ErrUnknownCommand, r.URL.Path)
		}
	}))
	mux.HandleFunc("GET /session/{id}/element/{eid}/attribute/{name}", d.withElement(func(w http.ResponseWriter, r *http.Request, s *Session, e fakeElement) {
		name := r.PathValue("name")
		if name == "value" {
			d.writeValue(w, s.Inputs[e.id])
			return
		}
		v, ok := e.attrs[name]
		if !ok {
			d.writeValue(w, nil)
			return
		}
		d.writeValue(w, v)
	}))
	mux.HandleFunc("GET /session/{id}/element/{eid}/css/{name}", d.withElement(func(w http.ResponseWriter, r *http.Request, s *Session, e fakeElement) {
		d.writeValue(w, "rgba(0, 0, 0, 1)")
	}))
	mux.HandleFunc("GET /session/{id}/cookie", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, s.Cookies)
	}))
	mux.HandleFunc("POST /session/{id}/cookie", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		var p struct {
			Cookie map[string]interface{} `json:"cookie"`
		}
		if !d.decode(w, r, &p) {
			return
		}
		s.Cookies = append(s.Cookies, p.Cookie)
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("DELETE /session/{id}/cookie", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		s.Cookies = []map[string]interface{}{}
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("DELETE /session/{id}/cookie/{name}", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		kept := []map[string]interface{}{}
		for _, c := range s.Cookies {
			if c["name"] != r.PathValue("name") {
				kept = append(kept, c)
			}
		}
		s.Cookies = kept
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("POST /session/{id}/actions", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		var p struct {
			Actions []interface{} `json:"actions"`
		}
		if !d.decode(w, r, &p) {
			return
		}
		s.Actions = append(s.Actions, p.Actions)
		d.writeValue(w, nil)
	}))
	mux.HandleFunc("DELETE /session/{id}/actions", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		s.Released++
		d.writeValue(w, nil)
	}))
	execute := d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		var p struct {
			Script string        `json:"script"`
			Args   []interface{} `json:"args"`
		}
		if !d.decode(w, r, &p) {
			return
		}
		if strings.Contains(p.Script, "throw") {
			d.writeError(w, selenium.ErrJavascriptError, p.Script)
			return
		}
		// Scripts echo their arguments.
		d.writeValue(w, p.Args)
	})
	mux.HandleFunc("POST /session/{id}/execute/sync", execute)
	mux.HandleFunc("POST /session/{id}/execute/async", execute)
	mux.HandleFunc("GET /session/{id}/screenshot", d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		d.writeValue(w, base64.StdEncoding.EncodeToString(ScreenshotPNG))
	}))
	alert := func(w http.ResponseWriter, r *http.Request, s *Session) {
		if s.Alert == "" {
			d.writeError(w, selenium.ErrNoSuchAlert, "no such alert")
			return
		}
		if strings.HasSuffix(r.URL.Path, "/text") {
			d.writeValue(w, s.Alert)
			return
		}
		s.Alert = ""
		d.writeValue(w, nil)
	}
	mux.HandleFunc("GET /session/{id}/alert/text", d.withSession(alert))
	mux.HandleFunc("POST /session/{id}/alert/accept", d.withSession(alert))
	mux.HandleFunc("POST /session/{id}/alert/dismiss", d.withSession(alert))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		d.writeError(w, selenium.ErrUnknownCommand, fmt.Sprintf("%s %s", r.Method, r.URL.Path))
	})

	var h http.Handler = mux
	if d.prefix != "" {
		h = http.StripPrefix(d.prefix, mux)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.requests = append(d.requests, r.Method+" "+strings.TrimPrefix(r.URL.Path, d.prefix))
		d.mu.Unlock()
		h.ServeHTTP(w, r)
	})
}

func (d *Driver) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		d.writeError(w, selenium.ErrInvalidArgument, err.Error())
		return false
	}
	return true
}

func (d *Driver) newSession(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Capabilities struct {
			AlwaysMatch selenium.Capabilities   `json:"alwaysMatch"`
			FirstMatch  []selenium.Capabilities `json:"firstMatch"`
		} `json:"capabilities"`
		DesiredCapabilities selenium.Capabilities `json:"desiredCapabilities"`
	}
	if !d.decode(w, r, &p) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.newSessionErr != nil {
		d.writeError(w, d.newSessionErr.Err, d.newSessionErr.Message)
		return
	}

	caps := p.Capabilities.AlwaysMatch
	if len(p.Capabilities.FirstMatch) > 0 {
		caps = caps.Merge(p.Capabilities.FirstMatch[0])
	}
	if len(caps) == 0 {
		caps = p.DesiredCapabilities
	}
	caps = caps.Merge(d.caps)
	if caps.BrowserVersion() == "" {
		caps[selenium.BrowserVersionCapability] = "120.0.1"
	}

	s := &Session{
		ID:           uuid.NewString(),
		Capabilities: caps,
		Inputs:       make(map[string]string),
		Timeouts:     make(map[string]interface{}),
		Cookies:      []map[string]interface{}{},
	}
	d.sessions[s.ID] = s

	w.Header().Set("Content-Type", selenium.JSONType)
	if d.legacy {
		json.NewEncoder(w).Encode(map[string]interface{}{"sessionId": s.ID, "status": 0, "value": caps})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"value": map[string]interface{}{"sessionId": s.ID, "capabilities": caps},
	})
}

func (d *Driver) withSession(h func(w http.ResponseWriter, r *http.Request, s *Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		s, ok := d.sessions[r.PathValue("id")]
		if !ok {
			d.writeError(w, selenium.ErrInvalidSessionID, fmt.Sprintf("session %s does not exist", r.PathValue("id")))
			return
		}
		h(w, r, s)
	}
}

func (d *Driver) withElement(h func(w http.ResponseWriter, r *http.Request, s *Session, e fakeElement)) http.HandlerFunc {
	return d.withSession(func(w http.ResponseWriter, r *http.Request, s *Session) {
		e, ok := lookupElement(r.PathValue("eid"))
		if !ok {
			d.writeError(w, selenium.ErrStaleElementReference, fmt.Sprintf("element %s is not attached to the page", r.PathValue("eid")))
			return
		}
		h(w, r, s, e)
	})
}
