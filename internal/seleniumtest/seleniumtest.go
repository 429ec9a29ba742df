package seleniumtest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/actions"
)

// Config describes the remote end the common tests run against.
type Config struct {
	// Addr is the URL prefix of the WebDriver API, e.g. a grid router or a
	// Driver's URL.
	Addr string
	// Driver, when set, is the fake remote end the sessions eventually land
	// on. Tests that inspect remote state are skipped without it.
	Driver *Driver
	// Capabilities are requested for every session.
	Capabilities    selenium.Capabilities
	ExecutorOptions []selenium.ExecutorOption
}

func runTest(f func(*testing.T, Config), c Config) func(*testing.T) {
	return func(t *testing.T) {
		f(t, c)
	}
}

// NewRemote starts the sessions used by the tests.
var NewRemote = func(_ *testing.T, caps selenium.Capabilities, addr string, opts ...selenium.ExecutorOption) (selenium.WebDriver, error) {
	return selenium.NewRemote(caps, addr, opts...)
}

func newRemote(t *testing.T, c Config) selenium.WebDriver {
	caps := selenium.Capabilities{selenium.BrowserNameCapability: "chrome"}.Merge(c.Capabilities)
	wd, err := NewRemote(t, caps, c.Addr, c.ExecutorOptions...)
	if err != nil {
		t.Fatalf("NewRemote(%+v, %q) returned error: %v", caps, c.Addr, err)
	}
	return wd
}

func quitRemote(t *testing.T, wd selenium.WebDriver) {
	if err := wd.Quit(); err != nil {
		t.Errorf("wd.Quit() returned error: %v", err)
	}
}

func remoteSession(t *testing.T, c Config, wd selenium.WebDriver) Session {
	t.Helper()
	if c.Driver == nil {
		t.Skip("no access to the remote end")
	}
	s, ok := c.Driver.Session(wd.SessionID())
	if !ok {
		t.Fatalf("session %s not found on the remote end", wd.SessionID())
	}
	return s
}

// RunCommonTests exercises the WebDriver client against c.
func RunCommonTests(t *testing.T, c Config) {
	t.Run("Status", runTest(testStatus, c))
	t.Run("Capabilities", runTest(testCapabilities, c))
	t.Run("Quit", runTest(testQuit, c))
	t.Run("Error", runTest(testError, c))
	t.Run("Timeouts", runTest(testTimeouts, c))
	t.Run("Windows", runTest(testWindows, c))
	t.Run("Navigation", runTest(testNavigation, c))
	t.Run("PageSource", runTest(testPageSource, c))
	t.Run("FindElement", runTest(testFindElement, c))
	t.Run("FindElements", runTest(testFindElements, c))
	t.Run("SendKeys", runTest(testSendKeys, c))
	t.Run("Click", runTest(testClick, c))
	t.Run("ElementProperties", runTest(testElementProperties, c))
	t.Run("ActiveElement", runTest(testActiveElement, c))
	t.Run("Cookies", runTest(testCookies, c))
	t.Run("ExecuteScript", runTest(testExecuteScript, c))
	t.Run("Screenshot", runTest(testScreenshot, c))
	t.Run("Actions", runTest(testActions, c))
	t.Run("Wait", runTest(testWait, c))
	t.Run("Alert", runTest(testAlert, c))
}

func testStatus(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	status, err := wd.Status()
	if err != nil {
		t.Fatalf("wd.Status() returned error: %v", err)
	}
	if !status.Ready {
		t.Errorf("status.Ready = false, want true: %+v", status)
	}
}

func testCapabilities(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	caps := wd.Capabilities()
	if got, want := caps.BrowserName(), "chrome"; got != want {
		t.Errorf("wd.Capabilities().BrowserName() = %q, want %q", got, want)
	}
	if caps.BrowserVersion() == "" {
		t.Errorf("wd.Capabilities() has no browser version: %v", caps)
	}
}

func testQuit(t *testing.T, c Config) {
	wd := newRemote(t, c)
	if err := wd.Quit(); err != nil {
		t.Fatalf("wd.Quit() returned error: %v", err)
	}
	_, err := wd.Title()
	if !errors.Is(err, &selenium.Error{Err: selenium.ErrInvalidSessionID}) {
		t.Fatalf("wd.Title() after Quit returned %v, want %q", err, selenium.ErrInvalidSessionID)
	}
}

func testError(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	_, err := wd.FindElement(selenium.ByID, "no-such-element")
	if err == nil {
		t.Fatal("wd.FindElement(selenium.ByID, 'no-such-element') did not return an error as expected")
	}
	var e *selenium.Error
	if !errors.As(err, &e) {
		t.Fatalf("wd.FindElement(selenium.ByID, 'no-such-element') returned an error that is not an *Error: %v", err)
	}
	if want := selenium.ErrNoSuchElement; e.Err != want {
		t.Errorf("wd.FindElement(selenium.ByID, 'no-such-element'); err.Err = %q, want %q", e.Err, want)
	}
	switch e.HTTPCode {
	case 404, 500:
	default:
		t.Errorf("wd.FindElement(selenium.ByID, 'no-such-element'); err.HTTPCode = %d, want 404 or 500", e.HTTPCode)
	}
}

func testTimeouts(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	if err := wd.SetImplicitWaitTimeout(200 * time.Millisecond); err != nil {
		t.Fatalf("wd.SetImplicitWaitTimeout() returned error: %v", err)
	}
	if err := wd.SetPageLoadTimeout(2 * time.Second); err != nil {
		t.Fatalf("wd.SetPageLoadTimeout() returned error: %v", err)
	}
	if err := wd.SetAsyncScriptTimeout(time.Second); err != nil {
		t.Fatalf("wd.SetAsyncScriptTimeout() returned error: %v", err)
	}

	s := remoteSession(t, c, wd)
	want := map[string]interface{}{"implicit": 200.0, "pageLoad": 2000.0, "script": 1000.0}
	if diff := cmp.Diff(want, s.Timeouts); diff != "" {
		t.Errorf("remote timeouts differ (-want +got):\n%s", diff)
	}
}

func testWindows(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	handle, err := wd.CurrentWindowHandle()
	if err != nil {
		t.Fatalf("wd.CurrentWindowHandle() returned error: %v", err)
	}
	handles, err := wd.WindowHandles()
	if err != nil {
		t.Fatalf("wd.WindowHandles() returned error: %v", err)
	}
	if len(handles) != 1 || handles[0] != handle {
		t.Errorf("wd.WindowHandles() = %v, want [%s]", handles, handle)
	}
}

func testNavigation(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	const first, second = "http://example.com/first", "http://example.com/second"
	for _, u := range []string{first, second} {
		if err := wd.Get(u); err != nil {
			t.Fatalf("wd.Get(%q) returned error: %v", u, err)
		}
	}
	if err := wd.Back(); err != nil {
		t.Fatalf("wd.Back() returned error: %v", err)
	}
	got, err := wd.CurrentURL()
	if err != nil {
		t.Fatalf("wd.CurrentURL() returned error: %v", err)
	}
	if got != first {
		t.Errorf("wd.CurrentURL() after Back = %q, want %q", got, first)
	}
	if err := wd.Refresh(); err != nil {
		t.Fatalf("wd.Refresh() returned error: %v", err)
	}
	title, err := wd.Title()
	if err != nil {
		t.Fatalf("wd.Title() returned error: %v", err)
	}
	if title != DefaultTitle {
		t.Errorf("wd.Title() = %q, want %q", title, DefaultTitle)
	}
}

func testPageSource(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	if err := wd.Get("http://example.com/"); err != nil {
		t.Fatalf("wd.Get() returned error: %v", err)
	}
	source, err := wd.PageSource()
	if err != nil {
		t.Fatalf("wd.PageSource() returned error: %v", err)
	}
	if !strings.Contains(source, DefaultTitle) {
		t.Fatalf("wd.PageSource() = %q, want it to contain %q", source, DefaultTitle)
	}
}

func testFindElement(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	for _, tc := range []struct {
		by, value, tag string
	}{
		{selenium.ByID, "button", "button"},
		{selenium.ByCSSSelector, "#input", "input"},
		{selenium.ByName, "q", "input"},
		{selenium.ByTagName, "li", "li"},
	} {
		elem, err := wd.FindElement(tc.by, tc.value)
		if err != nil {
			t.Errorf("wd.FindElement(%q, %q) returned error: %v", tc.by, tc.value, err)
			continue
		}
		tag, err := elem.TagName()
		if err != nil {
			t.Errorf("elem.TagName() returned error: %v", err)
			continue
		}
		if tag != tc.tag {
			t.Errorf("wd.FindElement(%q, %q).TagName() = %q, want %q", tc.by, tc.value, tag, tc.tag)
		}
	}
}

func testFindElements(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	elems, err := wd.FindElements(selenium.ByTagName, "li")
	if err != nil {
		t.Fatalf("wd.FindElements(By.TagName, 'li') returned error: %v", err)
	}
	var texts []string
	for _, e := range elems {
		text, err := e.Text()
		if err != nil {
			t.Fatalf("e.Text() returned error: %v", err)
		}
		texts = append(texts, text)
	}
	if diff := cmp.Diff([]string{"Item 1", "Item 2", "Item 3"}, texts); diff != "" {
		t.Errorf("element texts differ (-want +got):\n%s", diff)
	}

	none, err := wd.FindElements(selenium.ByID, "no-such-element")
	if err != nil {
		t.Fatalf("wd.FindElements(By.ID, 'no-such-element') returned error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("wd.FindElements(By.ID, 'no-such-element') returned %d elements, want 0", len(none))
	}
}

func testSendKeys(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	input, err := wd.FindElement(selenium.ByID, "input")
	if err != nil {
		t.Fatalf("wd.FindElement(By.ID, 'input') returned error: %v", err)
	}
	const query = "golang"
	if err := input.SendKeys(query + selenium.EnterKey); err != nil {
		t.Fatalf("input.SendKeys(%q) returned error: %v", query, err)
	}
	value, err := input.GetAttribute("value")
	if err != nil {
		t.Fatalf("input.GetAttribute('value') returned error: %v", err)
	}
	if want := query + selenium.EnterKey; value != want {
		t.Errorf("input.GetAttribute('value') = %q, want %q", value, want)
	}
	if err := input.Clear(); err != nil {
		t.Fatalf("input.Clear() returned error: %v", err)
	}
	value, err = input.GetAttribute("value")
	if err != nil {
		t.Fatalf("input.GetAttribute('value') returned error: %v", err)
	}
	if value != "" {
		t.Errorf("input.GetAttribute('value') after Clear = %q, want empty", value)
	}
}

func testClick(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	if err := wd.Get("http://example.com/"); err != nil {
		t.Fatalf("wd.Get() returned error: %v", err)
	}
	button, err := wd.FindElement(selenium.ByCSSSelector, "#button")
	if err != nil {
		t.Fatalf("wd.FindElement(By.CSSSelector, '#button') returned error: %v", err)
	}
	if err := button.Click(); err != nil {
		t.Fatalf("button.Click() returned error: %v", err)
	}
	title, err := wd.Title()
	if err != nil {
		t.Fatalf("wd.Title() returned error: %v", err)
	}
	if title != "Clicked" {
		t.Errorf("wd.Title() after click = %q, want %q", title, "Clicked")
	}
}

func testElementProperties(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	hidden, err := wd.FindElement(selenium.ByID, "hidden")
	if err != nil {
		t.Fatalf("wd.FindElement(By.ID, 'hidden') returned error: %v", err)
	}
	displayed, err := hidden.IsDisplayed()
	if err != nil {
		t.Fatalf("hidden.IsDisplayed() returned error: %v", err)
	}
	if displayed {
		t.Error("hidden.IsDisplayed() = true, want false")
	}

	button, err := wd.FindElement(selenium.ByID, "button")
	if err != nil {
		t.Fatalf("wd.FindElement(By.ID, 'button') returned error: %v", err)
	}
	enabled, err := button.IsEnabled()
	if err != nil {
		t.Fatalf("button.IsEnabled() returned error: %v", err)
	}
	if !enabled {
		t.Error("button.IsEnabled() = false, want true")
	}
	rect, err := button.Rect()
	if err != nil {
		t.Fatalf("button.Rect() returned error: %v", err)
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		t.Errorf("button.Rect() = %+v, want a non-empty rectangle", rect)
	}
	attr, err := button.GetAttribute("no-such-attribute")
	if err != nil {
		t.Fatalf("button.GetAttribute('no-such-attribute') returned error: %v", err)
	}
	if attr != "" {
		t.Errorf("button.GetAttribute('no-such-attribute') = %q, want empty", attr)
	}
	if _, err := button.CSSProperty("color"); err != nil {
		t.Errorf("button.CSSProperty('color') returned error: %v", err)
	}
}

func testActiveElement(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	active, err := wd.ActiveElement()
	if err != nil {
		t.Fatalf("wd.ActiveElement() returned error: %v", err)
	}
	name, err := active.GetAttribute("name")
	if err != nil {
		t.Fatalf("active.GetAttribute('name') returned error: %v", err)
	}
	if name != "q" {
		t.Errorf("active element name = %q, want %q", name, "q")
	}
}

func testCookies(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	for _, name := range []string{"a", "b"} {
		cookie := &selenium.Cookie{Name: name, Value: name + "-value", Path: "/", Expiry: uint(time.Now().Add(time.Hour).Unix())}
		if err := wd.AddCookie(cookie); err != nil {
			t.Fatalf("wd.AddCookie(%+v) returned error: %v", cookie, err)
		}
	}
	if err := wd.DeleteCookie("a"); err != nil {
		t.Fatalf("wd.DeleteCookie('a') returned error: %v", err)
	}
	cookies, err := wd.GetCookies()
	if err != nil {
		t.Fatalf("wd.GetCookies() returned error: %v", err)
	}
	if len(cookies) != 1 || cookies[0].Name != "b" || cookies[0].Value != "b-value" {
		t.Errorf("wd.GetCookies() = %+v, want only cookie b", cookies)
	}
	if err := wd.DeleteAllCookies(); err != nil {
		t.Fatalf("wd.DeleteAllCookies() returned error: %v", err)
	}
	cookies, err = wd.GetCookies()
	if err != nil {
		t.Fatalf("wd.GetCookies() returned error: %v", err)
	}
	if len(cookies) != 0 {
		t.Errorf("wd.GetCookies() after DeleteAllCookies = %+v, want none", cookies)
	}
}

func testExecuteScript(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	args := []interface{}{"a", 1.0}
	res, err := wd.ExecuteScript("return arguments", args)
	if err != nil {
		t.Fatalf("wd.ExecuteScript() returned error: %v", err)
	}
	if diff := cmp.Diff(args, res); diff != "" {
		t.Errorf("wd.ExecuteScript() result differs (-want +got):\n%s", diff)
	}
	res, err = wd.ExecuteScriptAsync("arguments[arguments.length-1]()", nil)
	if err != nil {
		t.Fatalf("wd.ExecuteScriptAsync() returned error: %v", err)
	}
	if diff := cmp.Diff([]interface{}{}, res); diff != "" {
		t.Errorf("wd.ExecuteScriptAsync() result differs (-want +got):\n%s", diff)
	}
	_, err = wd.ExecuteScript("throw new Error('boom')", nil)
	if !errors.Is(err, &selenium.Error{Err: selenium.ErrJavascriptError}) {
		t.Errorf("wd.ExecuteScript(throw) returned %v, want %q", err, selenium.ErrJavascriptError)
	}
}

func testScreenshot(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	data, err := wd.Screenshot()
	if err != nil {
		t.Fatalf("wd.Screenshot() returned error: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Errorf("wd.Screenshot() = %q, want a PNG", data)
	}
}

func testActions(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	button, err := wd.FindElement(selenium.ByID, "button")
	if err != nil {
		t.Fatalf("wd.FindElement(By.ID, 'button') returned error: %v", err)
	}
	input, err := wd.FindElement(selenium.ByID, "input")
	if err != nil {
		t.Fatalf("wd.FindElement(By.ID, 'input') returned error: %v", err)
	}

	a := actions.New(wd)
	a.DragAndDrop(button, input).KeyDown(selenium.ShiftKey, nil).SendKeys("ab").KeyUp(selenium.ShiftKey, nil)
	if err := a.Perform(); err != nil {
		t.Fatalf("Perform() returned error: %v", err)
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset() returned error: %v", err)
	}

	s := remoteSession(t, c, wd)
	if len(s.Actions) != 1 {
		t.Fatalf("remote received %d action chains, want 1", len(s.Actions))
	}
	var types []string
	for _, seq := range s.Actions[0] {
		types = append(types, seq.(map[string]interface{})["type"].(string))
	}
	if diff := cmp.Diff([]string{actions.SourceKey, actions.SourcePointer, actions.SourceWheel}, types); diff != "" {
		t.Errorf("input source types differ (-want +got):\n%s", diff)
	}
	if s.Released != 1 {
		t.Errorf("remote released actions %d times, want 1", s.Released)
	}
}

func testWait(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	clicked := func(wd selenium.WebDriver) (bool, error) {
		title, err := wd.Title()
		if err != nil {
			return false, err
		}
		return title == "Clicked", nil
	}

	if err := wd.Get("http://example.com/"); err != nil {
		t.Fatalf("wd.Get() returned error: %v", err)
	}
	if err := wd.WaitWithTimeoutAndInterval(clicked, 300*time.Millisecond, 50*time.Millisecond); err == nil {
		t.Fatal("wd.WaitWithTimeoutAndInterval(clicked) should have timed out, but it didn't")
	}

	button, err := wd.FindElement(selenium.ByID, "button")
	if err != nil {
		t.Fatalf("wd.FindElement(By.ID, 'button') returned error: %v", err)
	}
	if err := button.Click(); err != nil {
		t.Fatalf("button.Click() returned error: %v", err)
	}
	if err := wd.WaitWithTimeout(clicked, time.Second); err != nil {
		t.Fatalf("wd.WaitWithTimeout(clicked) returned error: %v", err)
	}
}

func testAlert(t *testing.T, c Config) {
	wd := newRemote(t, c)
	defer quitRemote(t, wd)

	if _, err := wd.AlertText(); !errors.Is(err, &selenium.Error{Err: selenium.ErrNoSuchAlert}) {
		t.Fatalf("wd.AlertText() without an alert returned %v, want %q", err, selenium.ErrNoSuchAlert)
	}
	if c.Driver == nil {
		t.Skip("no access to the remote end")
	}
	c.Driver.SetAlert(wd.SessionID(), "Hello world")
	text, err := wd.AlertText()
	if err != nil {
		t.Fatalf("wd.AlertText() returned error: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("Expected 'Hello world' but got '%s'", text)
	}
	if err := wd.AcceptAlert(); err != nil {
		t.Fatalf("wd.AcceptAlert() returned error: %v", err)
	}
	if err := wd.DismissAlert(); err == nil {
		t.Fatal("wd.DismissAlert() after AcceptAlert did not return an error")
	}
}
