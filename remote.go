// Remote Selenium client implementation.
// See https://www.w3.org/TR/webdriver for the protocol.

package selenium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultURLPrefix is the default HTTP endpoint that offers the WebDriver
	// API.
	DefaultURLPrefix = "http://127.0.0.1:4444/wd/hub"
	// JSONType is JSON content type.
	JSONType = "application/json"
	// MaxRedirects is the maximum number of redirects to follow.
	MaxRedirects = 10

	// DefaultWaitTimeout is the default timeout used by Wait.
	DefaultWaitTimeout = 60 * time.Second
	// DefaultWaitInterval is the default polling interval used by Wait and
	// WaitWithTimeout.
	DefaultWaitInterval = 100 * time.Millisecond

	// WebElementIdentifier is the key a W3C remote end uses for element
	// references.
	WebElementIdentifier = "element-6066-11e4-a52e-4f735466cecf"
	// LegacyWebElementIdentifier is the key used by JSON wire protocol servers.
	LegacyWebElementIdentifier = "ELEMENT"
)

var httpClient *http.Client

// GetHTTPClient returns the default HTTP client.
func GetHTTPClient() *http.Client {
	return httpClient
}

func isMimeType(response *http.Response, mtype string) bool {
	return strings.HasPrefix(response.Header.Get("Content-Type"), mtype)
}

func cleanNils(buf []byte) {
	for i, b := range buf {
		if b == 0 {
			buf[i] = ' '
		}
	}
}

// CommandExecutor sends WebDriver commands to a remote end and decodes its
// replies. It is safe for concurrent use.
type CommandExecutor struct {
	urlPrefix string
	client    *http.Client
}

// ExecutorOption configures a CommandExecutor.
type ExecutorOption func(*CommandExecutor)

// WithHTTPClient makes the executor send its requests through c instead of
// the package default client.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *CommandExecutor) {
		e.client = c
	}
}

// NewCommandExecutor returns an executor for the remote end rooted at
// urlPrefix. An empty urlPrefix means DefaultURLPrefix.
func NewCommandExecutor(urlPrefix string, opts ...ExecutorOption) *CommandExecutor {
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	e := &CommandExecutor{
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
		client:    httpClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// URLPrefix returns the endpoint the executor talks to.
func (e *CommandExecutor) URLPrefix() string {
	return e.urlPrefix
}

type serverReply struct {
	SessionID *string // SessionID can be nil.
	Status    int
	Value     json.RawMessage
}

// Execute sends a command to path (relative to the URL prefix) and returns
// the raw response body. params is JSON-encoded unless it is already a
// []byte; POST requests without params carry an empty JSON object, as
// required by W3C remote ends.
//
// Failures reported by the remote end are returned as *Error.
func (e *CommandExecutor) Execute(ctx context.Context, method, path string, params interface{}) ([]byte, error) {
	var data []byte
	switch p := params.(type) {
	case nil:
		if method == http.MethodPost {
			data = []byte("{}")
		}
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return nil, err
		}
	}

	url := e.urlPrefix + path
	debugLog("-> %s %s\n%s", method, url, data)
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	request.Header.Add("Accept", JSONType)
	if data != nil {
		request.Header.Add("Content-Type", JSONType+"; charset=utf-8")
	}

	response, err := e.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	buf, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: error reading response body: %w", response.Status, err)
	}
	debugLog("<- %s [%s]\n%s", response.Status, response.Header.Get("Content-Type"), buf)

	cleanNils(buf)
	if response.StatusCode >= 400 {
		reply := new(serverReply)
		if err := json.Unmarshal(buf, reply); err != nil {
			return nil, fmt.Errorf("bad server reply status: %s", response.Status)
		}
		if wdErr := decodeError(reply.Value); wdErr != nil {
			wdErr.HTTPCode = response.StatusCode
			return nil, wdErr
		}
		wdErr := legacyError(reply.Status, extractMessage(reply.Value))
		wdErr.HTTPCode = response.StatusCode
		return nil, wdErr
	}

	// Legacy servers report failures with a 200 and a non-zero status.
	if isMimeType(response, JSONType) {
		reply := new(serverReply)
		if err := json.Unmarshal(buf, reply); err != nil {
			return nil, err
		}
		if reply.Status != 0 {
			return nil, legacyError(reply.Status, extractMessage(reply.Value))
		}
	}

	// Nothing was returned, this is OK for some commands.
	return buf, nil
}

func decodeError(value json.RawMessage) *Error {
	if len(value) == 0 {
		return nil
	}
	e := new(Error)
	if err := json.Unmarshal(value, e); err != nil || e.Err == "" {
		return nil
	}
	return e
}

func extractMessage(value json.RawMessage) string {
	var v struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(value, &v); err != nil {
		return ""
	}
	return v.Message
}

// NewSessionPayload builds the body of a "New Session" command. The W3C
// "capabilities" object carries alwaysMatch and firstMatch; the legacy
// "desiredCapabilities" key is included for JSON wire protocol servers.
func NewSessionPayload(alwaysMatch Capabilities, firstMatch ...Capabilities) map[string]interface{} {
	if alwaysMatch == nil {
		alwaysMatch = Capabilities{}
	}
	if len(firstMatch) == 0 {
		firstMatch = []Capabilities{{}}
	}
	desired := alwaysMatch.Merge(firstMatch[0])
	return map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": alwaysMatch,
			"firstMatch":  firstMatch,
		},
		"desiredCapabilities": desired,
	}
}

// ParseNewSessionResponse extracts the session ID and the capabilities of a
// "New Session" reply. Both the W3C ({"value": {"sessionId": ...}}) and the
// legacy ({"sessionId": ..., "value": {...}}) shapes are accepted.
func ParseNewSessionResponse(body []byte) (string, Capabilities, error) {
	reply := new(serverReply)
	if err := json.Unmarshal(body, reply); err != nil {
		return "", nil, err
	}
	if reply.SessionID != nil && *reply.SessionID != "" {
		caps := Capabilities{}
		if len(reply.Value) > 0 {
			if err := json.Unmarshal(reply.Value, &caps); err != nil {
				return "", nil, err
			}
		}
		return *reply.SessionID, caps, nil
	}

	value := new(struct {
		SessionID    string       `json:"sessionId"`
		Capabilities Capabilities `json:"capabilities"`
	})
	if err := json.Unmarshal(reply.Value, value); err != nil {
		return "", nil, err
	}
	if value.SessionID == "" {
		return "", nil, errors.New("new session response has no session ID")
	}
	return value.SessionID, value.Capabilities, nil
}

type remoteWD struct {
	id           string
	executor     *CommandExecutor
	capabilities Capabilities
	returned     Capabilities
}

// NewRemote creates new remote client, this will also start a new session.
// capabilities - the desired capabilities. urlPrefix - the URL to the
// Selenium server, *must* be prefixed with protocol (http,https...).
//
// Empty string means DefaultURLPrefix.
func NewRemote(capabilities Capabilities, urlPrefix string, opts ...ExecutorOption) (WebDriver, error) {
	wd := &remoteWD{
		executor:     NewCommandExecutor(urlPrefix, opts...),
		capabilities: capabilities,
	}
	if _, err := wd.NewSession(); err != nil {
		return nil, err
	}
	return wd, nil
}

func (wd *remoteWD) requestURL(template string, args ...interface{}) string {
	return fmt.Sprintf(template, args...)
}

func (wd *remoteWD) execute(method, path string, params interface{}) ([]byte, error) {
	return wd.executor.Execute(context.Background(), method, path, params)
}

func (wd *remoteWD) valueCommand(method, urlTemplate string, params, value interface{}) error {
	response, err := wd.execute(method, wd.requestURL(urlTemplate, wd.id), params)
	if err != nil {
		return err
	}
	reply := struct{ Value interface{} }{value}
	return json.Unmarshal(response, &reply)
}

func (wd *remoteWD) stringCommand(urlTemplate string) (string, error) {
	var value *string
	if err := wd.valueCommand(http.MethodGet, urlTemplate, nil, &value); err != nil {
		return "", err
	}
	if value == nil {
		return "", fmt.Errorf("nil return value")
	}
	return *value, nil
}

func (wd *remoteWD) voidCommand(urlTemplate string, params interface{}) error {
	_, err := wd.execute(http.MethodPost, wd.requestURL(urlTemplate, wd.id), params)
	return err
}

func (wd *remoteWD) stringsCommand(urlTemplate string) ([]string, error) {
	var value []string
	err := wd.valueCommand(http.MethodGet, urlTemplate, nil, &value)
	return value, err
}

func (wd *remoteWD) boolCommand(urlTemplate string) (bool, error) {
	var value bool
	err := wd.valueCommand(http.MethodGet, urlTemplate, nil, &value)
	return value, err
}

func (wd *remoteWD) Status() (*Status, error) {
	reply, err := wd.execute(http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	status := new(struct{ Value Status })
	if err := json.Unmarshal(reply, status); err != nil {
		return nil, err
	}
	return &status.Value, nil
}

func (wd *remoteWD) NewSession() (string, error) {
	response, err := wd.execute(http.MethodPost, "/session", NewSessionPayload(wd.capabilities))
	if err != nil {
		return "", err
	}
	id, caps, err := ParseNewSessionResponse(response)
	if err != nil {
		return "", err
	}
	wd.id = id
	wd.returned = caps
	return wd.id, nil
}

// SessionID returns the current session ID
func (wd *remoteWD) SessionID() string {
	return wd.id
}

func (wd *remoteWD) SwitchSession(sessionID string) error {
	wd.id = sessionID
	return nil
}

func (wd *remoteWD) Capabilities() Capabilities {
	return wd.returned
}

func (wd *remoteWD) setTimeout(name string, timeout time.Duration) error {
	return wd.voidCommand("/session/%s/timeouts", map[string]uint{
		name: uint(timeout / time.Millisecond),
	})
}

func (wd *remoteWD) SetImplicitWaitTimeout(timeout time.Duration) error {
	return wd.setTimeout("implicit", timeout)
}

func (wd *remoteWD) SetPageLoadTimeout(timeout time.Duration) error {
	return wd.setTimeout("pageLoad", timeout)
}

func (wd *remoteWD) SetAsyncScriptTimeout(timeout time.Duration) error {
	return wd.setTimeout("script", timeout)
}

func (wd *remoteWD) Quit() error {
	if wd.id == "" {
		return nil
	}
	_, err := wd.execute(http.MethodDelete, wd.requestURL("/session/%s", wd.id), nil)
	if err == nil {
		wd.id = ""
	}
	return err
}

func (wd *remoteWD) CurrentWindowHandle() (string, error) {
	return wd.stringCommand("/session/%s/window")
}

func (wd *remoteWD) WindowHandles() ([]string, error) {
	return wd.stringsCommand("/session/%s/window/handles")
}

func (wd *remoteWD) CurrentURL() (string, error) {
	return wd.stringCommand("/session/%s/url")
}

func (wd *remoteWD) Get(url string) error {
	return wd.voidCommand("/session/%s/url", map[string]string{"url": url})
}

func (wd *remoteWD) Forward() error {
	return wd.voidCommand("/session/%s/forward", nil)
}

func (wd *remoteWD) Back() error {
	return wd.voidCommand("/session/%s/back", nil)
}

func (wd *remoteWD) Refresh() error {
	return wd.voidCommand("/session/%s/refresh", nil)
}

func (wd *remoteWD) Title() (string, error) {
	return wd.stringCommand("/session/%s/title")
}

func (wd *remoteWD) PageSource() (string, error) {
	return wd.stringCommand("/session/%s/source")
}

func (wd *remoteWD) Close() error {
	_, err := wd.execute(http.MethodDelete, wd.requestURL("/session/%s/window", wd.id), nil)
	return err
}

func (wd *remoteWD) find(by, value, suffix, url string) ([]byte, error) {
	if len(url) == 0 {
		url = "/session/%s/element"
	}
	params := map[string]string{
		"using": by,
		"value": value,
	}
	return wd.execute(http.MethodPost, wd.requestURL(url+suffix, wd.id), params)
}

type element map[string]string

func (e element) id() (string, error) {
	if id, ok := e[WebElementIdentifier]; ok {
		return id, nil
	}
	if id, ok := e[LegacyWebElementIdentifier]; ok {
		return id, nil
	}
	return "", errors.New("invalid element returned")
}

func (wd *remoteWD) decodeElement(data []byte) (WebElement, error) {
	reply := new(struct{ Value element })
	if err := json.Unmarshal(data, reply); err != nil {
		return nil, err
	}
	id, err := reply.Value.id()
	if err != nil {
		return nil, err
	}
	return &remoteWE{parent: wd, id: id}, nil
}

func (wd *remoteWD) decodeElements(data []byte) ([]WebElement, error) {
	reply := new(struct{ Value []element })
	if err := json.Unmarshal(data, reply); err != nil {
		return nil, err
	}

	elems := make([]WebElement, len(reply.Value))
	for i, elem := range reply.Value {
		id, err := elem.id()
		if err != nil {
			return nil, err
		}
		elems[i] = &remoteWE{parent: wd, id: id}
	}
	return elems, nil
}

func (wd *remoteWD) FindElement(by, value string) (WebElement, error) {
	response, err := wd.find(by, value, "", "")
	if err != nil {
		return nil, err
	}
	return wd.decodeElement(response)
}

func (wd *remoteWD) FindElements(by, value string) ([]WebElement, error) {
	response, err := wd.find(by, value, "s", "")
	if err != nil {
		return nil, err
	}
	return wd.decodeElements(response)
}

func (wd *remoteWD) ActiveElement() (WebElement, error) {
	response, err := wd.execute(http.MethodGet, wd.requestURL("/session/%s/element/active", wd.id), nil)
	if err != nil {
		return nil, err
	}
	return wd.decodeElement(response)
}

func (wd *remoteWD) GetCookies() ([]Cookie, error) {
	data, err := wd.execute(http.MethodGet, wd.requestURL("/session/%s/cookie", wd.id), nil)
	if err != nil {
		return nil, err
	}

	// ChromeDriver returns the expiration date as a float. Handle both formats
	// via a type switch.
	type cookie struct {
		Name   string      `json:"name"`
		Value  string      `json:"value"`
		Path   string      `json:"path"`
		Domain string      `json:"domain"`
		Secure bool        `json:"secure"`
		Expiry interface{} `json:"expiry"`
	}
	reply := new(struct{ Value []cookie })
	if err := json.Unmarshal(data, reply); err != nil {
		return nil, err
	}

	cookies := make([]Cookie, len(reply.Value))
	for i, c := range reply.Value {
		sanitized := Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   c.Path,
			Domain: c.Domain,
			Secure: c.Secure,
		}
		switch expiry := c.Expiry.(type) {
		case int:
			if expiry > 0 {
				sanitized.Expiry = uint(expiry)
			}
		case float64:
			sanitized.Expiry = uint(expiry)
		}
		cookies[i] = sanitized
	}
	return cookies, nil
}

func (wd *remoteWD) AddCookie(cookie *Cookie) error {
	return wd.voidCommand("/session/%s/cookie", map[string]*Cookie{
		"cookie": cookie,
	})
}

func (wd *remoteWD) DeleteAllCookies() error {
	_, err := wd.execute(http.MethodDelete, wd.requestURL("/session/%s/cookie", wd.id), nil)
	return err
}

func (wd *remoteWD) DeleteCookie(name string) error {
	_, err := wd.execute(http.MethodDelete, wd.requestURL("/session/%s/cookie/%s", wd.id, name), nil)
	return err
}

func (wd *remoteWD) PerformActions(sequences []map[string]interface{}) error {
	return wd.voidCommand("/session/%s/actions", map[string]interface{}{
		"actions": sequences,
	})
}

func (wd *remoteWD) ReleaseActions() error {
	_, err := wd.execute(http.MethodDelete, wd.requestURL("/session/%s/actions", wd.id), nil)
	return err
}

func (wd *remoteWD) DismissAlert() error {
	return wd.voidCommand("/session/%s/alert/dismiss", nil)
}

func (wd *remoteWD) AcceptAlert() error {
	return wd.voidCommand("/session/%s/alert/accept", nil)
}

func (wd *remoteWD) AlertText() (string, error) {
	return wd.stringCommand("/session/%s/alert/text")
}

func (wd *remoteWD) execScript(script string, args []interface{}, suffix string) (interface{}, error) {
	if args == nil {
		args = make([]interface{}, 0)
	}
	params := map[string]interface{}{
		"script": script,
		"args":   args,
	}
	var value interface{}
	if err := wd.valueCommand(http.MethodPost, "/session/%s/execute/"+suffix, params, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func (wd *remoteWD) ExecuteScript(script string, args []interface{}) (interface{}, error) {
	return wd.execScript(script, args, "sync")
}

func (wd *remoteWD) ExecuteScriptAsync(script string, args []interface{}) (interface{}, error) {
	return wd.execScript(script, args, "async")
}

func (wd *remoteWD) Screenshot() ([]byte, error) {
	data, err := wd.stringCommand("/session/%s/screenshot")
	if err != nil {
		return nil, err
	}
	// The remote end returns a base64 encoded PNG.
	return base64.StdEncoding.DecodeString(data)
}

func (wd *remoteWD) WaitWithTimeoutAndInterval(condition Condition, timeout, interval time.Duration) error {
	startTime := time.Now()

	for {
		done, err := condition(wd)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if elapsed := time.Since(startTime); elapsed > timeout {
			return fmt.Errorf("timeout after %v", elapsed)
		}
		time.Sleep(interval)
	}
}

func (wd *remoteWD) WaitWithTimeout(condition Condition, timeout time.Duration) error {
	return wd.WaitWithTimeoutAndInterval(condition, timeout, DefaultWaitInterval)
}

func (wd *remoteWD) Wait(condition Condition) error {
	return wd.WaitWithTimeoutAndInterval(condition, DefaultWaitTimeout, DefaultWaitInterval)
}

type remoteWE struct {
	parent *remoteWD
	id     string
}

func (elem *remoteWE) ID() string {
	return elem.id
}

func (elem *remoteWE) Click() error {
	urlTemplate := fmt.Sprintf("/session/%%s/element/%s/click", elem.id)
	return elem.parent.voidCommand(urlTemplate, nil)
}

func (elem *remoteWE) SendKeys(keys string) error {
	urlTemplate := fmt.Sprintf("/session/%%s/element/%s/value", elem.id)
	return elem.parent.voidCommand(urlTemplate, processKeyString(keys))
}

func processKeyString(keys string) interface{} {
	chars := make([]string, 0, len(keys))
	for _, c := range keys {
		chars = append(chars, string(c))
	}
	return map[string]interface{}{
		"value": chars,
		"text":  keys,
	}
}

func (elem *remoteWE) Clear() error {
	urlTemplate := fmt.Sprintf("/session/%%s/element/%s/clear", elem.id)
	return elem.parent.voidCommand(urlTemplate, nil)
}

func (elem *remoteWE) FindElement(by, value string) (WebElement, error) {
	url := fmt.Sprintf("/session/%%s/element/%s/element", elem.id)
	response, err := elem.parent.find(by, value, "", url)
	if err != nil {
		return nil, err
	}
	return elem.parent.decodeElement(response)
}

func (elem *remoteWE) FindElements(by, value string) ([]WebElement, error) {
	url := fmt.Sprintf("/session/%%s/element/%s/element", elem.id)
	response, err := elem.parent.find(by, value, "s", url)
	if err != nil {
		return nil, err
	}
	return elem.parent.decodeElements(response)
}

func (elem *remoteWE) TagName() (string, error) {
	return elem.parent.stringCommand(fmt.Sprintf("/session/%%s/element/%s/name", elem.id))
}

func (elem *remoteWE) Text() (string, error) {
	return elem.parent.stringCommand(fmt.Sprintf("/session/%%s/element/%s/text", elem.id))
}

func (elem *remoteWE) boolQuery(urlTemplate string) (bool, error) {
	return elem.parent.boolCommand(fmt.Sprintf(urlTemplate, elem.id))
}

func (elem *remoteWE) IsSelected() (bool, error) {
	return elem.boolQuery("/session/%%s/element/%s/selected")
}

func (elem *remoteWE) IsEnabled() (bool, error) {
	return elem.boolQuery("/session/%%s/element/%s/enabled")
}

func (elem *remoteWE) IsDisplayed() (bool, error) {
	return elem.boolQuery("/session/%%s/element/%s/displayed")
}

func (elem *remoteWE) GetAttribute(name string) (string, error) {
	return elem.parent.stringCommand(fmt.Sprintf("/session/%%s/element/%s/attribute/%s", elem.id, name))
}

func (elem *remoteWE) Rect() (*Rect, error) {
	rect := new(Rect)
	urlTemplate := fmt.Sprintf("/session/%%s/element/%s/rect", elem.id)
	if err := elem.parent.valueCommand(http.MethodGet, urlTemplate, nil, rect); err != nil {
		return nil, err
	}
	return rect, nil
}

func (elem *remoteWE) CSSProperty(name string) (string, error) {
	return elem.parent.stringCommand(fmt.Sprintf("/session/%%s/element/%s/css/%s", elem.id, name))
}

func (elem *remoteWE) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		LegacyWebElementIdentifier: elem.id,
		WebElementIdentifier:       elem.id,
	})
}

func init() {
	// http.Client doesn't copy request headers, and selenium requires that
	httpClient = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > MaxRedirects {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}

			req.Header.Add("Accept", JSONType)
			return nil
		},
	}
}
