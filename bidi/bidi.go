// Package bidi is a client for the WebDriver BiDi protocol: commands and
// events exchanged as JSON messages over the WebSocket advertised by a
// session's webSocketUrl capability.
package bidi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
)

// WebSocketURLCapability asks for, and then carries, the BiDi endpoint of a
// session.
const WebSocketURLCapability = "webSocketUrl"

// ErrClosed is returned by commands sent on, or pending on, a closed
// connection.
var ErrClosed = errors.New("bidi: connection closed")

// WebSocketURL returns the BiDi endpoint from the capabilities returned by a
// new session.
func WebSocketURL(caps selenium.Capabilities) (string, bool) {
	u, ok := caps[WebSocketURLCapability].(string)
	return u, ok && u != ""
}

// Error is an error reply to a command.
type Error struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Event is a message the remote end sent on its own.
type Event struct {
	Method string
	Params json.RawMessage
}

// Handler receives the events of a subscription. Handlers run on the reading
// goroutine and must not block.
type Handler func(Event)

type command struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type message struct {
	Type   string          `json:"type"`
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error
}

type reply struct {
	result json.RawMessage
	err    error
}

// Option configures Dial.
type Option func(*Conn)

// WithLogger logs the traffic at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// Conn is a BiDi connection. It is safe for concurrent use.
type Conn struct {
	ws     *websocket.Conn
	dialer *websocket.Dialer
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	subs    map[string]*subscription
	err     error

	done chan struct{}
}

// Dial opens a connection to url.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		dialer:  websocket.DefaultDialer,
		logger:  zap.NewNop(),
		pending: make(map[uint64]chan reply),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	ws, resp, err := c.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bidi: dialing %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("bidi: dialing %s: %w", url, err)
	}
	c.ws = ws
	go c.readLoop()
	return c, nil
}

// Send runs a command and returns its result.
func (c *Conn) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}
	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(command{ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	c.logger.Debug("bidi command", zap.Uint64("id", id), zap.String("method", method))

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
	} else {
		c.ws.SetWriteDeadline(time.Time{})
	}
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("bidi: sending %s: %w", method, err)
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// subscription is the remote subscription to one event or module. Callers
// sharing it wait for the session.subscribe that created it.
type subscription struct {
	handlers []*Handler
	done     chan struct{}
	err      error
}

// Subscribe calls h for every event named event and asks the remote end to
// send them. event may be a module name, such as "log", to receive all the
// events of the module. It returns once the remote end accepted the
// subscription; h is dropped if it did not.
func (c *Conn) Subscribe(ctx context.Context, event string, h Handler) error {
	entry := &h
	c.mu.Lock()
	sub, exists := c.subs[event]
	if !exists {
		sub = &subscription{done: make(chan struct{})}
		c.subs[event] = sub
	}
	sub.handlers = append(sub.handlers, entry)
	c.mu.Unlock()

	if exists {
		select {
		case <-sub.done:
			if sub.err == nil {
				return nil
			}
			c.dropHandler(event, sub, entry)
			return sub.err
		case <-ctx.Done():
			c.dropHandler(event, sub, entry)
			return ctx.Err()
		}
	}

	_, err := c.Send(ctx, "session.subscribe", map[string]interface{}{"events": []string{event}})
	sub.err = err
	close(sub.done)
	if err != nil {
		c.mu.Lock()
		if c.subs[event] == sub {
			delete(c.subs, event)
		}
		c.mu.Unlock()
	}
	return err
}

func (c *Conn) dropHandler(event string, sub *subscription, entry *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range sub.handlers {
		if e == entry {
			sub.handlers = append(sub.handlers[:i:i], sub.handlers[i+1:]...)
			break
		}
	}
	if len(sub.handlers) == 0 && c.subs[event] == sub {
		delete(c.subs, event)
	}
}

// Unsubscribe drops the handlers of event and stops its delivery.
func (c *Conn) Unsubscribe(ctx context.Context, event string) error {
	c.mu.Lock()
	_, ok := c.subs[event]
	delete(c.subs, event)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.Send(ctx, "session.unsubscribe", map[string]interface{}{"events": []string{event}})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("bidi: malformed message", zap.Error(err))
			continue
		}
		switch {
		case msg.Type == "event" || (msg.ID == nil && msg.Method != ""):
			c.dispatch(Event{Method: msg.Method, Params: msg.Params})
		case msg.ID != nil:
			c.resolve(*msg.ID, msg)
		default:
			c.logger.Warn("bidi: message without id", zap.String("error", msg.Code), zap.String("message", msg.Message))
		}
	}
}

func (c *Conn) resolve(id uint64, msg message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if msg.Type == "error" || msg.Code != "" {
		e := msg.Error
		ch <- reply{err: &e}
		return
	}
	ch <- reply{result: msg.Result}
}

// dispatch calls the handlers subscribed to the event or to its module.
func (c *Conn) dispatch(e Event) {
	module, _, _ := strings.Cut(e.Method, ".")
	var hs []*Handler
	c.mu.Lock()
	if sub, ok := c.subs[e.Method]; ok {
		hs = append(hs, sub.handlers...)
	}
	if sub, ok := c.subs[module]; ok && module != e.Method {
		hs = append(hs, sub.handlers...)
	}
	c.mu.Unlock()
	for _, h := range hs {
		(*h)(e)
	}
}

// shutdown fails the pending commands.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = ErrClosed
		c.logger.Debug("bidi: connection closed", zap.Error(cause))
	}
	for id, ch := range c.pending {
		ch <- reply{err: c.err}
		delete(c.pending, id)
	}
}

// Close closes the connection and waits for the reading goroutine.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
