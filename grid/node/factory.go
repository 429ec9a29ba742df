package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
)

// driverService is the part of *selenium.Service the factory uses.
type driverService interface {
	Addr() string
	Stop() error
}

// startDriverService is replaced in tests.
var startDriverService = func(d selenium.Driver, path string, port int, opts ...selenium.ServiceOption) (driverService, error) {
	s, err := selenium.NewDriverService(d, path, port, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// createSession sends a new session command to the WebDriver endpoint behind
// e. Failures to reach the endpoint can be retried; an error answer of the
// endpoint cannot.
func createSession(ctx context.Context, e *selenium.CommandExecutor, req *data.CreateSessionRequest) (data.SessionID, selenium.Capabilities, error) {
	body, err := e.Execute(ctx, http.MethodPost, "/session", selenium.NewSessionPayload(withoutGridKeys(req.DesiredCapabilities)))
	if err != nil {
		var wdErr *selenium.Error
		if errors.As(err, &wdErr) {
			return "", nil, &data.SessionNotCreatedError{Message: "driver refused to create the session", Cause: err}
		}
		return "", nil, &data.RetrySessionRequestError{Message: "driver is unreachable", Cause: err}
	}
	id, caps, err := selenium.ParseNewSessionResponse(body)
	if err != nil {
		return "", nil, &data.SessionNotCreatedError{Message: "malformed new session response", Cause: err}
	}
	return data.SessionID(id), caps, nil
}

func deleteSession(ctx context.Context, e *selenium.CommandExecutor, id data.SessionID) error {
	_, err := e.Execute(ctx, http.MethodDelete, "/session/"+string(id), nil)
	return err
}

// DriverServiceFactory starts a driver binary for every session and stops it
// with the session.
type DriverServiceFactory struct {
	Stereotype selenium.Capabilities
	Driver     selenium.Driver
	// Path of the driver binary. Empty means Driver.Name looked up in PATH.
	Path           string
	ServiceOptions []selenium.ServiceOption
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// NewDriverServiceFactory returns a factory for the driver serving the
// stereotype's browser.
func NewDriverServiceFactory(stereotype selenium.Capabilities, path string, logger *zap.Logger, opts ...selenium.ServiceOption) (*DriverServiceFactory, error) {
	d, ok := selenium.DriverForBrowser(stereotype.BrowserName())
	if !ok {
		return nil, fmt.Errorf("no known driver for browser %q", stereotype.BrowserName())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriverServiceFactory{
		Stereotype:     stereotype,
		Driver:         d,
		Path:           path,
		ServiceOptions: opts,
		Logger:         logger,
	}, nil
}

// Test reports whether caps match the stereotype.
func (f *DriverServiceFactory) Test(caps selenium.Capabilities) bool {
	return data.Matches(f.Stereotype, caps)
}

// Apply starts the driver on a free port and creates the session in it.
func (f *DriverServiceFactory) Apply(ctx context.Context, req *data.CreateSessionRequest) (*ActiveSession, error) {
	if !f.Test(req.DesiredCapabilities) {
		return nil, &data.SessionNotCreatedError{Message: "capabilities do not match the slot stereotype"}
	}
	logger := f.logger()
	port, err := freePort()
	if err != nil {
		return nil, &data.RetrySessionRequestError{Message: "no free port for the driver", Cause: err}
	}
	svc, err := startDriverService(f.Driver, f.Path, port, f.ServiceOptions...)
	if err != nil {
		return nil, &data.RetrySessionRequestError{Message: fmt.Sprintf("%s did not start", f.Driver.Name), Cause: err}
	}

	var opts []selenium.ExecutorOption
	if f.HTTPClient != nil {
		opts = append(opts, selenium.WithHTTPClient(f.HTTPClient))
	}
	e := selenium.NewCommandExecutor(svc.Addr(), opts...)
	id, caps, err := createSession(ctx, e, req)
	if err != nil {
		if stopErr := svc.Stop(); stopErr != nil {
			logger.Warn("stopping driver", zap.String("driver", f.Driver.Name), zap.Error(stopErr))
		}
		return nil, err
	}
	logger.Info("driver session started",
		zap.String("driver", f.Driver.Name),
		zap.String("session", string(id)),
		zap.String("addr", svc.Addr()))

	return NewActiveSession(id, caps, svc.Addr(), time.Now(), func(ctx context.Context) error {
		delErr := deleteSession(ctx, e, id)
		if err := svc.Stop(); err != nil {
			return err
		}
		return delErr
	}), nil
}

func (f *DriverServiceFactory) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

// RelayFactory creates sessions on a WebDriver endpoint that runs on its own,
// such as an Appium server or a driver started by another process.
type RelayFactory struct {
	Stereotype selenium.Capabilities
	// URL is the URL prefix of the endpoint's WebDriver API.
	URL        string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Test reports whether caps match the stereotype.
func (f *RelayFactory) Test(caps selenium.Capabilities) bool {
	return data.Matches(f.Stereotype, caps)
}

// Apply creates the session on the endpoint.
func (f *RelayFactory) Apply(ctx context.Context, req *data.CreateSessionRequest) (*ActiveSession, error) {
	if !f.Test(req.DesiredCapabilities) {
		return nil, &data.SessionNotCreatedError{Message: "capabilities do not match the slot stereotype"}
	}
	var opts []selenium.ExecutorOption
	if f.HTTPClient != nil {
		opts = append(opts, selenium.WithHTTPClient(f.HTTPClient))
	}
	e := selenium.NewCommandExecutor(f.URL, opts...)
	id, caps, err := createSession(ctx, e, req)
	if err != nil {
		return nil, err
	}
	if f.Logger != nil {
		f.Logger.Info("relayed session started", zap.String("session", string(id)), zap.String("url", f.URL))
	}
	return NewActiveSession(id, caps, f.URL, time.Now(), func(ctx context.Context) error {
		return deleteSession(ctx, e, id)
	}), nil
}

// Status reports whether the endpoint is ready.
func (f *RelayFactory) Status(ctx context.Context) (*selenium.Status, error) {
	var opts []selenium.ExecutorOption
	if f.HTTPClient != nil {
		opts = append(opts, selenium.WithHTTPClient(f.HTTPClient))
	}
	body, err := selenium.NewCommandExecutor(f.URL, opts...).Execute(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	status := new(struct{ Value selenium.Status })
	if err := json.Unmarshal(body, status); err != nil {
		return nil, err
	}
	return &status.Value, nil
}
