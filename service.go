package selenium

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newExecCommand is replaced in tests.
var newExecCommand = exec.Command

// ServiceOption configures a Service instance.
type ServiceOption func(*Service) error

// Display specifies the value to which set the DISPLAY environment variable,
// as well as the path to the Xauthority file containing credentials needed to
// write to that X server.
func Display(d, xauthPath string) ServiceOption {
	return func(s *Service) error {
		if s.display != "" {
			return fmt.Errorf("service display already set: %v", s.display)
		}
		if s.xauthPath != "" {
			return fmt.Errorf("service xauth path already set: %v", s.xauthPath)
		}
		if !isDisplay(d) {
			return fmt.Errorf("supplied display %q must be of the format 'x' or 'x.y' where x and y are integers", d)
		}
		s.display = d
		s.xauthPath = xauthPath
		return nil
	}
}

// isDisplay validates that the given disp is in the format "x" or "x.y", where
// x and y are both integers.
func isDisplay(disp string) bool {
	ds := strings.Split(disp, ".")
	if len(ds) > 2 {
		return false
	}

	for _, d := range ds {
		if _, err := strconv.Atoi(d); err != nil {
			return false
		}
	}
	return true
}

// StartFrameBuffer causes an X virtual frame buffer to start before the
// WebDriver service. The frame buffer process will be terminated when the
// service itself is stopped.
//
// This is equivalent to calling StartFrameBufferWithOptions with an empty
// map.
func StartFrameBuffer() ServiceOption {
	return StartFrameBufferWithOptions(FrameBufferOptions{})
}

// FrameBufferOptions describes the options that can be used to create a frame buffer.
type FrameBufferOptions struct {
	// ScreenSize is the option for the frame buffer screen size.
	// This is of the form "{width}x{height}[x{depth}]".  For example: "1024x768x24"
	ScreenSize string
}

// StartFrameBufferWithOptions causes an X virtual frame buffer to start before
// the WebDriver service. The frame buffer process will be terminated when the
// service itself is stopped.
func StartFrameBufferWithOptions(options FrameBufferOptions) ServiceOption {
	return func(s *Service) error {
		if s.display != "" {
			return fmt.Errorf("service display already set: %v", s.display)
		}
		if s.xauthPath != "" {
			return fmt.Errorf("service xauth path already set: %v", s.xauthPath)
		}
		if s.xvfb != nil {
			return fmt.Errorf("service Xvfb instance already running")
		}
		fb, err := NewFrameBufferWithOptions(options)
		if err != nil {
			return fmt.Errorf("error starting frame buffer: %v", err)
		}
		s.xvfb = fb
		return Display(fb.Display, fb.AuthPath)(s)
	}
}

// Output specifies that the WebDriver service should log to the provided
// writer.
func Output(w io.Writer) ServiceOption {
	return func(s *Service) error {
		s.output = w
		return nil
	}
}

// StartTimeout bounds how long the service may take to answer its status
// endpoint after the process started. The default is 30 seconds.
func StartTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		s.startTimeout = d
		return nil
	}
}

// Driver describes how to launch a WebDriver binary and reach its HTTP API.
type Driver struct {
	// Name is the conventional executable name, e.g. "chromedriver".
	Name string
	// BrowserName is the W3C browserName the driver serves.
	BrowserName string
	// URLPrefix is the path under which the driver serves the WebDriver API.
	URLPrefix string
	// ShutdownPath, if set, is requested to stop the driver gracefully.
	ShutdownPath string

	args func(port int) []string
}

// Args returns the command line arguments that make the driver listen on
// port.
func (d Driver) Args(port int) []string {
	return d.args(port)
}

// Known drivers.
var (
	ChromeDriver = Driver{
		Name:         "chromedriver",
		BrowserName:  "chrome",
		URLPrefix:    "/wd/hub",
		ShutdownPath: "/shutdown",
		args: func(port int) []string {
			return []string{"--port=" + strconv.Itoa(port), "--url-base=wd/hub", "--verbose"}
		},
	}
	EdgeDriver = Driver{
		Name:         "msedgedriver",
		BrowserName:  "MicrosoftEdge",
		ShutdownPath: "/shutdown",
		args: func(port int) []string {
			return []string{"--port=" + strconv.Itoa(port)}
		},
	}
	GeckoDriver = Driver{
		Name:        "geckodriver",
		BrowserName: "firefox",
		args: func(port int) []string {
			return []string{"--port", strconv.Itoa(port)}
		},
	}
	SafariDriver = Driver{
		Name:        "safaridriver",
		BrowserName: "safari",
		args: func(port int) []string {
			return []string{"--port", strconv.Itoa(port)}
		},
	}
)

// DriverForBrowser returns the driver that serves browserName.
func DriverForBrowser(browserName string) (Driver, bool) {
	for _, d := range []Driver{ChromeDriver, EdgeDriver, GeckoDriver, SafariDriver} {
		if strings.EqualFold(d.BrowserName, browserName) {
			return d, true
		}
	}
	return Driver{}, false
}

// Service controls a locally-running WebDriver subprocess.
type Service struct {
	port            int
	addr            string
	cmd             *exec.Cmd
	shutdownURLPath string
	startTimeout    time.Duration

	display, xauthPath string
	xvfb               *FrameBuffer

	output io.Writer
}

// FrameBuffer returns the FrameBuffer if one was started by the service and nil otherwise.
func (s *Service) FrameBuffer() *FrameBuffer {
	return s.xvfb
}

// Addr returns the URL prefix of the WebDriver API served by the process.
func (s *Service) Addr() string {
	return s.addr
}

// NewDriverService starts the driver binary at path in the background,
// listening on port, and waits until it answers its status endpoint.
func NewDriverService(d Driver, path string, port int, opts ...ServiceOption) (*Service, error) {
	if path == "" {
		path = d.Name
	}
	cmd := newExecCommand(path, d.Args(port)...)
	s, err := newService(cmd, d.URLPrefix, port, opts...)
	if err != nil {
		return nil, err
	}
	s.shutdownURLPath = d.ShutdownPath
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewChromeDriverService starts a ChromeDriver instance in the background.
func NewChromeDriverService(path string, port int, opts ...ServiceOption) (*Service, error) {
	return NewDriverService(ChromeDriver, path, port, opts...)
}

// NewGeckoDriverService starts a GeckoDriver instance in the background.
func NewGeckoDriverService(path string, port int, opts ...ServiceOption) (*Service, error) {
	return NewDriverService(GeckoDriver, path, port, opts...)
}

func newService(cmd *exec.Cmd, urlPrefix string, port int, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		port:         port,
		addr:         fmt.Sprintf("http://localhost:%d%s", port, urlPrefix),
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	cmd.Stderr = s.output
	cmd.Stdout = s.output
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	if s.display != "" {
		cmd.Env = append(cmd.Env, "DISPLAY=:"+s.display)
	}
	if s.xauthPath != "" {
		cmd.Env = append(cmd.Env, "XAUTHORITY="+s.xauthPath)
	}
	s.cmd = cmd
	return s, nil
}

func (s *Service) start() error {
	if err := s.cmd.Start(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = s.startTimeout
	err := backoff.Retry(func() error {
		resp, err := http.Get(s.addr + "/status")
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch resp.StatusCode {
		// Selenium <3 returned Forbidden and BadRequest. ChromeDriver and
		// Selenium 3 return OK.
		case http.StatusForbidden, http.StatusBadRequest, http.StatusOK:
			return nil
		}
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}, b)
	if err != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		return fmt.Errorf("server did not respond on port %d: %w", s.port, err)
	}
	return nil
}

// Stop shuts down the WebDriver service, and the X virtual frame buffer
// if one was started.
func (s *Service) Stop() error {
	if s.shutdownURLPath == "" {
		if err := s.cmd.Process.Kill(); err != nil {
			return err
		}
	} else {
		resp, err := http.Get(strings.TrimSuffix(s.addr, "/wd/hub") + s.shutdownURLPath)
		if err != nil {
			// The process may not serve the shutdown endpoint; fall back to a kill.
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return err
			}
		} else {
			resp.Body.Close()
		}
	}
	if err := s.cmd.Wait(); err != nil && err.Error() != "signal: killed" {
		return err
	}
	if s.xvfb != nil {
		return s.xvfb.Stop()
	}
	return nil
}

// FrameBuffer controls an X virtual frame buffer running as a background
// process.
type FrameBuffer struct {
	// Display is the X11 display number that the Xvfb process is hosting
	// (without the preceding colon).
	Display string
	// AuthPath is the path to the X11 authorization file that permits X clients
	// to use the X server. This is typically provided to the client via the
	// XAUTHORITY environment variable.
	AuthPath string

	cmd *exec.Cmd
}

// NewFrameBuffer starts an X virtual frame buffer running in the background.
//
// This is equivalent to calling NewFrameBufferWithOptions with an empty NewFrameBufferWithOptions.
func NewFrameBuffer() (*FrameBuffer, error) {
	return NewFrameBufferWithOptions(FrameBufferOptions{})
}

var screenSizeExpression = regexp.MustCompile(`^\d+x\d+(?:x\d+)?$`)

// NewFrameBufferWithOptions starts an X virtual frame buffer running in the background.
// FrameBufferOptions may be populated to change the behavior of the frame buffer.
func NewFrameBufferWithOptions(options FrameBufferOptions) (*FrameBuffer, error) {
	if options.ScreenSize != "" && !screenSizeExpression.MatchString(options.ScreenSize) {
		return nil, fmt.Errorf("invalid screen size: expected 'WxH[xD]', got %q", options.ScreenSize)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	auth, err := os.CreateTemp("", "selenium-xvfb")
	if err != nil {
		return nil, err
	}
	authPath := auth.Name()
	if err := auth.Close(); err != nil {
		return nil, err
	}

	// Xvfb will print the display on which it is listening to file descriptor 3,
	// for which we provide a pipe.
	arguments := []string{"-displayfd", "3", "-nolisten", "tcp"}
	if options.ScreenSize != "" {
		arguments = append(arguments, "-screen", "0", options.ScreenSize)
	}
	xvfb := newExecCommand("Xvfb", arguments...)
	xvfb.ExtraFiles = []*os.File{w}

	// TODO(minusnine): plumb a way to set xvfb.Std{err,out} conditionally.
	xvfb.Env = append(xvfb.Env, "XAUTHORITY="+authPath)
	if err := xvfb.Start(); err != nil {
		return nil, err
	}
	w.Close()

	type resp struct {
		display string
		err     error
	}
	ch := make(chan resp)
	go func() {
		bufr := bufio.NewReader(r)
		s, err := bufr.ReadString('\n')
		ch <- resp{s, err}
	}()

	var display string
	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		display = strings.TrimSpace(resp.display)
		if _, err := strconv.Atoi(display); err != nil {
			return nil, errors.New("Xvfb did not print the display number")
		}
	case <-time.After(3 * time.Second):
		return nil, errors.New("timeout waiting for Xvfb")
	}

	xauth := newExecCommand("xauth", "generate", ":"+display, ".", "trusted")
	xauth.Stderr = os.Stderr
	xauth.Stdout = os.Stdout
	xauth.Env = append(xauth.Env, "XAUTHORITY="+authPath)

	if err := xauth.Run(); err != nil {
		return nil, err
	}

	return &FrameBuffer{display, authPath, xvfb}, nil
}

// Stop kills the background frame buffer process and removes the X
// authorization file.
func (f FrameBuffer) Stop() error {
	if err := f.cmd.Process.Kill(); err != nil {
		return err
	}
	os.Remove(f.AuthPath) // best effort removal; ignore error
	if err := f.cmd.Wait(); err != nil && err.Error() != "signal: killed" {
		return err
	}
	return nil
}
