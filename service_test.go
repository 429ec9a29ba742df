package selenium

import (
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"testing"
	"time"

	"github.com/BurntSushi/xgbutil"
	"github.com/google/go-cmp/cmp"
)

func TestIsDisplay(t *testing.T) {
	tests := []struct {
		desc  string
		in    string
		valid bool
	}{
		{
			desc:  "valid with just display",
			in:    "2",
			valid: true,
		},
		{
			desc:  "valid with display and screen",
			in:    "2.5",
			valid: true,
		},
		{
			desc:  "invalid with non-numeric display",
			in:    "a",
			valid: false,
		},
		{
			desc:  "invalid with non-numeric display and screen",
			in:    "a.5",
			valid: false,
		},
		{
			desc:  "invalid with display and non-numeric screen",
			in:    "2.b",
			valid: false,
		},
		{
			desc:  "invalid with display and blank screen",
			in:    "2.",
			valid: false,
		},
		{
			desc:  "invalid with blank display and screen",
			in:    ".3",
			valid: false,
		},
		{
			desc:  "invalid with blank display and blank screen",
			in:    ".",
			valid: false,
		},
		{
			desc:  "blank string is invalid",
			in:    "",
			valid: false,
		},
		{
			desc:  "malformed input",
			in:    "2.5.7",
			valid: false,
		},
	}

	for _, test := range tests {
		if got, want := isDisplay(test.in), test.valid; got != want {
			t.Errorf("%s: isDisplay = %t, want %t", test.desc, got, want)
		}
	}
}

func useFakeExecCommand(t *testing.T) {
	t.Helper()
	newExecCommand = fakeExecCommand
	t.Cleanup(func() { newExecCommand = exec.Command })
}

func pickUnusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestFrameBuffer(t *testing.T) {
	// Make sure that we are using our unit-test version of `exec.Command`.
	useFakeExecCommand(t)

	t.Run("Default behavior", func(t *testing.T) {
		frameBuffer, err := NewFrameBuffer()
		if err != nil {
			t.Fatalf("Could not create frame buffer: %s", err.Error())
		}
		if frameBuffer.Display != "1" {
			t.Errorf("frameBuffer.Display = %s, want %s", frameBuffer.Display, "1")
		}
		args := frameBuffer.cmd.Args[3:]
		if len(args) != 5 {
			t.Errorf("args length = %d, want = %d", len(args), 5)
		} else {
			if args[0] != "Xvfb" {
				t.Errorf("args[0] = %s, want = %s", args[0], "Xvfb")
			}
			if args[1] != "-displayfd" {
				t.Errorf("args[1] = %s, want = %s", args[1], "-displayfd")
			}
			if args[2] != "3" {
				t.Errorf("args[2] = %s, want = %s", args[2], "3")
			}
			if args[3] != "-nolisten" {
				t.Errorf("args[3] = %s, want = %s", args[3], "-nolisten")
			}
			if args[4] != "tcp" {
				t.Errorf("args[4] = %s, want = %s", args[4], "tcp")
			}
		}
	})
	t.Run("With screen size", func(t *testing.T) {
		options := FrameBufferOptions{
			ScreenSize: "1024x768x24",
		}
		frameBuffer, err := NewFrameBufferWithOptions(options)
		if err != nil {
			t.Fatalf("Could not create frame buffer: %s", err.Error())
		}
		if frameBuffer.Display != "1" {
			t.Errorf("frameBuffer.Display = %s, want %s", frameBuffer.Display, "1")
		}
		args := frameBuffer.cmd.Args[3:]
		if len(args) != 8 {
			t.Errorf("args length = %d, want = %d", len(args), 8)
		} else {
			if args[0] != "Xvfb" {
				t.Errorf("args[0] = %s, want = %s", args[0], "Xvfb")
			}
			if args[1] != "-displayfd" {
				t.Errorf("args[1] = %s, want = %s", args[1], "-displayfd")
			}
			if args[2] != "3" {
				t.Errorf("args[2] = %s, want = %s", args[2], "3")
			}
			if args[3] != "-nolisten" {
				t.Errorf("args[3] = %s, want = %s", args[3], "-nolisten")
			}
			if args[4] != "tcp" {
				t.Errorf("args[4] = %s, want = %s", args[4], "tcp")
			}
			if args[5] != "-screen" {
				t.Errorf("args[5] = %s, want = %s", args[5], "-screen")
			}
			if args[6] != "0" {
				t.Errorf("args[6] = %s, want = %s", args[6], "0")
			}
			if args[7] != options.ScreenSize {
				t.Errorf("args[7] = %s, want = %s", args[7], options.ScreenSize)
			}
		}
	})
}

func TestFrameBufferDisplay(t *testing.T) {
	if _, err := exec.LookPath("Xvfb"); err != nil {
		t.Skip("Xvfb is not installed")
	}
	// There appears to be a race condition when closing a Conn instance before
	// a FrameBuffer instance. A short sleep solves the problem.
	tests := []struct {
		desc                  string
		screenSize            string
		wantWidth, wantHeight int
	}{
		{
			// The default Xvfb screen size is "1280x1024x8".
			desc:       "default screen size",
			wantWidth:  1280,
			wantHeight: 1024,
		},
		{
			desc:       "explicit screen size",
			screenSize: fmt.Sprintf("%dx%dx%d", 1024, 768, 24),
			wantWidth:  1024,
			wantHeight: 768,
		},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			frameBuffer, err := NewFrameBufferWithOptions(FrameBufferOptions{ScreenSize: tc.screenSize})
			if err != nil {
				t.Fatalf("Could not create frame buffer: %s", err.Error())
			}
			defer frameBuffer.Stop()

			d, err := xgbutil.NewConnDisplay(":" + frameBuffer.Display)
			if err != nil {
				t.Fatalf("could not connect to display %q: %s", frameBuffer.Display, err.Error())
			}
			defer time.Sleep(time.Second * 2)
			defer d.Conn().Close()
			s := d.Screen()
			got := []int{int(s.WidthInPixels), int(s.HeightInPixels)}
			if diff := cmp.Diff([]int{tc.wantWidth, tc.wantHeight}, got); diff != "" {
				t.Fatalf("screen size returned diff (-want/+got):\n%s", diff)
			}
		})
	}
}

func TestFrameBufferBadScreenSize(t *testing.T) {
	if _, err := NewFrameBufferWithOptions(FrameBufferOptions{ScreenSize: "not a screen size"}); err == nil {
		t.Fatalf("Expected an error about the screen size")
	}
}

func TestDriverService(t *testing.T) {
	useFakeExecCommand(t)

	tests := []struct {
		desc     string
		start    func(path string, port int, opts ...ServiceOption) (*Service, error)
		wantAddr string
	}{
		{
			desc:     "chromedriver",
			start:    NewChromeDriverService,
			wantAddr: "http://localhost:%d/wd/hub",
		},
		{
			desc:     "geckodriver",
			start:    NewGeckoDriverService,
			wantAddr: "http://localhost:%d",
		},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			port := pickUnusedPort(t)
			s, err := tc.start("", port, StartTimeout(10*time.Second))
			if err != nil {
				t.Fatalf("start(%d) returned error: %v", port, err)
			}
			if got, want := s.Addr(), fmt.Sprintf(tc.wantAddr, port); got != want {
				t.Errorf("s.Addr() = %q, want %q", got, want)
			}
			resp, err := http.Get(s.Addr() + "/status")
			if err != nil {
				t.Fatalf("GET /status returned error: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("GET /status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			if err := s.Stop(); err != nil {
				t.Errorf("s.Stop() returned error: %v", err)
			}
		})
	}
}

func TestDriverServiceStartTimeout(t *testing.T) {
	useFakeExecCommand(t)

	// "echo" exits immediately without ever serving the status endpoint.
	d := Driver{Name: "echo", args: func(port int) []string { return []string{"hi"} }}
	if _, err := NewDriverService(d, "", pickUnusedPort(t), StartTimeout(500*time.Millisecond)); err == nil {
		t.Fatal("NewDriverService() returned nil error, want a start timeout")
	}
}

func TestDriverForBrowser(t *testing.T) {
	tests := []struct {
		browser string
		want    string
		ok      bool
	}{
		{"chrome", "chromedriver", true},
		{"firefox", "geckodriver", true},
		{"MicrosoftEdge", "msedgedriver", true},
		{"Safari", "safaridriver", true},
		{"lynx", "", false},
	}
	for _, tc := range tests {
		d, ok := DriverForBrowser(tc.browser)
		if ok != tc.ok || d.Name != tc.want {
			t.Errorf("DriverForBrowser(%q) = (%q, %t), want (%q, %t)", tc.browser, d.Name, ok, tc.want, tc.ok)
		}
	}
}
