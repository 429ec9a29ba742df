package data

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wanmail/selenium-grid"
)

func TestNewSessionRequest(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		desc    string
		payload string
		want    []selenium.Capabilities
		wantErr bool
	}{
		{
			desc:    "alwaysMatch only",
			payload: `{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`,
			want:    []selenium.Capabilities{{"browserName": "chrome"}},
		},
		{
			desc: "firstMatch merged with alwaysMatch",
			payload: `{"capabilities":{
				"alwaysMatch":{"platformName":"linux"},
				"firstMatch":[{"browserName":"chrome"},{"browserName":"firefox"}]}}`,
			want: []selenium.Capabilities{
				{"platformName": "linux", "browserName": "chrome"},
				{"platformName": "linux", "browserName": "firefox"},
			},
		},
		{
			desc:    "legacy desiredCapabilities",
			payload: `{"desiredCapabilities":{"browserName":"firefox","version":"115"}}`,
			want:    []selenium.Capabilities{{"browserName": "firefox", "version": "115"}},
		},
		{
			desc:    "W3C capabilities win over legacy ones",
			payload: `{"capabilities":{"firstMatch":[{"browserName":"chrome"}]},"desiredCapabilities":{"browserName":"firefox"}}`,
			want:    []selenium.Capabilities{{"browserName": "chrome"}},
		},
		{
			desc:    "key in both alwaysMatch and firstMatch",
			payload: `{"capabilities":{"alwaysMatch":{"browserName":"chrome"},"firstMatch":[{"browserName":"firefox"}]}}`,
			wantErr: true,
		},
		{
			desc:    "no capabilities",
			payload: `{}`,
			wantErr: true,
		},
		{
			desc:    "not JSON",
			payload: `capabilities`,
			wantErr: true,
		},
	}
	for _, tc := range tests {
		req, err := NewSessionRequest([]byte(tc.payload), now)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: NewSessionRequest() returned nil error", tc.desc)
				continue
			}
			var wdErr *selenium.Error
			if !errors.As(err, &wdErr) || wdErr.Err != selenium.ErrInvalidArgument {
				t.Errorf("%s: NewSessionRequest() error = %v, want %q", tc.desc, err, selenium.ErrInvalidArgument)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: NewSessionRequest() returned error: %v", tc.desc, err)
			continue
		}
		if diff := cmp.Diff(tc.want, req.DesiredCapabilities); diff != "" {
			t.Errorf("%s: DesiredCapabilities returned diff (-want/+got):\n%s", tc.desc, diff)
		}
		if req.RequestID == "" || !req.EnqueuedAt.Equal(now) {
			t.Errorf("%s: request = %+v, want an id and EnqueuedAt %v", tc.desc, req, now)
		}
	}
}

func TestMatches(t *testing.T) {
	chrome := selenium.Capabilities{
		"browserName":    "chrome",
		"browserVersion": "120.0.6099.109",
		"platformName":   "LINUX",
		"se:vncEnabled":  true,
	}
	tests := []struct {
		caps selenium.Capabilities
		want bool
	}{
		{selenium.Capabilities{}, true},
		{selenium.Capabilities{"browserName": "chrome"}, true},
		{selenium.Capabilities{"browserName": "firefox"}, false},
		{selenium.Capabilities{"browserName": "chrome", "browserVersion": "120"}, true},
		{selenium.Capabilities{"browserName": "chrome", "browserVersion": "12"}, false},
		{selenium.Capabilities{"browserName": "chrome", "browserVersion": "stable"}, true},
		{selenium.Capabilities{"browserName": "chrome", "browserVersion": ">=115.0.0 <121.0.0"}, true},
		{selenium.Capabilities{"browserName": "chrome", "browserVersion": ">=121.0.0"}, false},
		{selenium.Capabilities{"browserName": "chrome", "version": "119"}, false},
		{selenium.Capabilities{"platformName": "linux"}, true},
		{selenium.Capabilities{"platformName": "ANY"}, true},
		{selenium.Capabilities{"platformName": "windows"}, false},
		{selenium.Capabilities{"se:vncEnabled": true}, true},
		{selenium.Capabilities{"se:vncEnabled": false}, false},
		{selenium.Capabilities{"se:recordVideo": true}, true},
		{selenium.Capabilities{"goog:chromeOptions": map[string]interface{}{"args": []string{"--headless"}}}, true},
		{selenium.Capabilities{"acceptInsecureCerts": true, "pageLoadStrategy": "eager"}, true},
	}
	for _, tc := range tests {
		if got := Matches(chrome, tc.caps); got != tc.want {
			t.Errorf("Matches(%v, %v) = %t, want %t", chrome, tc.caps, got, tc.want)
		}
	}
}

func TestPlatformMatches(t *testing.T) {
	tests := []struct {
		have, want string
		match      bool
	}{
		{"WIN11", "windows", true},
		{"Windows 10", "WINDOWS", true},
		{"macOS", "mac", true},
		{"linux", "mac", false},
		{"", "linux", true},
	}
	for _, tc := range tests {
		if got := PlatformMatches(tc.have, tc.want); got != tc.match {
			t.Errorf("PlatformMatches(%q, %q) = %t, want %t", tc.have, tc.want, got, tc.match)
		}
	}
}

func TestNodeStatus(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	chrome := selenium.Capabilities{"browserName": "chrome"}
	firefox := selenium.Capabilities{"browserName": "firefox"}
	status := NodeStatus{
		NodeID:      "n1",
		MaxSessions: 2,
		Slots: []Slot{
			{ID: SlotID{"n1", "0"}, Stereotype: chrome, Session: &Session{ID: "s1"}, LastStarted: started},
			{ID: SlotID{"n1", "1"}, Stereotype: chrome},
			{ID: SlotID{"n1", "2"}, Stereotype: firefox, LastStarted: started.Add(-time.Hour)},
		},
	}

	if got := status.SessionCount(); got != 1 {
		t.Errorf("SessionCount() = %d, want 1", got)
	}
	if got := status.Load(); got != 50 {
		t.Errorf("Load() = %v, want 50", got)
	}
	if got := status.LastSessionCreated(); !got.Equal(started) {
		t.Errorf("LastSessionCreated() = %v, want %v", got, started)
	}
	if !status.HasCapacity(firefox) {
		t.Error("HasCapacity(firefox) = false, want true")
	}
	if status.HasCapacity(selenium.Capabilities{"browserName": "safari"}) {
		t.Error("HasCapacity(safari) = true, want false")
	}

	status.Slots[1].Session = &Session{ID: "s2"}
	if status.HasCapacity(firefox) {
		t.Error("HasCapacity(firefox) = true at max sessions, want false")
	}
	if !status.Supports(firefox) {
		t.Error("Supports(firefox) = false, want true")
	}
}

func TestErrors(t *testing.T) {
	cause := errors.New("connection refused")
	retry := fmt.Errorf("node n1: %w", &RetrySessionRequestError{Message: "unable to create session", Cause: cause})
	if !IsRetryable(retry) {
		t.Errorf("IsRetryable(%v) = false, want true", retry)
	}
	if !errors.Is(retry, cause) {
		t.Errorf("errors.Is(%v, cause) = false, want true", retry)
	}
	notCreated := &SessionNotCreatedError{Message: "no driver"}
	if IsRetryable(notCreated) {
		t.Errorf("IsRetryable(%v) = true, want false", notCreated)
	}

	got := ToWebDriverError(notCreated)
	want := &selenium.Error{Err: selenium.ErrSessionNotCreated, Message: "no driver", HTTPCode: 500}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToWebDriverError() returned diff (-want/+got):\n%s", diff)
	}
	wrapped := fmt.Errorf("create: %w", selenium.NewError(selenium.ErrInvalidArgument, "bad"))
	if got := ToWebDriverError(wrapped); got.Err != selenium.ErrInvalidArgument {
		t.Errorf("ToWebDriverError(%v).Err = %q, want %q", wrapped, got.Err, selenium.ErrInvalidArgument)
	}
}

func TestNewCreateSessionResponse(t *testing.T) {
	s := Session{ID: "abc", Capabilities: selenium.Capabilities{"browserName": "chrome"}}
	resp, err := NewCreateSessionResponse(s)
	if err != nil {
		t.Fatalf("NewCreateSessionResponse() returned error: %v", err)
	}
	id, caps, err := selenium.ParseNewSessionResponse(resp.DownstreamEncodedResponse)
	if err != nil {
		t.Fatalf("ParseNewSessionResponse() returned error: %v", err)
	}
	if id != "abc" {
		t.Errorf("session id = %q, want %q", id, "abc")
	}
	if diff := cmp.Diff(s.Capabilities, caps, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("capabilities returned diff (-want/+got):\n%s", diff)
	}
}
