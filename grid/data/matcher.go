package data

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/blang/semver"

	"github.com/wanmail/selenium-grid"
)

// Capabilities that configure a session rather than select a browser.
var sessionCapabilities = map[string]bool{
	"acceptInsecureCerts":       true,
	"pageLoadStrategy":          true,
	"proxy":                     true,
	"setWindowRect":             true,
	"strictFileInteractability": true,
	"timeouts":                  true,
	"unhandledPromptBehavior":   true,
	"webSocketUrl":              true,
}

// Matches reports whether a slot advertising stereotype can serve caps.
//
// browserName must be equal. browserVersion may be a prefix of the
// stereotype's version ("120" matches "120.0.6099.109"), a semver range
// (">=115.0.0 <121.0.0"), or one of "stable" and "latest". platformName
// matches case-insensitively, "any" and platform families ("windows" matches
// "WIN11") included. Grid extension capabilities ("se:*") must be equal when
// the stereotype declares them. Other vendor extensions are passed to the
// driver untouched.
func Matches(stereotype, caps selenium.Capabilities) bool {
	for k, want := range caps {
		if want == nil || want == "" {
			continue
		}
		switch {
		case k == selenium.BrowserNameCapability:
			if !strings.EqualFold(stereotype.BrowserName(), fmt.Sprint(want)) {
				return false
			}
		case k == selenium.BrowserVersionCapability || k == "version":
			if !VersionMatches(stereotype.BrowserVersion(), fmt.Sprint(want)) {
				return false
			}
		case k == selenium.PlatformNameCapability || k == "platform":
			if !PlatformMatches(stereotype.PlatformName(), fmt.Sprint(want)) {
				return false
			}
		case sessionCapabilities[k]:
		case strings.Contains(k, ":") && !strings.HasPrefix(k, "se:"):
		default:
			have, ok := stereotype[k]
			if ok && !reflect.DeepEqual(have, want) {
				return false
			}
		}
	}
	return true
}

// VersionMatches reports whether a browser of version have satisfies the
// requested version want.
func VersionMatches(have, want string) bool {
	switch strings.ToLower(want) {
	case "", "stable", "latest":
		return true
	}
	if have == "" || strings.EqualFold(have, want) {
		return true
	}
	if strings.HasPrefix(have, want+".") {
		return true
	}
	r, err := semver.ParseRange(want)
	if err != nil {
		return false
	}
	v, err := semver.ParseTolerant(have)
	if err != nil {
		return false
	}
	return r(v)
}

// PlatformMatches reports whether a node running platform have satisfies the
// requested platform want.
func PlatformMatches(have, want string) bool {
	if want == "" || strings.EqualFold(want, "any") || have == "" {
		return true
	}
	if strings.EqualFold(have, want) {
		return true
	}
	return platformFamily(have) == strings.ToLower(want)
}

func platformFamily(p string) string {
	p = strings.ToLower(p)
	switch {
	case strings.HasPrefix(p, "win"):
		return "windows"
	case strings.HasPrefix(p, "mac"), strings.HasPrefix(p, "darwin"), strings.HasPrefix(p, "os x"):
		return "mac"
	case strings.HasPrefix(p, "linux"):
		return "linux"
	}
	return p
}
