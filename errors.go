package selenium

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// W3C error codes, as carried in the "error" field of an error response.
const (
	ErrElementClickIntercepted = "element click intercepted"
	ErrElementNotInteractable  = "element not interactable"
	ErrInsecureCertificate     = "insecure certificate"
	ErrInvalidArgument         = "invalid argument"
	ErrInvalidCookieDomain     = "invalid cookie domain"
	ErrInvalidElementState     = "invalid element state"
	ErrInvalidSelector         = "invalid selector"
	ErrInvalidSessionID        = "invalid session id"
	ErrJavascriptError         = "javascript error"
	ErrMoveTargetOutOfBounds   = "move target out of bounds"
	ErrNoSuchAlert             = "no such alert"
	ErrNoSuchCookie            = "no such cookie"
	ErrNoSuchElement           = "no such element"
	ErrNoSuchFrame             = "no such frame"
	ErrNoSuchWindow            = "no such window"
	ErrScriptTimeout           = "script timeout"
	ErrSessionNotCreated       = "session not created"
	ErrStaleElementReference   = "stale element reference"
	ErrTimeout                 = "timeout"
	ErrUnableToSetCookie       = "unable to set cookie"
	ErrUnexpectedAlertOpen     = "unexpected alert open"
	ErrUnknownCommand          = "unknown command"
	ErrUnknownError            = "unknown error"
	ErrUnknownMethod           = "unknown method"
	ErrUnsupportedOperation    = "unsupported operation"
)

// Legacy JSON wire protocol status codes returned by old Selenium servers.
var remoteErrors = map[int]string{
	6:  ErrInvalidSessionID,
	7:  ErrNoSuchElement,
	8:  ErrNoSuchFrame,
	9:  ErrUnknownCommand,
	10: ErrStaleElementReference,
	11: ErrElementNotInteractable,
	12: ErrInvalidElementState,
	13: ErrUnknownError,
	17: ErrJavascriptError,
	21: ErrTimeout,
	23: ErrNoSuchWindow,
	24: ErrInvalidCookieDomain,
	25: ErrUnableToSetCookie,
	26: ErrUnexpectedAlertOpen,
	27: ErrNoSuchAlert,
	28: ErrScriptTimeout,
	32: ErrInvalidSelector,
	33: ErrSessionNotCreated,
	34: ErrMoveTargetOutOfBounds,
}

// errorStatus maps W3C error codes to the HTTP status a remote end answers
// them with.
var errorStatus = map[string]int{
	ErrElementClickIntercepted: http.StatusBadRequest,
	ErrElementNotInteractable:  http.StatusBadRequest,
	ErrInsecureCertificate:     http.StatusBadRequest,
	ErrInvalidArgument:         http.StatusBadRequest,
	ErrInvalidCookieDomain:     http.StatusBadRequest,
	ErrInvalidElementState:     http.StatusBadRequest,
	ErrInvalidSelector:         http.StatusBadRequest,
	ErrInvalidSessionID:        http.StatusNotFound,
	ErrJavascriptError:         http.StatusInternalServerError,
	ErrMoveTargetOutOfBounds:   http.StatusInternalServerError,
	ErrNoSuchAlert:             http.StatusNotFound,
	ErrNoSuchCookie:            http.StatusNotFound,
	ErrNoSuchElement:           http.StatusNotFound,
	ErrNoSuchFrame:             http.StatusNotFound,
	ErrNoSuchWindow:            http.StatusNotFound,
	ErrScriptTimeout:           http.StatusInternalServerError,
	ErrSessionNotCreated:       http.StatusInternalServerError,
	ErrStaleElementReference:   http.StatusNotFound,
	ErrTimeout:                 http.StatusInternalServerError,
	ErrUnableToSetCookie:       http.StatusInternalServerError,
	ErrUnexpectedAlertOpen:     http.StatusInternalServerError,
	ErrUnknownCommand:          http.StatusNotFound,
	ErrUnknownError:            http.StatusInternalServerError,
	ErrUnknownMethod:           http.StatusMethodNotAllowed,
	ErrUnsupportedOperation:    http.StatusInternalServerError,
}

// Error contains information about a failure of a command. See the table of
// these strings at https://www.w3.org/TR/webdriver/#handling-errors .
//
// This error type is only returned by servers that implement the W3C
// specification, or old servers whose numeric status could be translated.
type Error struct {
	// Err contains a general error string provided by the server.
	Err string `json:"error"`
	// Message is a detailed, human-readable message specific to the failure.
	Message string `json:"message"`
	// Stacktrace may contain the server-side stacktrace where the error occurred.
	Stacktrace string `json:"stacktrace"`
	// HTTPCode is the HTTP status code returned by the server.
	HTTPCode int `json:"-"`
	// LegacyCode is the "Response Status Code" defined in the legacy Selenium
	// WebDriver JSON wire protocol. This code is only produced by older
	// Selenium WebDriver versions, Chromedriver, and InternetExplorerDriver.
	LegacyCode int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Err
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Message)
}

// Is reports whether target is an *Error carrying the same W3C code, so that
// errors.Is(err, &selenium.Error{Err: selenium.ErrNoSuchElement}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == e.Err
}

// NewError returns an *Error with the HTTP status the W3C specification
// assigns to code.
func NewError(code, message string) *Error {
	status, ok := errorStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Err: code, Message: message, HTTPCode: status}
}

// MarshalJSON encodes the error in the W3C response envelope, i.e.
// {"value": {"error": ..., "message": ..., "stacktrace": ...}}.
func (e *Error) MarshalJSON() ([]byte, error) {
	type body Error
	return json.Marshal(struct {
		Value body `json:"value"`
	}{body(*e)})
}

func legacyError(status int, message string) *Error {
	code, ok := remoteErrors[status]
	if !ok {
		code = fmt.Sprintf("unknown error - %d", status)
	}
	return &Error{Err: code, Message: message, LegacyCode: status}
}
