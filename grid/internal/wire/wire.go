// Package wire writes and reads the JSON envelopes of the WebDriver and grid
// HTTP APIs.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wanmail/selenium-grid"
)

// WriteValue answers with {"value": v}.
func WriteValue(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", selenium.JSONType+"; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"value": v})
}

// WriteRaw answers with an already encoded body.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", selenium.JSONType+"; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteError answers with the W3C error envelope of err. Errors that are not
// a *selenium.Error are reported as "unknown error".
func WriteError(w http.ResponseWriter, err error) {
	var wdErr *selenium.Error
	if !errors.As(err, &wdErr) {
		wdErr = selenium.NewError(selenium.ErrUnknownError, err.Error())
	}
	status := wdErr.HTTPCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body, mErr := json.Marshal(wdErr)
	if mErr != nil {
		http.Error(w, mErr.Error(), http.StatusInternalServerError)
		return
	}
	WriteRaw(w, status, body)
}

// DecodeValue unmarshals the "value" member of body into v.
func DecodeValue(body []byte, v interface{}) error {
	var reply struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if len(reply.Value) == 0 {
		return errors.New("reply has no value")
	}
	return json.Unmarshal(reply.Value, v)
}

// ReadJSON decodes the request body into v, limited to maxBytes.
func ReadJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return selenium.NewError(selenium.ErrInvalidArgument, fmt.Sprintf("malformed request body: %v", err))
	}
	return nil
}
