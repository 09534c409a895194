// Package httputil provides small helpers shared by the HTTP surface:
// bounded body reads and uniform JSON responses.
package httputil

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	gwerrors "github.com/workmesh/aigate/pkg/errors"
)

// MaxErrorBodyBytes caps how much of an upstream error body is read for
// classification.
const MaxErrorBodyBytes int64 = 64 * 1024

// ErrBodyTooLarge is returned when a bounded read hits its cap.
var ErrBodyTooLarge = errors.New("body exceeds size limit")

// ReadLimited reads up to maxBytes from r. It returns ErrBodyTooLarge along
// with the truncated bytes when the source is larger than the cap.
func ReadLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrBodyTooLarge
	}
	return body, nil
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of an error response.
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteError writes err as a JSON error response, preserving the gateway
// error's type and status code when it carries them.
func WriteError(w http.ResponseWriter, err error) {
	var body errorBody
	status := http.StatusInternalServerError
	body.Error.Type = "internal_error"
	body.Error.Message = err.Error()

	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		status = ge.HTTPStatusCode()
		body.Error.Type = ge.Type
		body.Error.Message = ge.Message
	}
	WriteJSON(w, status, body)
}
