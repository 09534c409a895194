// Package streaming bridges a stream's event channel onto an HTTP response
// as Server-Sent Events: one event per token delta, a single error-shaped
// event on mid-stream failure, and a sentinel end-of-stream marker.
package streaming

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/types"
)

const (
	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the end-of-stream sentinel.
	SSEDone = "[DONE]"
)

// deltaEvent is the wire shape of one token delta.
type deltaEvent struct {
	Delta string `json:"delta"`
}

// errorEvent is the wire shape of a mid-stream failure.
type errorEvent struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Forward writes the stream's events to w as SSE until the terminal event.
// It always emits the [DONE] sentinel, after an error event if the stream
// failed mid-flight.
func Forward(w http.ResponseWriter, events <-chan types.StreamEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	for ev := range events {
		switch {
		case ev.Err != nil:
			writeEvent(w, marshalError(ev.Err))
			writeSentinel(w)
			flusher.Flush()
			return ev.Err

		case ev.Done:
			writeSentinel(w)
			flusher.Flush()
			return nil

		default:
			data, err := json.Marshal(deltaEvent{Delta: ev.Delta})
			if err != nil {
				continue
			}
			writeEvent(w, data)
			flusher.Flush()
		}
	}

	// Channel closed without a terminal event: still terminate the SSE
	// stream cleanly for the client.
	writeSentinel(w)
	flusher.Flush()
	return nil
}

func marshalError(err error) []byte {
	body := errorBody{Type: gwerrors.TypeUpstream, Message: err.Error()}
	if ge, ok := err.(*gwerrors.GatewayError); ok {
		body.Type = ge.Type
		body.Message = ge.Message
	}
	data, mErr := json.Marshal(errorEvent{Error: body})
	if mErr != nil {
		return []byte(`{"error":{"type":"internal_error","message":"stream failed"}}`)
	}
	return data
}

func writeEvent(w http.ResponseWriter, data []byte) {
	fmt.Fprintf(w, "%s%s\n\n", SSEDataPrefix, data)
}

func writeSentinel(w http.ResponseWriter) {
	fmt.Fprintf(w, "%s%s\n\n", SSEDataPrefix, SSEDone)
}
