package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrEmptyResponse indicates the proxy returned a response with no choices.
	ErrEmptyResponse = errors.New("chat response contains no choices")

	// ErrTruncatedStream indicates the transport closed before the
	// end-of-stream marker. Content already received stays accessible via
	// the reader's accumulated message.
	ErrTruncatedStream = errors.New("stream closed before completion marker")

	// ErrMalformedChunk indicates a stream event whose body is not valid
	// JSON. Consumption halts for the turn.
	ErrMalformedChunk = errors.New("malformed stream chunk")
)

// APIError is a non-2xx reply from the proxy.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("proxy returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("proxy returned status %d: %s", e.StatusCode, e.Message)
}

// parseAPIError drains an error response into an APIError. Bodies following
// the standard {"error": {...}} shape are decoded; anything else is carried
// as a raw snippet.
func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return apiErr
	}

	var wire struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		apiErr.Message = wire.Error.Message
		apiErr.Type = wire.Error.Type
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
