// Package wire defines the JSON frame vocabulary spoken on WebSocket
// connections. Every outbound frame is built through a constructor here so
// the field layout stays in one place.
package wire

import (
	"encoding/json"
	"time"
)

// Client frame types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeAPI         = "api"
)

// Server frame types.
const (
	TypeSystem        = "system"
	TypeAuthenticated = "authenticated"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypePong          = "pong"
	TypeEvent         = "event"
	TypeAPIResponse   = "api_response"
	TypeAPIError      = "api_error"
	TypeError         = "error"
)

// Event markers carried in the "event" field.
const (
	EventConnected      = "connected"
	EventDeviceMismatch = "device_mismatch"
)

// Status strings carried by api_response frames.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// InternalErrorMessage is the only text a handler failure may leak to a
// client. The real cause goes to the log.
const InternalErrorMessage = "Request failed. Check server logs for details."

// Meta carries optional client-supplied device information.
type Meta struct {
	Fingerprint string `json:"fingerprint"`
	DeviceID    string `json:"device_id"`
}

// ClientFrame is the decoded form of any inbound frame. Fields that do not
// apply to a given type are simply left at their zero values.
type ClientFrame struct {
	Type          string         `json:"type"`
	Channel       string         `json:"channel"`
	Token         string         `json:"token"`
	TS            int64          `json:"ts"`
	Route         string         `json:"route"`
	URI           string         `json:"uri"`
	Method        string         `json:"method"`
	Body          map[string]any `json:"body"`
	Query         map[string]any `json:"query"`
	CorrelationID string         `json:"correlation_id"`
	Meta          Meta           `json:"meta"`
}

// IsRequest reports whether the frame should be forwarded to the unified
// request pipeline: either an explicit api type or any frame carrying a
// route/uri field.
func (f *ClientFrame) IsRequest() bool {
	return f.Type == TypeAPI || f.Route != "" || f.URI != ""
}

// RequestURI returns the target URI of a request frame, preferring the
// route field over the legacy uri field.
func (f *ClientFrame) RequestURI() string {
	if f.Route != "" {
		return f.Route
	}
	return f.URI
}

// serverFrame is the envelope for every outbound frame. Unused fields are
// omitted so each frame type keeps its documented shape.
type serverFrame struct {
	Type          string `json:"type"`
	Event         string `json:"event,omitempty"`
	FD            int    `json:"fd,omitempty"`
	Channel       string `json:"channel,omitempty"`
	ProfileID     int64  `json:"profile_id,omitempty"`
	ScopeEntityID int64  `json:"scope_entity_id,omitempty"`
	TS            int64  `json:"ts,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	Message       string `json:"message,omitempty"`
	Data          any    `json:"data,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

func marshal(f serverFrame) ([]byte, error) {
	f.Timestamp = time.Now().Unix()
	return json.Marshal(f)
}

// Connected returns the system.connected frame announcing the FD assigned to
// a freshly opened connection.
func Connected(fd int) ([]byte, error) {
	return marshal(serverFrame{Type: TypeSystem, Event: EventConnected, FD: fd})
}

// Authenticated returns the frame acknowledging a successful auth.
func Authenticated(profileID, scopeEntityID int64) ([]byte, error) {
	return marshal(serverFrame{Type: TypeAuthenticated, ProfileID: profileID, ScopeEntityID: scopeEntityID})
}

// Subscribed acknowledges a subscribe.
func Subscribed(channel string) ([]byte, error) {
	return marshal(serverFrame{Type: TypeSubscribed, Channel: channel})
}

// Unsubscribed acknowledges an unsubscribe.
func Unsubscribed(channel string) ([]byte, error) {
	return marshal(serverFrame{Type: TypeUnsubscribed, Channel: channel})
}

// Pong echoes the client timestamp from a ping frame.
func Pong(ts int64) ([]byte, error) {
	return marshal(serverFrame{Type: TypePong, TS: ts})
}

// Event returns the push frame delivered to every subscriber of a channel
// when a message is published to it.
func Event(channel string, payload any) ([]byte, error) {
	return marshal(serverFrame{Type: TypeEvent, Channel: channel, Data: payload})
}

// APIResponse returns the reply for a pipeline request. The status string is
// derived from the status code class.
func APIResponse(correlationID string, statusCode int, data any) ([]byte, error) {
	status := StatusSuccess
	if statusCode >= 400 {
		status = StatusError
	}
	return marshal(serverFrame{
		Type:          TypeAPIResponse,
		CorrelationID: correlationID,
		Status:        status,
		StatusCode:    statusCode,
		Data:          data,
	})
}

// APIFailure returns an error-status api_response carrying an intentional
// message instead of data (404, 401, validation failures and the like).
func APIFailure(correlationID string, statusCode int, message string) ([]byte, error) {
	return marshal(serverFrame{
		Type:          TypeAPIResponse,
		CorrelationID: correlationID,
		Status:        StatusError,
		StatusCode:    statusCode,
		Message:       message,
	})
}

// APIError returns the generic 500 reply used when a handler fails
// unexpectedly. The message is fixed; causes never cross the boundary.
func APIError(correlationID string) ([]byte, error) {
	return marshal(serverFrame{
		Type:          TypeAPIError,
		CorrelationID: correlationID,
		Status:        StatusError,
		StatusCode:    500,
		Message:       InternalErrorMessage,
	})
}

// Error returns a transport-level error frame (malformed input, rate limit,
// auth failures, table exhaustion). These carry no correlation id.
func Error(statusCode int, message string) ([]byte, error) {
	return marshal(serverFrame{Type: TypeError, StatusCode: statusCode, Message: message})
}

// ErrorEvent returns an error frame tagged with an event marker, such as
// device_mismatch.
func ErrorEvent(event string, statusCode int, message string) ([]byte, error) {
	return marshal(serverFrame{Type: TypeError, Event: event, StatusCode: statusCode, Message: message})
}
