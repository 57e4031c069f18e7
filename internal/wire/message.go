// Package wire defines the WebSocket protocol spoken between the sync
// client and an issuedeck server. Every message is a JSON envelope with a
// type, an optional correlation ID, and a type-specific payload.
package wire

import "encoding/json"

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeSubscribe opens a live query on the server.
	// Sent by the client; carries a correlation ID.
	// Payload: SubscribePayload
	MessageTypeSubscribe MessageType = "sub.subscribe"

	// MessageTypeSubscribed acknowledges a subscribe request.
	// Sent by the server with the request's correlation ID.
	// Payload: SubscribedPayload
	MessageTypeSubscribed MessageType = "sub.subscribed"

	// MessageTypeUnsubscribe closes a live query on the server.
	// Payload: UnsubscribePayload
	MessageTypeUnsubscribe MessageType = "sub.unsubscribe"

	// MessageTypeUnsubscribed acknowledges an unsubscribe request.
	// Payload: UnsubscribedPayload
	MessageTypeUnsubscribed MessageType = "sub.unsubscribed"

	// MessageTypePush carries a full or incremental update for one
	// subscription key. Sent by the server without a correlation ID;
	// envelopes for a given key arrive in server order.
	// Payload: PushEnvelope
	MessageTypePush MessageType = "sub.push"

	// MessageTypeIssueUpdate requests a one-shot field mutation on an issue.
	// The mutation is never applied locally; its visible effect arrives as a
	// later push on every subscription whose membership includes the issue.
	// Payload: IssueUpdatePayload
	MessageTypeIssueUpdate MessageType = "issue.update"

	// MessageTypeIssueUpdated acknowledges an issue.update request.
	// Payload: IssueUpdatedPayload
	MessageTypeIssueUpdated MessageType = "issue.updated"

	// MessageTypeWorkspaceChanged notifies clients that the served workspace
	// switched. Subscriptions refer to the old workspace and must be
	// re-established by the layer above.
	// Payload: WorkspaceChangedPayload
	MessageTypeWorkspaceChanged MessageType = "workspace.changed"

	// MessageTypeError carries error information to the client.
	// When it carries a correlation ID it rejects the matching request;
	// without one it reports a connection-level fault.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for all WebSocket messages.
// Every message has a type and an optional ID for request/response
// correlation. The Payload field contains type-specific data, kept raw so
// the router can decode it once the type is known.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation.
	// The client sets it on requests; the server echoes it on responses.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	// The structure depends on the Type field.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with the payload marshaled in place.
// Pass an empty id for messages that need no correlation.
func NewMessage(msgType MessageType, id string, payload interface{}) (Message, error) {
	msg := Message{
		Type: msgType,
		ID:   id,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = data
	}
	return msg, nil
}

// SubscribePayload opens a live query identified by a caller-chosen key.
type SubscribePayload struct {
	// Key is the caller-chosen subscription key (e.g. "tab:issues" or
	// "detail:I-42"). Unique among concurrently live subscriptions.
	Key string `json:"key"`

	// Spec describes what the server should stream for this key.
	Spec Spec `json:"spec"`
}

// SubscribedPayload acknowledges a subscribe request.
type SubscribedPayload struct {
	// Key echoes the subscription key from the request.
	Key string `json:"key"`
}

// UnsubscribePayload closes the live query for a key.
type UnsubscribePayload struct {
	// Key identifies the subscription to close.
	Key string `json:"key"`
}

// UnsubscribedPayload acknowledges an unsubscribe request.
type UnsubscribedPayload struct {
	// Key echoes the subscription key from the request.
	Key string `json:"key"`
}

// IssueUpdatePayload carries a one-shot field mutation for an issue.
type IssueUpdatePayload struct {
	// ID is the issue being mutated.
	ID string `json:"id"`

	// Fields maps field names to their new values
	// (e.g. {"status": "in_progress", "assignee": "ada"}).
	Fields map[string]interface{} `json:"fields"`
}

// IssueUpdatedPayload acknowledges an issue.update request.
type IssueUpdatedPayload struct {
	// ID echoes the issue ID from the request.
	ID string `json:"id"`
}

// WorkspaceChangedPayload notifies clients that the served workspace switched.
type WorkspaceChangedPayload struct {
	// Path is the filesystem path of the newly served workspace.
	Path string `json:"path"`
}

// ErrorPayload carries error information to the client.
type ErrorPayload struct {
	// Code is a stable error code for programmatic handling.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// NewSubscribeMessage creates a subscribe request with the given correlation id.
func NewSubscribeMessage(id, key string, spec Spec) (Message, error) {
	return NewMessage(MessageTypeSubscribe, id, SubscribePayload{
		Key:  key,
		Spec: spec,
	})
}

// NewUnsubscribeMessage creates an unsubscribe request with the given correlation id.
func NewUnsubscribeMessage(id, key string) (Message, error) {
	return NewMessage(MessageTypeUnsubscribe, id, UnsubscribePayload{
		Key: key,
	})
}
