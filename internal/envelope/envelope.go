// Package envelope provides the message structure exchanged between cothub
// endpoints and the broker.
//
// Every message on the wire is an envelope: a JSON object carrying routing
// metadata (sender, targets, expiry), a schema identifier, a trace of the
// broker-internal stages the message passed through, and an opaque payload
// whose interpretation depends on the message type.
//
// Key Features:
// - Unique message identification (UUID)
// - Literal and wildcard target addressing
// - Absolute expiry for time-to-live enforcement
// - Append-only hop trace for processing-stage auditing
// - Optional destination reports for wildcard senders
//
// Called by: broker core, transport layer, client library
// Calls: Standard JSON marshaling, UUID generation
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Hop records one broker-internal processing stage a message passed through.
// Hops are append-only; no stage removes or reorders earlier entries.
type Hop struct {
	Stage     string    `json:"stage"`     // Processing stage name (e.g. "accept-to-queue")
	Timestamp time.Time `json:"timestamp"` // When the stage processed the message
}

// Envelope wraps all messages with metadata for routing and delivery control.
//
// Envelopes are mutated only by AddHop, by the sending client setting
// DestinationReport before the send, and by the broker setting Sender and
// Target; everything else is fixed at creation. Delivery fan-out works on
// clones, one per expanded target.
type Envelope struct {
	// Core identification
	ID string `json:"id"` // Unique message ID (UUID)

	// Routing information
	Sender  string   `json:"sender"`  // URI of the originating endpoint
	Targets []string `json:"targets"` // Target URIs, literal or wildcard patterns

	// Schema identification
	MessageType string `json:"message_type"` // URI-shaped schema name

	// Delivery control
	Expires           time.Time `json:"expires"`            // Absolute expiry (UTC); expired messages are dropped
	DestinationReport bool      `json:"destination_report"` // Request a report of expanded targets

	// Processing trace
	Hops []Hop `json:"hops,omitempty"` // Broker-internal stage records, append-only

	// Payload
	Data json.RawMessage `json:"data"` // Opaque payload, interpreted per MessageType

	// Target is the single expanded destination of one delivery copy. It is
	// set by the broker after target expansion and travels with the copy
	// through the redeliver queue so retries skip re-expansion.
	Target string `json:"_target,omitempty"`
}

// New creates an envelope with a fresh ID and the given routing fields.
// The payload is JSON-marshaled for transport.
//
// Parameters:
//   - sender: URI of the originating endpoint (or the broker's server URI)
//   - targets: target URIs, literal or containing the * wildcard
//   - messageType: schema URI (e.g. "cth:///schema/login")
//   - expires: absolute expiry timestamp
//   - payload: message data to be JSON-marshaled
//
// Returns:
//   - *Envelope: ready-to-send envelope
//   - error: JSON marshaling error if payload is not serializable
func New(sender string, targets []string, messageType string, expires time.Time, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:          uuid.New().String(),
		Sender:      sender,
		Targets:     targets,
		MessageType: messageType,
		Expires:     expires.UTC(),
		Data:        data,
	}, nil
}

// AddHop appends a processing-stage record with the current time.
func (e *Envelope) AddHop(stage string) {
	e.Hops = append(e.Hops, Hop{Stage: stage, Timestamp: time.Now().UTC()})
}

// IsExpired reports whether the envelope's expiry has passed at t.
func (e *Envelope) IsExpired(t time.Time) bool {
	return t.After(e.Expires)
}

// UnmarshalData unmarshals the payload into the provided struct.
func (e *Envelope) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Clone creates a deep copy of the envelope. Delivery fan-out clones the
// message once per expanded target so per-copy mutation (hops, Target)
// never races between deliveries.
func (e *Envelope) Clone() *Envelope {
	clone := *e

	if e.Targets != nil {
		clone.Targets = make([]string, len(e.Targets))
		copy(clone.Targets, e.Targets)
	}

	if e.Hops != nil {
		clone.Hops = make([]Hop, len(e.Hops))
		copy(clone.Hops, e.Hops)
	}

	if e.Data != nil {
		clone.Data = make(json.RawMessage, len(e.Data))
		copy(clone.Data, e.Data)
	}

	return &clone
}

// ToJSON serializes the envelope to its wire form.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope from its wire form.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks that the envelope carries all required fields.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if len(e.Targets) == 0 {
		return &ValidationError{Field: "targets", Message: "at least one target is required"}
	}
	for _, t := range e.Targets {
		if t == "" {
			return &ValidationError{Field: "targets", Message: "target URI must not be empty"}
		}
	}
	if e.MessageType == "" {
		return &ValidationError{Field: "message_type", Message: "message type is required"}
	}
	if e.Expires.IsZero() {
		return &ValidationError{Field: "expires", Message: "expiry timestamp is required"}
	}
	return nil
}

// ValidationError represents an envelope validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
