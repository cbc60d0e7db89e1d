package envelope

import (
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/kernelci/eventbus/pkg/types"
)

// DefaultType is the CloudEvents type attribute for bus events.
const DefaultType = "api.kernelci.org"

// sequenceKey is the top-level field carrying the sequence number in-band.
// It rides outside the CloudEvents attributes so listeners can track durable
// progress without a second round trip to the log.
const sequenceKey = "_sequence_id"

// Attributes are the CloudEvents attributes a publisher can set. Missing
// Type and Source are filled with defaults by the publisher.
type Attributes struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Owner  string `json:"owner,omitempty"`
}

// Build serializes a CloudEvents 1.0 structured JSON envelope carrying
// data. When seq is positive it is injected as a top-level _sequence_id
// field, making live and catch-up envelopes indistinguishable to clients.
func Build(attrs Attributes, data any, seq int64) ([]byte, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetType(attrs.Type)
	e.SetSource(attrs.Source)
	if attrs.Owner != "" {
		e.SetExtension("owner", attrs.Owner)
	}
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("failed to set envelope data: %w", err)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if seq <= 0 {
		return raw, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields[sequenceKey], _ = json.Marshal(seq)
	return json.Marshal(fields)
}

// FromEvent rebuilds the wire envelope for a stored event, for catch-up
// delivery in the same shape as live delivery.
func FromEvent(ev *types.Event, source string) ([]byte, error) {
	return Build(Attributes{
		Type:   DefaultType,
		Source: source,
		Owner:  ev.Owner,
	}, ev.Data, ev.SequenceID)
}

// Parsed is a wire envelope decoded for the listener hot path. Only the
// fields the engine routes on are extracted; the raw payload is what gets
// delivered.
type Parsed struct {
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Owner      string          `json:"owner"`
	SequenceID int64           `json:"_sequence_id"`
	Data       json.RawMessage `json:"data"`
}

// Parse decodes the routing fields of a wire envelope.
func Parse(raw []byte) (*Parsed, error) {
	var p Parsed
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &p, nil
}
