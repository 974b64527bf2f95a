package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// GatewayEvent is the normalised envelope a trigger gateway (cron, inbound
// webhook) produces before it is wrapped into an InboundMessage and pushed
// onto the message bus.
type GatewayEvent struct {
	// Source is the gateway name as declared in the owning channel manifest.
	Source string `json:"source"`

	// Type classifies the event, e.g. "cron.tick" or "webhook.delivery".
	Type string `json:"type"`

	// TS is the UTC timestamp at which the event was generated.
	TS time.Time `json:"ts"`

	Payload GatewayEventPayload `json:"payload"`
}

// GatewayEventPayload holds the content of a gateway-originated event.
type GatewayEventPayload struct {
	// Message is a human-readable description of the event.
	Message string `json:"message"`

	// Data holds optional structured metadata, not required for dispatch.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Validate checks that a GatewayEvent is structurally complete.
func (e *GatewayEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("event must not be nil")
	}
	if e.Source == "" {
		return fmt.Errorf("source must not be empty")
	}
	if e.Type == "" {
		return fmt.Errorf("type must not be empty")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts must not be zero")
	}
	return nil
}

// ParseGatewayEvent decodes and validates a JSON-encoded GatewayEvent.
func ParseGatewayEvent(data []byte) (*GatewayEvent, error) {
	var evt GatewayEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("gateway event parse: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("gateway event validate: %w", err)
	}
	return &evt, nil
}
