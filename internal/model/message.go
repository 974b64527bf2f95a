package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates the inbound/outbound content kinds a channel
// adapter can normalise a platform payload into.
type MessageType string

const (
	MessageText        MessageType = "TEXT"
	MessageImage       MessageType = "IMAGE"
	MessageAudio       MessageType = "AUDIO"
	MessageVideo       MessageType = "VIDEO"
	MessageFile        MessageType = "FILE"
	MessageLocation    MessageType = "LOCATION"
	MessageInteractive MessageType = "INTERACTIVE"
	MessageSystem      MessageType = "SYSTEM"
)

// MediaAttachment references a single piece of media carried by a message.
type MediaAttachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SizeByte int64  `json:"size_bytes,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Location is a geographic point carried by a MessageLocation message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// InboundMessage is the normalised representation of one inbound event on a
// channel, produced once by the adapter and never mutated afterward.
type InboundMessage struct {
	ChannelID       string            `json:"channel_id"`
	UserKey         string            `json:"user_key"`
	ConversationKey string            `json:"conversation_key"`
	MessageID       string            `json:"message_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Type            MessageType       `json:"type"`
	Text            string            `json:"text,omitempty"`
	Attachments     []MediaAttachment `json:"attachments,omitempty"`
	Location        *Location         `json:"location,omitempty"`
	Raw             json.RawMessage   `json:"raw,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the type-conditioned non-emptiness invariants from the
// data model: TEXT requires text, media types require attachments, LOCATION
// requires a location.
func (m *InboundMessage) Validate() error {
	if m == nil {
		return fmt.Errorf("inbound message must not be nil")
	}
	if m.ChannelID == "" {
		return fmt.Errorf("channel_id must not be empty")
	}
	if m.UserKey == "" {
		return fmt.Errorf("user_key must not be empty")
	}
	if m.ConversationKey == "" {
		return fmt.Errorf("conversation_key must not be empty")
	}
	if m.MessageID == "" {
		return fmt.Errorf("message_id must not be empty")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp must not be zero")
	}
	switch m.Type {
	case MessageText:
		if m.Text == "" {
			return fmt.Errorf("text must be non-empty for type TEXT")
		}
	case MessageImage, MessageAudio, MessageVideo, MessageFile:
		if len(m.Attachments) == 0 {
			return fmt.Errorf("attachments must be non-empty for type %s", m.Type)
		}
	case MessageLocation:
		if m.Location == nil {
			return fmt.Errorf("location must be present for type LOCATION")
		}
	case MessageInteractive, MessageSystem:
		// no additional structural requirement
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// DeliveryOptions carries adapter-facing hints for how an OutboundMessage
// should be delivered (threading, silent delivery, and similar).
type DeliveryOptions struct {
	Silent    bool   `json:"silent,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// OutboundMessage is the symmetric counterpart to InboundMessage: created by
// business logic, handed to the bus, and consumed by the adapter exactly
// once (at-most-once across the adapter boundary; see the bus retry policy
// for transient-failure handling on the call itself).
type OutboundMessage struct {
	ChannelID        string            `json:"channel_id"`
	UserKey          string            `json:"user_key"`
	ConversationKey  string            `json:"conversation_key"`
	MessageID        string            `json:"message_id"`
	ReplyToMessageID string            `json:"reply_to_message_id,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Type             MessageType       `json:"type"`
	Text             string            `json:"text,omitempty"`
	Attachments      []MediaAttachment `json:"attachments,omitempty"`
	Location         *Location         `json:"location,omitempty"`
	Delivery         DeliveryOptions   `json:"delivery,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Validate applies the same type-conditioned invariants as InboundMessage.
func (m *OutboundMessage) Validate() error {
	if m == nil {
		return fmt.Errorf("outbound message must not be nil")
	}
	if m.ChannelID == "" {
		return fmt.Errorf("channel_id must not be empty")
	}
	if m.ConversationKey == "" {
		return fmt.Errorf("conversation_key must not be empty")
	}
	switch m.Type {
	case MessageText:
		if m.Text == "" {
			return fmt.Errorf("text must be non-empty for type TEXT")
		}
	case MessageImage, MessageAudio, MessageVideo, MessageFile:
		if len(m.Attachments) == 0 {
			return fmt.Errorf("attachments must be non-empty for type %s", m.Type)
		}
	case MessageLocation:
		if m.Location == nil {
			return fmt.Errorf("location must be present for type LOCATION")
		}
	case MessageInteractive, MessageSystem, "":
		// business logic may leave type unset for a plain text reply; treated as TEXT-like
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
