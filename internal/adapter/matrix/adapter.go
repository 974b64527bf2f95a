package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/wardline/kernel/internal/bus"
	"github.com/wardline/kernel/internal/model"
)

// Adapter implements bus.Adapter over a live Matrix /sync connection. Unlike
// a webhook-based channel, Matrix carries no per-request signature: trust
// comes from the client's own access token on the sync stream, so Verify's
// job is restricted to the one thing the transport layer deliberately leaves
// to it — whether the delivery's room is one this kernel governs.
type Adapter struct {
	client *Client
}

var _ bus.Adapter = (*Adapter)(nil)

// NewAdapter binds an Adapter to an already-constructed Client. Register it
// with the bus under the channel_id this Matrix instance was manifested as
// (bus.RegisterAdapter), then call client.Start with a RawHandler closure
// that forwards into bus.HandleInbound for that same channel_id, so every
// inbound event flows through Verify/Parse like any other channel.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

// Verify reports whether the delivery's room is configured as governed. It
// is the only admission check available on a pulled /sync channel: there is
// no request signature to validate, since the event already passed through
// an authenticated homeserver connection to reach this process at all.
func (a *Adapter) Verify(headers map[string][]string, body []byte) bool {
	rooms := headers[matrixHeaderRoomID]
	if len(rooms) == 0 || rooms[0] == "" {
		return false
	}
	return a.client.IsAdminRoom(rooms[0])
}

// Parse decodes a raw Matrix event.Event into the normalised InboundMessage
// shape. Returning (nil, nil) is a benign drop: non-message events
// (reactions, state events), edits (m.replace relations), and message
// subtypes this reference adapter does not carry (anything but
// m.text/m.notice) are dropped here rather than treated as errors, matching
// the bus's "benign drop, no audit" contract.
func (a *Adapter) Parse(body []byte) (*model.InboundMessage, error) {
	var evt event.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("decode matrix event: %w", err)
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return nil, fmt.Errorf("parse matrix event content: %w", err)
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return nil, nil
	}
	if msgContent.MsgType != event.MsgText && msgContent.MsgType != event.MsgNotice {
		return nil, nil
	}
	if msgContent.RelatesTo != nil && msgContent.RelatesTo.Type == event.RelReplace {
		return nil, nil
	}

	in := &model.InboundMessage{
		UserKey:         evt.Sender.String(),
		ConversationKey: evt.RoomID.String(),
		MessageID:       evt.ID.String(),
		Timestamp:       time.UnixMilli(evt.Timestamp),
		Type:            model.MessageText,
		Text:            msgContent.Body,
		Raw:             json.RawMessage(body),
	}
	if msgContent.RelatesTo != nil && msgContent.RelatesTo.InReplyTo != nil {
		in.Metadata = map[string]string{"reply_to_event_id": msgContent.RelatesTo.InReplyTo.EventID.String()}
	}
	return in, nil
}

// Send delivers an OutboundMessage as a Matrix room message, choosing the
// event shape from the message's delivery hints: a reply when
// ReplyToMessageID is set, an m.notice when Delivery.Silent is set, an
// m.text otherwise.
func (a *Adapter) Send(ctx context.Context, msg *model.OutboundMessage) (string, error) {
	roomID := msg.ConversationKey
	switch {
	case msg.ReplyToMessageID != "":
		return a.client.ReplyToMessage(roomID, msg.ReplyToMessageID, msg.Text)
	case msg.Delivery.Silent:
		return a.client.SendNotice(roomID, msg.Text)
	default:
		return a.client.SendMessage(roomID, msg.Text)
	}
}
