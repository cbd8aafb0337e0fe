package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/flightctl/internal/protocol"
	"github.com/danmuck/flightctl/internal/protocol/frame"
	"github.com/danmuck/flightctl/internal/protocol/schema"
	"github.com/danmuck/flightctl/internal/protocol/tlv"
)

var ErrInvalidEvent = errors.New("session: invalid event")

// Event is one named bridge message. Payload holds JSON.
type Event struct {
	Name    string
	Payload []byte
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	}
	return nil
}

// EncodeEventRow frames e as an event row numbered seq.
func EncodeEventRow(seq uint64, e Event, limits frame.Limits) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte("null")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldEventName, e.Name),
		tlv.Bytes(schema.FieldPayloadJSON, payload),
	}
	if err := schema.Validate(protocol.TagEvent, fields); err != nil {
		return nil, err
	}
	return protocol.AppendRow(nil, protocol.Row{
		ID:      seq,
		Tag:     protocol.TagEvent,
		Payload: tlv.EncodeFields(fields),
	}, limits)
}

func DecodeEventRow(row protocol.Row) (Event, error) {
	if row.Tag != protocol.TagEvent {
		return Event{}, fmt.Errorf("%w: unexpected row %s", ErrInvalidEvent, row.Tag)
	}
	fields, err := tlv.DecodeFields(row.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := schema.Validate(protocol.TagEvent, fields); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	payload, _ := tlv.GetField(fields, schema.FieldPayloadJSON)
	e := Event{
		Name:    tlv.GetString(fields, schema.FieldEventName),
		Payload: payload.Value,
	}
	return e, e.Validate()
}
