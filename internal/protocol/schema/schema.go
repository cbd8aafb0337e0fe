package schema

import (
	"fmt"

	"github.com/danmuck/flightctl/internal/protocol"
	"github.com/danmuck/flightctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Field IDs carried in control row payloads.
const (
	FieldMessage   uint16 = 1
	FieldDigest    uint16 = 2
	FieldStack     uint16 = 3
	FieldReason    uint16 = 4
	FieldTimestamp uint16 = 5

	FieldSpecifier  uint16 = 100
	FieldExportName uint16 = 101
	FieldChunks     uint16 = 102
	FieldAsync      uint16 = 103

	FieldEnv   uint16 = 200
	FieldOwner uint16 = 201

	FieldSessionID   uint16 = 300
	FieldVersion     uint16 = 301
	FieldPeer        uint16 = 302
	FieldStatus      uint16 = 303
	FieldEventName   uint16 = 304
	FieldPayloadJSON uint16 = 305
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Tag     protocol.Tag
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: tag=%s: %s", e.Tag, e.Reason)
	}
	return fmt.Sprintf("schema: tag=%s field=%d: %s", e.Tag, e.FieldID, e.Reason)
}

var requirements = map[protocol.Tag][]Requirement{
	protocol.TagError: {
		{FieldMessage, tlv.TypeString},
		{FieldDigest, tlv.TypeString},
	},
	protocol.TagCancel: {
		{FieldReason, tlv.TypeString},
	},
	protocol.TagModule: {
		{FieldSpecifier, tlv.TypeString},
		{FieldExportName, tlv.TypeString},
	},
	protocol.TagDebug: {
		{FieldEnv, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
		{FieldTimestamp, tlv.TypeU64},
	},
	protocol.TagHello: {
		{FieldSessionID, tlv.TypeString},
		{FieldVersion, tlv.TypeString},
	},
	protocol.TagHelloAck: {
		{FieldSessionID, tlv.TypeString},
		{FieldVersion, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
	},
	protocol.TagEvent: {
		{FieldEventName, tlv.TypeString},
		{FieldPayloadJSON, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a
// TLV-carrying row. Unknown fields are ignored.
func Validate(tag protocol.Tag, fields []tlv.Field) error {
	log.Trace().Str("tag", tag.String()).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[tag]
	if !ok {
		log.Error().Str("tag", tag.String()).Msg("schema.Validate tag carries no tlv payload")
		return ValidationError{Tag: tag, Reason: "tag has no tlv schema"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("tag", tag.String()).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{Tag: tag, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("tag", tag.String()).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{Tag: tag, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// HasSchema reports whether rows with tag carry a TLV payload.
func HasSchema(tag protocol.Tag) bool {
	_, ok := requirements[tag]
	return ok
}
