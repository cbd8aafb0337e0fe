package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/flightctl/internal/protocol"
	"github.com/danmuck/flightctl/internal/protocol/schema"
	"github.com/danmuck/flightctl/internal/protocol/tlv"
	"golang.org/x/mod/semver"
)

const (
	// ProtocolVersion is the bridge protocol spoken by this build.
	ProtocolVersion = "v1.1.0"
	// MinPeerVersion is the oldest peer version a hello is accepted from.
	MinPeerVersion = "v1.0.0"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

var (
	ErrInvalidHello    = errors.New("session: invalid hello")
	ErrInvalidHelloAck = errors.New("session: invalid hello ack")
	ErrInvalidVersion  = errors.New("session: invalid protocol version")
	ErrVersionTooOld   = errors.New("session: peer protocol version too old")
	ErrVersionMismatch = errors.New("session: peer protocol major version differs")
	ErrHelloRejected   = errors.New("session: hello rejected")
)

// Hello opens a bridge session.
type Hello struct {
	SessionID string
	Version   string
	Peer      string
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHello)
	}
	if !semver.IsValid(h.Version) {
		return fmt.Errorf("%w: %w %q", ErrInvalidHello, ErrInvalidVersion, h.Version)
	}
	return nil
}

// HelloAck answers a Hello.
type HelloAck struct {
	SessionID string
	Version   string
	Status    string
	Message   string
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
	}
	return nil
}

// Accepted reports whether the ack admits the session. A rejected ack is
// returned as an error carrying its message.
func (a HelloAck) Accepted() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrHelloRejected, a.Message)
}

// CheckVersion verifies that peer is a valid semver no older than min and
// on the same major version as this build.
func CheckVersion(peer, min string) error {
	if !semver.IsValid(peer) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, peer)
	}
	if semver.Major(peer) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("%w: %s vs %s", ErrVersionMismatch, peer, ProtocolVersion)
	}
	if semver.Compare(peer, min) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrVersionTooOld, peer, min)
	}
	return nil
}

// VersionGTE reports whether a >= b. Invalid versions compare as lowest.
func VersionGTE(a, b string) bool {
	return semver.Compare(a, b) >= 0
}

// VersionGT reports whether a > b.
func VersionGT(a, b string) bool {
	return semver.Compare(a, b) > 0
}

// Answer builds the ack for hello, rejecting versions CheckVersion refuses.
func Answer(hello Hello, min string) HelloAck {
	ack := HelloAck{SessionID: hello.SessionID, Version: ProtocolVersion, Status: AckStatusAccepted}
	if err := hello.Validate(); err != nil {
		ack.Status = AckStatusRejected
		ack.Message = err.Error()
		return ack
	}
	if err := CheckVersion(hello.Version, min); err != nil {
		ack.Status = AckStatusRejected
		ack.Message = err.Error()
	}
	return ack
}

func EncodeHello(h Hello) (protocol.Row, error) {
	if err := h.Validate(); err != nil {
		return protocol.Row{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldSessionID, h.SessionID),
		tlv.String(schema.FieldVersion, h.Version),
	}
	if h.Peer != "" {
		fields = append(fields, tlv.String(schema.FieldPeer, h.Peer))
	}
	return controlRow(protocol.TagHello, fields)
}

func DecodeHello(row protocol.Row) (Hello, error) {
	fields, err := controlFields(row, protocol.TagHello, ErrInvalidHello)
	if err != nil {
		return Hello{}, err
	}
	h := Hello{
		SessionID: tlv.GetString(fields, schema.FieldSessionID),
		Version:   tlv.GetString(fields, schema.FieldVersion),
		Peer:      tlv.GetString(fields, schema.FieldPeer),
	}
	return h, h.Validate()
}

func EncodeHelloAck(a HelloAck) (protocol.Row, error) {
	if err := a.Validate(); err != nil {
		return protocol.Row{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldSessionID, a.SessionID),
		tlv.String(schema.FieldVersion, a.Version),
		tlv.String(schema.FieldStatus, a.Status),
	}
	if a.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, a.Message))
	}
	return controlRow(protocol.TagHelloAck, fields)
}

func DecodeHelloAck(row protocol.Row) (HelloAck, error) {
	fields, err := controlFields(row, protocol.TagHelloAck, ErrInvalidHelloAck)
	if err != nil {
		return HelloAck{}, err
	}
	a := HelloAck{
		SessionID: tlv.GetString(fields, schema.FieldSessionID),
		Version:   tlv.GetString(fields, schema.FieldVersion),
		Status:    tlv.GetString(fields, schema.FieldStatus),
		Message:   tlv.GetString(fields, schema.FieldMessage),
	}
	return a, a.Validate()
}

func controlRow(tag protocol.Tag, fields []tlv.Field) (protocol.Row, error) {
	if err := schema.Validate(tag, fields); err != nil {
		return protocol.Row{}, err
	}
	return protocol.Row{Tag: tag, Payload: tlv.EncodeFields(fields)}, nil
}

func controlFields(row protocol.Row, want protocol.Tag, kind error) ([]tlv.Field, error) {
	if row.Tag != want {
		return nil, fmt.Errorf("%w: unexpected row %s", kind, row.Tag)
	}
	fields, err := tlv.DecodeFields(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kind, err)
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, fmt.Errorf("%w: %w", kind, err)
	}
	return fields, nil
}
