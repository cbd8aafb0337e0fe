package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/flightctl/internal/protocol/tlv"
	"github.com/danmuck/flightctl/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{{ID: 1, Type: tlv.TypeString, Value: []byte("boom")}})
	in := Frame{
		Header:  Header{Magic: 0x464C5431, Version: 1, Tag: 'B', Flags: FlagIsReply, ChunkID: 42, Segment: 3},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderSize+len(payload) {
		t.Fatalf("unexpected frame size %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	h := out.Header
	if h.Magic != in.Header.Magic || h.Tag != 'B' || h.ChunkID != 42 || h.Segment != 3 || h.Flags&FlagIsReply == 0 {
		t.Fatalf("header mismatch: %+v", h)
	}
	if h.Length != uint64(len(payload)) || h.Checksum != Checksum(payload) {
		t.Fatalf("length/checksum not filled in: %+v", h)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	if _, err := ParseHeader(make([]byte, 8)); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader from ParseHeader, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	testlog.Start(t)
	raw, err := AppendFrame(nil, Frame{Header: Header{Tag: 'J', ChunkID: 5}, Payload: []byte(`{"a":1}`)}, DefaultLimits())
	if err != nil {
		t.Fatalf("append frame: %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(raw[:len(raw)-2]), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadFrameDetectsCorruptPayload(t *testing.T) {
	testlog.Start(t)
	raw, err := AppendFrame(nil, Frame{Header: Header{Tag: 'J', ChunkID: 5}, Payload: []byte(`{"a":1}`)}, DefaultLimits())
	if err != nil {
		t.Fatalf("append frame: %v", err)
	}
	raw[len(raw)-2] ^= 0xFF
	_, err = ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestPayloadLimitEnforcedBothWays(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Header: Header{Tag: 'B'}, Payload: []byte("12345")}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
	raw, err := AppendFrame(nil, Frame{Header: Header{Tag: 'B'}, Payload: []byte("12345")}, DefaultLimits())
	if err != nil {
		t.Fatalf("append frame: %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(raw), limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}
