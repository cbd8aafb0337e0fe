package protocol

import (
	"fmt"
	"io"

	"github.com/danmuck/flightctl/internal/protocol/frame"
)

const (
	Magic   uint32 = 0x464C5431
	Version uint8  = 1
)

// Tag identifies the kind of a row.
type Tag byte

// Flight stream rows.
const (
	TagModel     Tag = 'J'
	TagModule    Tag = 'I'
	TagBinary    Tag = 'B'
	TagBinaryEnd Tag = 'C'
	TagError     Tag = 'E'
	TagCancel    Tag = 'X'
	TagDebug     Tag = 'D'
	TagClose     Tag = 'Z'
)

// Bridge socket rows.
const (
	TagHello    Tag = 'H'
	TagHelloAck Tag = 'K'
	TagEvent    Tag = 'V'
)

func (t Tag) String() string {
	switch t {
	case TagModel:
		return "model"
	case TagModule:
		return "module"
	case TagBinary:
		return "binary"
	case TagBinaryEnd:
		return "binary_end"
	case TagError:
		return "error"
	case TagCancel:
		return "cancel"
	case TagDebug:
		return "debug"
	case TagClose:
		return "close"
	case TagHello:
		return "hello"
	case TagHelloAck:
		return "hello_ack"
	case TagEvent:
		return "event"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

// Known reports whether t is a defined row tag.
func (t Tag) Known() bool {
	switch t {
	case TagModel, TagModule, TagBinary, TagBinaryEnd, TagError, TagCancel, TagDebug, TagClose,
		TagHello, TagHelloAck, TagEvent:
		return true
	}
	return false
}

// Row is one decoded unit of a stream. Segment numbers binary rows within
// their chunk; on the completing row it is the number of segments sent.
type Row struct {
	ID      uint64
	Tag     Tag
	Flags   uint16
	Segment uint32
	Payload []byte
}

// Frame converts r into its wire frame.
func (r Row) Frame() frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			Magic:   Magic,
			Version: Version,
			Tag:     byte(r.Tag),
			Flags:   r.Flags,
			ChunkID: r.ID,
			Segment: r.Segment,
		},
		Payload: r.Payload,
	}
}

// RowFromFrame validates the frame header and returns its row.
func RowFromFrame(f frame.Frame) (Row, error) {
	if f.Header.Magic != Magic {
		return Row{}, ErrInvalidMagic
	}
	if f.Header.Version != Version {
		return Row{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Header.Version)
	}
	tag := Tag(f.Header.Tag)
	if !tag.Known() {
		return Row{}, fmt.Errorf("%w: %d", ErrUnknownTag, f.Header.Tag)
	}
	return Row{
		ID:      f.Header.ChunkID,
		Tag:     tag,
		Flags:   f.Header.Flags,
		Segment: f.Header.Segment,
		Payload: f.Payload,
	}, nil
}

func WriteRow(w io.Writer, r Row, limits frame.Limits) error {
	return frame.WriteFrame(w, r.Frame(), limits)
}

// AppendRow encodes r onto dst.
func AppendRow(dst []byte, r Row, limits frame.Limits) ([]byte, error) {
	return frame.AppendFrame(dst, r.Frame(), limits)
}

// ReadRow reads and validates one row. It returns io.EOF at a clean end of
// stream.
func ReadRow(r io.Reader, limits frame.Limits) (Row, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Row{}, err
	}
	return RowFromFrame(f)
}
