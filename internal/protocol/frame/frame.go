// Package frame is the fixed-size envelope around one flight row.
//
// Layout, big endian:
//
//	0   magic      u32
//	4   version    u8
//	5   tag        u8
//	6   flags      u16
//	8   chunk id   u64
//	16  segment    u32  index of a binary row; the completing row carries the count
//	20  checksum   u32  CRC-32C of the payload
//	24  length     u64  payload bytes that follow
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const HeaderSize = 32

// FlagIsReply marks rows written as the answer to a server action.
const FlagIsReply uint16 = 0x0001

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrTruncated       = errors.New("frame: payload shorter than declared")
	ErrChecksum        = errors.New("frame: payload checksum mismatch")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Header struct {
	Magic    uint32
	Version  uint8
	Tag      byte
	Flags    uint16
	ChunkID  uint64
	Segment  uint32
	Checksum uint32
	Length   uint64
}

type Frame struct {
	Header  Header
	Payload []byte
}

// Limits bounds the payload a single row may carry.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024 * 1024}
}

// Checksum is the value a header must carry for payload.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

func (h Header) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	b[4] = h.Version
	b[5] = h.Tag
	binary.BigEndian.PutUint16(b[6:8], h.Flags)
	binary.BigEndian.PutUint64(b[8:16], h.ChunkID)
	binary.BigEndian.PutUint32(b[16:20], h.Segment)
	binary.BigEndian.PutUint32(b[20:24], h.Checksum)
	binary.BigEndian.PutUint64(b[24:32], h.Length)
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Magic:    binary.BigEndian.Uint32(b[0:4]),
		Version:  b[4],
		Tag:      b[5],
		Flags:    binary.BigEndian.Uint16(b[6:8]),
		ChunkID:  binary.BigEndian.Uint64(b[8:16]),
		Segment:  binary.BigEndian.Uint32(b[16:20]),
		Checksum: binary.BigEndian.Uint32(b[20:24]),
		Length:   binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

// AppendFrame encodes f onto dst, filling in the length and checksum from
// the payload.
func AppendFrame(dst []byte, f Frame, limits Limits) ([]byte, error) {
	n := uint64(len(f.Payload))
	if n > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.MaxPayloadBytes)
	}
	h := f.Header
	h.Length = n
	h.Checksum = Checksum(f.Payload)

	var hdr [HeaderSize]byte
	h.put(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...), nil
}

// WriteFrame writes f with a single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := AppendFrame(nil, f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame. It returns io.EOF only when the stream ends
// before the first header byte; any later cut is ErrShortHeader or
// ErrTruncated.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	switch {
	case errors.Is(err, io.EOF) && n == 0:
		return Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, n)
	case err != nil:
		return Frame{}, err
	}
	h, _ := ParseHeader(hdr[:])
	if h.Length > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Length, limits.MaxPayloadBytes)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: chunk %d", ErrTruncated, h.ChunkID)
		}
		return Frame{}, err
	}
	if Checksum(payload) != h.Checksum {
		return Frame{}, fmt.Errorf("%w: chunk %d", ErrChecksum, h.ChunkID)
	}
	return Frame{Header: h, Payload: payload}, nil
}
