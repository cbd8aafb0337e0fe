package flight

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnresolvedReference = errors.New("flight: unresolved reference")
	ErrConnectionClosed    = errors.New("flight: connection closed")
	ErrCancelled           = errors.New("flight: chunk cancelled")
	ErrAlreadyPiping       = errors.New("flight: request is already piping")
	ErrAborted             = errors.New("flight: request aborted")
	ErrUnserializable      = errors.New("flight: value cannot be serialized")
	ErrNoServerCallback    = errors.New("flight: no server callback configured")
	ErrMalformedRow        = errors.New("flight: malformed row")
)

// errConnectionClosed rejects rows still missing when the stream ends.
var errConnectionClosed = fmt.Errorf("%w: %w", ErrUnresolvedReference, ErrConnectionClosed)

// RowError is the reason carried by an error row.
type RowError struct {
	ID      uint64
	Message string
	Digest  string
}

func (e *RowError) Error() string {
	if e.Digest != "" {
		return fmt.Sprintf("flight: chunk %d errored: %s (digest %s)", e.ID, e.Message, e.Digest)
	}
	return fmt.Sprintf("flight: chunk %d errored: %s", e.ID, e.Message)
}

const (
	prefixRef      = "$"
	prefixPromise  = "$@"
	prefixBinary   = "$B"
	prefixModule   = "$I"
	prefixServer   = "$F"
	prefixDate     = "$D"
	prefixBigInt   = "$n"
	tokenNaN       = "$NaN"
	tokenInfinity  = "$Infinity"
	tokenNegInf    = "$-Infinity"
	tokenUndefined = "$undefined"
)

func refToken(prefix string, id uint64) string {
	return prefix + strconv.FormatUint(id, 16)
}

func parseHexID(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 16, 64)
	return id, err == nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
