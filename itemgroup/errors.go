package itemgroup

import (
	"errors"
	"fmt"

	"warstep/s7"
)

var (
	// ErrInvalidTag is wrapped by AddItems when a tag cannot be
	// translated to an address.
	ErrInvalidTag = errors.New("invalid tag")

	// ErrWriteNotSupported is returned by WriteItems. The write path is
	// reserved; only reads are implemented.
	ErrWriteNotSupported = errors.New("write is not supported")
)

// ProtocolError reports a read part the controller refused or left
// unanswered. The addressing context names the span so the operator can
// find the offending tag configuration.
type ProtocolError struct {
	Area     s7.Area
	DBNumber int
	Start    int
	Length   int
	Code     byte // Data item return code; zero when the part was missing
	Missing  bool // True when the response part was absent or short
}

func (e *ProtocolError) span() string {
	return s7.PartRequest{
		Area:     e.Area,
		DBNumber: e.DBNumber,
		Start:    e.Start,
		Length:   e.Length,
	}.String()
}

func (e *ProtocolError) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing or truncated response for %s", e.span())
	}
	return fmt.Sprintf("read of %s failed: %s (0x%02X)", e.span(), s7.ItemCodeText(e.Code), e.Code)
}
