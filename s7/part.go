package s7

import "fmt"

// Transport size codes used in S7ANY request items.
const (
	TransportBit     byte = 0x01
	TransportByte    byte = 0x02
	TransportWord    byte = 0x04
	TransportCounter byte = 0x1C
	TransportTimer   byte = 0x1D
)

// PartRequest describes one contiguous read inside a request packet.
// Start and Length are byte-based for the byte-addressed areas; for
// timers and counters Start is the element number and Length counts
// bytes of 2-byte elements.
type PartRequest struct {
	Area      Area
	DBNumber  int
	Transport byte
	Start     int
	Length    int
}

// String renders the part's span for log lines and error messages.
func (p PartRequest) String() string {
	if p.Area == AreaDB {
		return fmt.Sprintf("DB%d %d+%d", p.DBNumber, p.Start, p.Length)
	}
	return fmt.Sprintf("%s %d+%d", p.Area, p.Start, p.Length)
}

// PartResult is the controller's answer for one request part. Code is the
// data item return code (ItemOK on success); Data holds the raw payload
// and covers the full requested span when the read succeeded.
type PartResult struct {
	Code byte
	Data []byte
}

// ReadTransport returns the transport size code reads of an area use.
// Byte-addressed areas are always read as byte runs; single-bit tags are
// fetched as their containing byte and the decoder extracts the bit,
// which keeps multi-tag runs mergeable. Timers and counters use element
// addressing with word-sized elements.
func ReadTransport(area Area) byte {
	switch area {
	case AreaT:
		return TransportTimer
	case AreaC:
		return TransportCounter
	default:
		return TransportByte
	}
}
