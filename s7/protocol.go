package s7

import (
	"encoding/binary"
	"fmt"
)

const (
	s7ProtocolID = 0x32

	// Message Types
	s7MsgJob     = 0x01
	s7MsgAckData = 0x03

	// Functions
	s7FuncSetupComm = 0xF0
	s7FuncRead      = 0x04

	// Area Codes (for S7ANY addressing)
	s7AreaC  = 0x1C // Counters (S7-200/300)
	s7AreaT  = 0x1D // Timers (S7-200/300)
	s7AreaI  = 0x81 // Inputs
	s7AreaQ  = 0x82 // Outputs
	s7AreaM  = 0x83 // Markers/Flags
	s7AreaDB = 0x84 // Data blocks

	// Transport sizes in response data items. This is a different code
	// table than the request-side transport sizes.
	tsResBit   = 0x03
	tsResByte  = 0x04
	tsResInt   = 0x05
	tsResReal  = 0x07
	tsResOctet = 0x09

	// S7ANY constants
	s7AnySpecType = 0x12
	s7AnyLen      = 0x0A
	s7AnySyntaxID = 0x10
)

// buildSetupCommRequest creates an S7 Setup Communication request PDU.
func buildSetupCommRequest(pduSize uint16) []byte {
	// S7 Header (10 bytes for Job)
	header := []byte{
		s7ProtocolID, // Protocol ID
		s7MsgJob,     // Message type: Job
		0x00, 0x00,   // Reserved
		0x00, 0x00, // PDU reference
		0x00, 0x08, // Parameter length: 8 bytes
		0x00, 0x00, // Data length: 0
	}

	// Setup Communication parameters (8 bytes)
	params := []byte{
		s7FuncSetupComm, // Function: Setup Communication
		0x00,            // Reserved
		0x00, 0x01, // Max AMQ calling
		0x00, 0x01, // Max AMQ called
		byte(pduSize >> 8), byte(pduSize), // PDU size
	}

	return append(header, params...)
}

// parseSetupCommResponse parses an S7 Setup Communication response and
// returns the PDU size the controller granted.
func parseSetupCommResponse(data []byte) (uint16, error) {
	// Response header is 12 bytes (includes error class/code),
	// followed by the 8 parameter bytes
	if len(data) < 20 {
		return 0, fmt.Errorf("setup response too short: %d bytes", len(data))
	}

	// Check protocol ID
	if data[0] != s7ProtocolID {
		return 0, fmt.Errorf("invalid protocol ID: 0x%02X", data[0])
	}

	// Check message type
	if data[1] != s7MsgAckData {
		return 0, fmt.Errorf("unexpected message type: 0x%02X", data[1])
	}

	// Check error class/code (bytes 10-11 in response)
	if data[10] != 0 || data[11] != 0 {
		return 0, S7Error{Class: data[10], Code: data[11]}
	}

	// Check function code
	if data[12] != s7FuncSetupComm {
		return 0, fmt.Errorf("unexpected function: 0x%02X", data[12])
	}

	// Extract negotiated PDU size (last 2 bytes of params)
	pduSize := binary.BigEndian.Uint16(data[18:20])
	if pduSize == 0 {
		return 0, fmt.Errorf("controller granted PDU size 0")
	}
	return pduSize, nil
}

// buildReadRequest creates an S7 Read Variable request PDU with one
// S7ANY item per part.
func buildReadRequest(parts []PartRequest, pduRef uint16) []byte {
	itemCount := len(parts)

	// S7 Header (10 bytes for Job)
	paramLen := 2 + itemCount*12 // function + count + items
	header := []byte{
		s7ProtocolID, // Protocol ID
		s7MsgJob,     // Message type: Job
		0x00, 0x00,   // Reserved
		byte(pduRef >> 8), byte(pduRef), // PDU reference
		byte(paramLen >> 8), byte(paramLen), // Parameter length
		0x00, 0x00, // Data length: 0 for read request
	}

	// Parameters: function + count + items
	params := []byte{
		s7FuncRead,      // Function: Read Variable
		byte(itemCount), // Item count
	}

	// Add S7ANY items
	for _, p := range parts {
		params = append(params, partToS7Any(p)...)
	}

	return append(header, params...)
}

// partToS7Any converts a PartRequest to S7ANY item bytes.
func partToS7Any(p PartRequest) []byte {
	var areaCode byte
	switch p.Area {
	case AreaI:
		areaCode = s7AreaI
	case AreaQ:
		areaCode = s7AreaQ
	case AreaM:
		areaCode = s7AreaM
	case AreaT:
		areaCode = s7AreaT
	case AreaC:
		areaCode = s7AreaC
	default:
		areaCode = s7AreaDB
	}

	// Byte-addressed areas count bytes and address bits. Timers and
	// counters count 2-byte elements and address element numbers.
	count := p.Length
	addr := p.Start * 8
	if p.Area == AreaT || p.Area == AreaC {
		count = p.Length / 2
		addr = p.Start
	}

	dbNumber := p.DBNumber
	if p.Area != AreaDB {
		dbNumber = 0
	}

	return []byte{
		s7AnySpecType, // Specification type
		s7AnyLen,      // Length of this item
		s7AnySyntaxID, // Syntax ID: S7ANY
		p.Transport,   // Transport size
		byte(count >> 8), byte(count), // Count
		byte(dbNumber >> 8), byte(dbNumber), // DB number
		areaCode,                                   // Area
		byte(addr >> 16), byte(addr >> 8), byte(addr), // Address (24-bit)
	}
}

// parseReadResponse parses an S7 Read Variable response into one
// PartResult per requested part, in request order.
//
// Failed items carry their return code and no payload; deciding what a
// failed item means is left to the caller. A malformed or truncated
// frame fails the whole parse instead.
//
// The length field of a successful data item counts bits unless the
// transport size is bit, real or octet, which count bytes. Odd-length
// payloads are padded to even offsets between items.
func parseReadResponse(data []byte, count int) ([]PartResult, error) {
	// Minimum: 12 byte header + function + item count
	if len(data) < 14 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	// Check protocol ID
	if data[0] != s7ProtocolID {
		return nil, fmt.Errorf("invalid protocol ID: 0x%02X", data[0])
	}

	// Check message type
	if data[1] != s7MsgAckData {
		return nil, fmt.Errorf("unexpected message type: 0x%02X", data[1])
	}

	// Check error class/code
	if data[10] != 0 || data[11] != 0 {
		return nil, S7Error{Class: data[10], Code: data[11]}
	}

	// Check function code and item count
	if data[12] != s7FuncRead {
		return nil, fmt.Errorf("unexpected function: 0x%02X", data[12])
	}
	if int(data[13]) != count {
		return nil, fmt.Errorf("expected %d data items, got %d", count, data[13])
	}

	// Data items follow the parameters
	paramLen := binary.BigEndian.Uint16(data[6:8])
	if paramLen < 2 {
		return nil, fmt.Errorf("invalid parameter length %d", paramLen)
	}
	pos := 12 + int(paramLen)

	results := make([]PartResult, count)
	for i := 0; i < count; i++ {
		// Data item header: return code, transport size, length
		if pos+4 > len(data) {
			return nil, fmt.Errorf("data item %d header truncated", i)
		}
		returnCode := data[pos]
		transportSize := data[pos+1]
		length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		pos += 4

		results[i].Code = returnCode
		if returnCode != ItemOK {
			// Failed items have no payload
			continue
		}

		byteLen := length
		switch transportSize {
		case tsResBit, tsResReal, tsResOctet:
			// Length already in bytes
		default:
			byteLen = length / 8
		}

		if pos+byteLen > len(data) {
			return nil, fmt.Errorf("data item %d payload truncated: want %d bytes, have %d", i, byteLen, len(data)-pos)
		}
		results[i].Data = make([]byte, byteLen)
		copy(results[i].Data, data[pos:pos+byteLen])
		pos += byteLen

		// Items are padded to even bytes (except last)
		if i < count-1 && byteLen%2 == 1 {
			pos++
		}
	}

	return results, nil
}
