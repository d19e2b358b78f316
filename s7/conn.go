package s7

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	defaultS7Port = 102

	// TPKT constants (RFC 1006)
	tpktVersion    = 0x03
	tpktHeaderSize = 4

	// COTP PDU Types (ISO 8073)
	cotpCR = 0xE0 // Connection Request
	cotpCC = 0xD0 // Connection Confirm
	cotpDT = 0xF0 // Data Transfer

	// COTP parameter codes
	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2
	cotpParamTPDUSize = 0xC0

	// PDU sizes
	maxPDUSize       = 960
	cotpTPDUSize1024 = 0x0A // 2^10 = 1024 bytes
)

// Conn is a native S7 connection. It speaks ISO-on-TCP (TPKT + COTP)
// directly, negotiates the session PDU size at connect time, and reads
// many address spans per protocol exchange. Batched reads are what make
// it worth having next to the gos7-backed client: one request PDU can
// carry a dozen spans where gos7 issues one round trip per area call.
type Conn struct {
	mu        sync.Mutex
	conn      net.Conn
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	reqPDU    uint16
	pduSize   uint16
	pduRef    uint16
	connected bool
	sizeSubs  []func(int)
}

// options holds configuration options for Connect.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
	reqPDU  int
}

// Option is a functional option for Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 0 for S7-1200/1500 (most common modern PLCs).
// For S7-300/400, use rack 0, slot 2 (or the slot where the CPU is placed).
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection and per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithPDUSize configures the PDU size requested during session setup.
// The controller may answer with a smaller size; PDUSize reports what
// was actually granted. Values outside 1..960 fall back to the default
// request of 960.
func WithPDUSize(n int) Option {
	return func(o *options) {
		o.reqPDU = n
	}
}

// Connect establishes a native S7 connection to the PLC at the given
// address. Port 102 is assumed when the address carries none.
func Connect(address string, opts ...Option) (*Conn, error) {
	cfg := &options{
		rack:    0,
		slot:    0,
		timeout: 10 * time.Second,
		reqPDU:  maxPDUSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.reqPDU <= 0 || cfg.reqPDU > maxPDUSize {
		cfg.reqPDU = maxPDUSize
	}

	// Add default port if not specified
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		address = fmt.Sprintf("%s:%d", address, defaultS7Port)
	} else if port == "" {
		address = fmt.Sprintf("%s:%d", host, defaultS7Port)
	}

	c := &Conn{
		address: address,
		rack:    cfg.rack,
		slot:    cfg.slot,
		timeout: cfg.timeout,
		reqPDU:  uint16(cfg.reqPDU),
	}

	c.mu.Lock()
	err = c.dial()
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}
	return c, nil
}

// dial runs the TCP, COTP and S7 setup sequence. Callers hold c.mu.
func (c *Conn) dial() error {
	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("TCP connect failed: %w", err)
	}
	c.conn = conn

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := c.cotpConnect(); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("COTP connect failed: %w", err)
	}

	pduSize, err := c.setupComm()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("S7 setup failed: %w", err)
	}
	c.pduSize = pduSize
	c.connected = true

	// Clear deadline for ongoing operations
	c.conn.SetDeadline(time.Time{})
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected returns whether the connection is up.
func (c *Conn) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PDUSize returns the PDU size negotiated with the controller.
func (c *Conn) PDUSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.pduSize)
}

// OnPDUSizeChange registers a callback invoked whenever a reconnect
// negotiates a different PDU size than the previous session. Callbacks
// run outside the connection lock and may call back into the Conn.
func (c *Conn) OnPDUSizeChange(fn func(int)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.sizeSubs = append(c.sizeSubs, fn)
	c.mu.Unlock()
}

// Reconnect tears down any existing connection and runs the full connect
// sequence again. A changed PDU size is reported to subscribers after
// the lock is released.
func (c *Conn) Reconnect() error {
	c.mu.Lock()
	prev := c.pduSize
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	err := c.dial()
	size := int(c.pduSize)
	var subs []func(int)
	if err == nil && c.pduSize != prev {
		subs = append(subs, c.sizeSubs...)
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("Reconnect: %w", err)
	}
	for _, fn := range subs {
		fn(size)
	}
	return nil
}

// ReadPacket sends one Read Variable request carrying all parts and
// returns one result per part, in request order. The caller is
// responsible for keeping request and response within the negotiated
// PDU size; oversized requests come back as header-level S7 errors.
func (c *Conn) ReadPacket(parts []PartRequest) ([]PartResult, error) {
	if len(parts) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	c.pduRef++
	request := buildReadRequest(parts, c.pduRef)

	response, err := c.exchange(request)
	if err != nil {
		return nil, err
	}

	results, err := parseReadResponse(response, len(parts))
	if err != nil {
		return nil, fmt.Errorf("read of %d parts failed: %w", len(parts), err)
	}
	return results, nil
}

// String identifies the connection for log lines.
func (c *Conn) String() string {
	return fmt.Sprintf("%s (rack %d, slot %d)", c.address, c.rack, c.slot)
}

// exchange sends one S7 PDU inside COTP DT framing and returns the S7
// portion of the response. Callers hold c.mu with the connection up.
func (c *Conn) exchange(s7Request []byte) ([]byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		c.connected = false
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	// Build COTP DT + S7 payload
	cotpDTHeader := []byte{0x02, cotpDT, 0x80} // 3-byte COTP DT header
	payload := append(cotpDTHeader, s7Request...)

	// Send with TPKT framing
	if err := c.sendTPKT(payload); err != nil {
		c.connected = false
		return nil, err
	}

	// Receive response
	response, err := c.recvTPKT()
	if err != nil {
		c.connected = false
		return nil, err
	}

	// Skip COTP DT header (3 bytes)
	if len(response) < 3 {
		return nil, fmt.Errorf("response too short")
	}
	if response[1] != cotpDT {
		return nil, fmt.Errorf("expected COTP DT, got 0x%02X", response[1])
	}

	return response[3:], nil
}

// sendTPKT sends data with TPKT framing. Callers hold c.mu.
func (c *Conn) sendTPKT(data []byte) error {
	length := len(data) + tpktHeaderSize
	header := []byte{
		tpktVersion,
		0x00,
		byte(length >> 8),
		byte(length),
	}

	packet := append(header, data...)
	_, err := c.conn.Write(packet)
	return err
}

// recvTPKT receives a TPKT-framed packet. Callers hold c.mu.
func (c *Conn) recvTPKT() ([]byte, error) {
	// Read TPKT header
	header := make([]byte, tpktHeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("failed to read TPKT header: %w", err)
	}

	if header[0] != tpktVersion {
		return nil, fmt.Errorf("invalid TPKT version: %d", header[0])
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < tpktHeaderSize {
		return nil, fmt.Errorf("invalid TPKT length: %d", length)
	}

	// Read payload
	payload := make([]byte, length-tpktHeaderSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, fmt.Errorf("failed to read TPKT payload: %w", err)
	}

	return payload, nil
}

// cotpConnect performs the COTP connection request/confirm exchange.
// Callers hold c.mu.
func (c *Conn) cotpConnect() error {
	// TSAP format: local = 01 00, remote = 01 (rack<<5 | slot)
	srcTSAP := []byte{0x01, 0x00}
	dstTSAP := []byte{0x01, byte(c.rack<<5 | c.slot)}

	// COTP CR PDU
	cr := []byte{
		0x00,       // Length (filled later)
		cotpCR,     // PDU type
		0x00, 0x00, // Destination reference
		0x00, 0x01, // Source reference
		0x00, // Class 0
	}

	// Add parameters
	cr = append(cr, cotpParamSrcTSAP, byte(len(srcTSAP)))
	cr = append(cr, srcTSAP...)
	cr = append(cr, cotpParamDstTSAP, byte(len(dstTSAP)))
	cr = append(cr, dstTSAP...)
	cr = append(cr, cotpParamTPDUSize, 0x01, cotpTPDUSize1024)

	// Set length (excluding length byte itself)
	cr[0] = byte(len(cr) - 1)

	// Send CR
	if err := c.sendTPKT(cr); err != nil {
		return fmt.Errorf("failed to send COTP CR: %w", err)
	}

	// Receive CC
	cc, err := c.recvTPKT()
	if err != nil {
		return fmt.Errorf("failed to receive COTP CC: %w", err)
	}

	if len(cc) < 2 {
		return fmt.Errorf("COTP CC too short")
	}

	// Check PDU type (second byte after length)
	if cc[1] != cotpCC {
		return fmt.Errorf("expected COTP CC (0x%02X), got 0x%02X", cotpCC, cc[1])
	}

	return nil
}

// setupComm negotiates the session PDU size. Callers hold c.mu with the
// COTP connection established.
func (c *Conn) setupComm() (uint16, error) {
	response, err := c.exchange(buildSetupCommRequest(c.reqPDU))
	if err != nil {
		return 0, err
	}
	return parseSetupCommResponse(response)
}
