package driver

import (
	"fmt"
	"sync"

	"warstep/config"
	"warstep/s7"
)

// Native reads through the native ISO-on-TCP connection. The PDU size
// is whatever the controller granted at session setup, so the planner
// fills frames to the real limit instead of an assumed one.
type Native struct {
	mu   sync.Mutex
	cfg  *config.PLCConfig
	conn *s7.Conn
	subs []func(int)
}

// NewNative creates a native endpoint for cfg. The connection is not
// established until Connect is called.
func NewNative(cfg *config.PLCConfig) *Native {
	return &Native{cfg: cfg}
}

// Connect establishes the session. After a drop the existing connection
// is redialed in place so PDU size subscribers stay registered.
func (n *Native) Connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		return n.conn.Reconnect()
	}

	opts := []s7.Option{s7.WithRackSlot(n.cfg.Rack, n.cfg.Slot)}
	if n.cfg.Timeout > 0 {
		opts = append(opts, s7.WithTimeout(n.cfg.Timeout))
	}
	if n.cfg.PDUSize > 0 {
		opts = append(opts, s7.WithPDUSize(n.cfg.PDUSize))
	}

	conn, err := s7.Connect(n.cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("s7 connect: %w", err)
	}

	for _, fn := range n.subs {
		conn.OnPDUSizeChange(fn)
	}
	n.conn = conn
	return nil
}

// Close shuts the session down. The endpoint stays usable; a later
// Connect redials.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// IsConnected returns true while the session is up.
func (n *Native) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil && n.conn.IsConnected()
}

// PDUSize reports the negotiated PDU size, or 0 before the first
// successful connect.
func (n *Native) PDUSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return 0
	}
	return n.conn.PDUSize()
}

// OnPDUSizeChange registers fn for renegotiated PDU sizes. Functions
// registered before the first connect are carried over to the
// connection once it exists.
func (n *Native) OnPDUSizeChange(fn func(int)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
	if n.conn != nil {
		n.conn.OnPDUSizeChange(fn)
	}
}

// ReadPacket executes one packet's worth of parts as a single request.
func (n *Native) ReadPacket(parts []s7.PartRequest) ([]s7.PartResult, error) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	return conn.ReadPacket(parts)
}

// String identifies the endpoint for log lines.
func (n *Native) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		return n.conn.String()
	}
	return fmt.Sprintf("%s (rack %d, slot %d)", n.cfg.Address, n.cfg.Rack, n.cfg.Slot)
}
