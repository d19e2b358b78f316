package driver

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"warstep/config"
	"warstep/s7"
)

// defaultGos7PDUSize is the packet budget assumed for gos7 sessions.
// The library negotiates a PDU size internally but does not surface the
// granted value, so planning runs against a fixed budget. 480 is what
// S7-300 series controllers commonly grant.
const defaultGos7PDUSize = 480

// Gos7 reads through the github.com/robinson/gos7 client. There is no
// multi-item request in that API, so every part of a packet becomes one
// AGRead* block call and costs a round trip of its own.
type Gos7 struct {
	mu        sync.Mutex
	cfg       *config.PLCConfig
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool
}

// NewGos7 creates a gos7-backed endpoint for cfg. The connection is not
// established until Connect is called.
func NewGos7(cfg *config.PLCConfig) *Gos7 {
	return &Gos7{cfg: cfg}
}

// Connect establishes the session. Port 102 is assumed when the
// configured address carries none.
func (g *Gos7) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected {
		return nil
	}
	if g.handler != nil {
		g.handler.Close()
		g.handler = nil
		g.client = nil
	}

	address := g.cfg.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = fmt.Sprintf("%s:%d", address, 102)
	}

	handler := gos7.NewTCPClientHandler(address, g.cfg.Rack, g.cfg.Slot)
	timeout := g.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	handler.Timeout = timeout
	handler.IdleTimeout = timeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("gos7 connect: %w", err)
	}

	g.handler = handler
	g.client = gos7.NewClient(handler)
	g.connected = true
	return nil
}

// Close shuts the session down.
func (g *Gos7) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	if g.handler != nil {
		g.handler.Close()
		g.handler = nil
		g.client = nil
	}
	return nil
}

// IsConnected returns true while the session is believed up. A read
// error that looks like a dead link flips it false.
func (g *Gos7) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// PDUSize reports the assumed packet budget: the configured size when
// one is set, 480 otherwise, and 0 before the first connect.
func (g *Gos7) PDUSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return 0
	}
	if g.cfg.PDUSize > 0 {
		return g.cfg.PDUSize
	}
	return defaultGos7PDUSize
}

// ReadPacket executes one packet as a series of block reads, one per
// part, serialized on the shared session. Any failing part fails the
// whole packet; the library does not separate a refused item from a
// transport fault well enough for a per-part return code.
func (g *Gos7) ReadPacket(parts []s7.PartRequest) ([]s7.PartResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected || g.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	results := make([]s7.PartResult, 0, len(parts))
	for _, p := range parts {
		buf := make([]byte, p.Length)
		var err error
		switch p.Area {
		case s7.AreaDB:
			err = g.client.AGReadDB(p.DBNumber, p.Start, p.Length, buf)
		case s7.AreaI:
			err = g.client.AGReadEB(p.Start, p.Length, buf)
		case s7.AreaQ:
			err = g.client.AGReadAB(p.Start, p.Length, buf)
		case s7.AreaM:
			err = g.client.AGReadMB(p.Start, p.Length, buf)
		case s7.AreaT:
			// Timer and counter reads count elements, two bytes each.
			err = g.client.AGReadTM(p.Start, p.Length/2, buf)
		case s7.AreaC:
			err = g.client.AGReadCT(p.Start, p.Length/2, buf)
		default:
			err = fmt.Errorf("unsupported area %v", p.Area)
		}
		if err != nil {
			if IsLikelyConnectionError(err) {
				g.connected = false
			}
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		results = append(results, s7.PartResult{Code: s7.ItemOK, Data: buf})
	}
	return results, nil
}

// String identifies the endpoint for log lines.
func (g *Gos7) String() string {
	return fmt.Sprintf("gos7 %s (rack %d, slot %d)", g.cfg.Address, g.cfg.Rack, g.cfg.Slot)
}
