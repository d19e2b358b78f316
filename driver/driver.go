// Package driver builds the transport endpoint a PLC is polled through.
//
// Two S7 transports are available. The native driver speaks ISO-on-TCP
// directly, negotiates its PDU size at connect time and reads many
// address spans per exchange. The gos7 driver wraps
// github.com/robinson/gos7 and issues one block read per span; it
// exists for controllers that reject the native session setup.
package driver

import (
	"fmt"

	"warstep/config"
	"warstep/itemgroup"
)

// Endpoint is the unified interface the polling layer drives. It is the
// read contract of itemgroup.Endpoint plus connection lifecycle, so one
// value serves both the packet planner and the reconnect loop.
type Endpoint interface {
	itemgroup.Endpoint

	// Connect establishes the session, or re-establishes it after a
	// drop. Safe to call on an already-connected endpoint.
	Connect() error
	Close() error
	IsConnected() bool

	// String identifies the endpoint for log lines.
	String() string
}

// New creates the endpoint for the given PLC configuration. The
// connection is not established until Connect is called on the result.
func New(cfg *config.PLCConfig) (Endpoint, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	switch cfg.GetDriver() {
	case config.DriverNative:
		return NewNative(cfg), nil
	case config.DriverGos7:
		return NewGos7(cfg), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
