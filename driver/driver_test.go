package driver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"warstep/config"
	"warstep/s7"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.PLCConfig
		wantType string
		wantErr  bool
	}{
		{"default is native", &config.PLCConfig{Name: "press", Address: "10.0.0.5"}, "*driver.Native", false},
		{"explicit native", &config.PLCConfig{Name: "press", Address: "10.0.0.5", Driver: config.DriverNative}, "*driver.Native", false},
		{"gos7", &config.PLCConfig{Name: "press", Address: "10.0.0.5", Driver: config.DriverGos7}, "*driver.Gos7", false},
		{"unknown driver", &config.PLCConfig{Name: "press", Address: "10.0.0.5", Driver: "opc"}, "", true},
		{"nil config", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := fmt.Sprintf("%T", ep); got != tt.wantType {
				t.Errorf("New returned %s, want %s", got, tt.wantType)
			}
		})
	}
}

func TestNativeBeforeConnect(t *testing.T) {
	ep := NewNative(&config.PLCConfig{Name: "press", Address: "192.168.0.10", Rack: 0, Slot: 1})

	if ep.IsConnected() {
		t.Error("IsConnected true before Connect")
	}
	if got := ep.PDUSize(); got != 0 {
		t.Errorf("PDUSize = %d before Connect, want 0", got)
	}
	if _, err := ep.ReadPacket([]s7.PartRequest{{Area: s7.AreaM, Start: 0, Length: 2}}); err == nil {
		t.Error("ReadPacket succeeded before Connect")
	}
	if err := ep.Close(); err != nil {
		t.Errorf("Close before Connect: %v", err)
	}
	if got, want := ep.String(), "192.168.0.10 (rack 0, slot 1)"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}

	// Subscribing before the first connect must be legal; the functions
	// are carried over to the connection once it exists.
	ep.OnPDUSizeChange(func(int) {})
}

func TestGos7BeforeConnect(t *testing.T) {
	ep := NewGos7(&config.PLCConfig{Name: "press", Address: "10.0.0.5", Rack: 0, Slot: 2, PDUSize: 240})

	if ep.IsConnected() {
		t.Error("IsConnected true before Connect")
	}
	if got := ep.PDUSize(); got != 0 {
		t.Errorf("PDUSize = %d before Connect, want 0", got)
	}
	if _, err := ep.ReadPacket([]s7.PartRequest{{Area: s7.AreaDB, DBNumber: 1, Start: 0, Length: 4}}); err == nil {
		t.Error("ReadPacket succeeded before Connect")
	}
	if err := ep.Close(); err != nil {
		t.Errorf("Close before Connect: %v", err)
	}
	if got, want := ep.String(), "gos7 10.0.0.5 (rack 0, slot 2)"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}

func TestIsLikelyConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("recv: %w", io.EOF), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"wrapped broken pipe", fmt.Errorf("send: %w", syscall.EPIPE), true},
		{"net error", &net.DNSError{Err: "no such host", Name: "plc1"}, true},
		{"refused by string", errors.New("dial tcp 10.0.0.5:102: connection refused"), true},
		{"closed by string", errors.New("use of closed network connection"), true},
		{"timeout by string", errors.New("read tcp: i/o timeout"), true},
		{"item refusal is not a link fault", errors.New("item refused by controller (code 0x0A): object does not exist"), false},
		{"parse error", errors.New("address DB1.DBQ0: unknown data type"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLikelyConnectionError(tt.err); got != tt.want {
				t.Errorf("IsLikelyConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEndpointSatisfiesGroupContract(t *testing.T) {
	// Both drivers must be usable as the read transport of an item
	// group; the native one additionally reports PDU renegotiation.
	var ep Endpoint = NewNative(&config.PLCConfig{Address: "10.0.0.5"})
	if _, ok := ep.(interface{ OnPDUSizeChange(func(int)) }); !ok {
		t.Error("native endpoint does not expose OnPDUSizeChange")
	}

	ep = NewGos7(&config.PLCConfig{Address: "10.0.0.5"})
	if strings.Contains(ep.String(), "native") {
		t.Error("gos7 endpoint identifies as native")
	}
}
