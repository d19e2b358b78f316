package plcman

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"warstep/config"
	"warstep/driver"
	"warstep/itemgroup"
	"warstep/s7"
)

// fakeEndpoint is an in-memory transport. Reads answer with the byte
// pattern data[j] = Start+j so decoded values are predictable; poke
// overrides single bytes to simulate the controller changing state.
type fakeEndpoint struct {
	mu         sync.Mutex
	pduSize    int
	connected  bool
	connectErr error
	readErr    error
	overlay    map[string]byte
	calls      int
}

var _ driver.Endpoint = (*fakeEndpoint)(nil)

func newFakeEndpoint(pdu int) *fakeEndpoint {
	return &fakeEndpoint{pduSize: pdu, overlay: make(map[string]byte)}
}

func (f *fakeEndpoint) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeEndpoint) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEndpoint) String() string { return "fake (rack 0, slot 1)" }

func (f *fakeEndpoint) PDUSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0
	}
	return f.pduSize
}

func (f *fakeEndpoint) poke(area s7.Area, db, offset int, value byte) {
	f.mu.Lock()
	f.overlay[fmt.Sprintf("%v/%d/%d", area, db, offset)] = value
	f.mu.Unlock()
}

func (f *fakeEndpoint) ReadPacket(parts []s7.PartRequest) ([]s7.PartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.connected {
		return nil, errors.New("not connected")
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	results := make([]s7.PartResult, 0, len(parts))
	for _, p := range parts {
		data := make([]byte, p.Length)
		for j := range data {
			off := p.Start + j
			if v, ok := f.overlay[fmt.Sprintf("%v/%d/%d", p.Area, p.DBNumber, off)]; ok {
				data[j] = v
			} else {
				data[j] = byte(off)
			}
		}
		results = append(results, s7.PartResult{Code: s7.ItemOK, Data: data})
	}
	return results, nil
}

// withFakeEndpoint routes endpoint construction to f for the duration
// of the test.
func withFakeEndpoint(t *testing.T, f *fakeEndpoint) {
	t.Helper()
	orig := newEndpoint
	newEndpoint = func(cfg *config.PLCConfig) (driver.Endpoint, error) { return f, nil }
	t.Cleanup(func() { newEndpoint = orig })
}

func pressConfig() *config.PLCConfig {
	return &config.PLCConfig{
		Name:    "press",
		Enabled: true,
		Address: "10.0.0.5",
		Slot:    1,
		Tags: []config.TagConfig{
			{Name: "speed", Address: "DB1.DBW0", Enabled: true},
			{Name: "level", Address: "DB1.DBD4", Enabled: true, Alias: "tank_level"},
			{Name: "spare", Address: "DB9.DBW0", Enabled: false},
		},
	}
}

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("ConnectionStatus(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestAddPLCRegistersEnabledTags(t *testing.T) {
	withFakeEndpoint(t, newFakeEndpoint(240))
	m := NewManager(time.Second)

	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}

	plc := m.GetPLC("press")
	if plc == nil {
		t.Fatal("GetPLC returned nil")
	}
	got := plc.Group.Tags()
	want := []string{"level", "speed"}
	if len(got) != len(want) {
		t.Fatalf("registered tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("registered tags = %v, want %v", got, want)
			break
		}
	}
}

func TestAddPLCRejectsBadTagAddress(t *testing.T) {
	withFakeEndpoint(t, newFakeEndpoint(240))
	m := NewManager(time.Second)

	cfg := pressConfig()
	cfg.Tags = append(cfg.Tags, config.TagConfig{Name: "bad", Address: "DB1.DBQ0", Enabled: true})

	err := m.AddPLC(cfg)
	if err == nil {
		t.Fatal("expected error for unparseable tag address")
	}
	if !errors.Is(err, itemgroup.ErrInvalidTag) {
		t.Errorf("error %v does not wrap ErrInvalidTag", err)
	}
	if m.GetPLC("press") != nil {
		t.Error("PLC was registered despite bad tag")
	}
}

func TestAddPLCDuplicateIsNoop(t *testing.T) {
	withFakeEndpoint(t, newFakeEndpoint(240))
	m := NewManager(time.Second)

	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	first := m.GetPLC("press")
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC again: %v", err)
	}
	if m.GetPLC("press") != first {
		t.Error("second AddPLC replaced the managed PLC")
	}
}

func TestConnectAndPoll(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")

	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}
	if got := plc.GetStatus(); got != StatusConnected {
		t.Fatalf("status = %v after connect, want Connected", got)
	}
	if got := plc.GetConnectionMode(); got != "fake (rack 0, slot 1)" {
		t.Errorf("GetConnectionMode = %q", got)
	}

	polled, changes, err := m.pollPLC(plc)
	if err != nil {
		t.Fatalf("pollPLC: %v", err)
	}
	if polled != 2 {
		t.Errorf("polled = %d, want 2", polled)
	}
	if len(changes) != 2 {
		t.Fatalf("first poll produced %d changes, want 2", len(changes))
	}

	byTag := make(map[string]ValueChange, len(changes))
	for _, c := range changes {
		byTag[c.TagName] = c
	}
	speed, ok := byTag["speed"]
	if !ok {
		t.Fatal("no change for speed")
	}
	if speed.Value != uint64(0x0001) {
		t.Errorf("speed = %v, want 1", speed.Value)
	}
	if speed.Previous != nil {
		t.Errorf("speed.Previous = %v on first observation, want nil", speed.Previous)
	}
	if speed.TypeName != "WORD" {
		t.Errorf("speed type = %q, want WORD", speed.TypeName)
	}
	if speed.PublishName() != "speed" {
		t.Errorf("speed publish name = %q", speed.PublishName())
	}
	level := byTag["level"]
	if level.Value != uint64(0x04050607) {
		t.Errorf("level = %v, want %v", level.Value, uint64(0x04050607))
	}
	if level.PublishName() != "tank_level" {
		t.Errorf("level publish name = %q, want tank_level", level.PublishName())
	}

	tv, ok := plc.GetValue("speed")
	if !ok {
		t.Fatal("no cached value for speed")
	}
	if tv.Address != "DB1.DBW0" || tv.TypeName != "WORD" {
		t.Errorf("cached speed = %+v", tv)
	}
	if tv.Timestamp.IsZero() {
		t.Error("cached speed has zero timestamp")
	}
	if plc.GetLastPoll().IsZero() {
		t.Error("LastPoll not set")
	}
}

func TestPollDetectsChanges(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}
	if _, _, err := m.pollPLC(plc); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// Nothing moved, so a second poll reports nothing.
	_, changes, err := m.pollPLC(plc)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("unchanged poll produced %d changes: %v", len(changes), changes)
	}

	f.poke(s7.AreaDB, 1, 0, 0xAA)
	_, changes, err = m.pollPLC(plc)
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("poll after poke produced %d changes, want 1", len(changes))
	}
	c := changes[0]
	if c.TagName != "speed" {
		t.Errorf("changed tag = %q, want speed", c.TagName)
	}
	if c.Previous != uint64(0x0001) {
		t.Errorf("Previous = %v, want 1", c.Previous)
	}
	if c.Value != uint64(0xAA01) {
		t.Errorf("Value = %v, want %v", c.Value, uint64(0xAA01))
	}
}

func TestPollConnectionErrorEntersErrorState(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}

	f.mu.Lock()
	f.readErr = errors.New("read tcp 10.0.0.5:102: connection reset by peer")
	f.mu.Unlock()

	if _, _, err := m.pollPLC(plc); err == nil {
		t.Fatal("expected poll error")
	}
	if got := plc.GetStatus(); got != StatusError {
		t.Errorf("status = %v after link fault, want Error", got)
	}
	if plc.GetError() == nil {
		t.Error("LastError not recorded")
	}
}

func TestPollProtocolErrorKeepsSession(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}

	f.mu.Lock()
	f.readErr = errors.New("read of DB9 0+2 failed: object does not exist (0x0A)")
	f.mu.Unlock()

	if _, _, err := m.pollPLC(plc); err == nil {
		t.Fatal("expected poll error")
	}
	if got := plc.GetStatus(); got != StatusConnected {
		t.Errorf("status = %v after item refusal, want Connected", got)
	}
	if plc.GetError() == nil {
		t.Error("LastError not recorded")
	}

	// A clean cycle clears the sticky error.
	f.mu.Lock()
	f.readErr = nil
	f.mu.Unlock()
	if _, _, err := m.pollPLC(plc); err != nil {
		t.Fatalf("clean poll: %v", err)
	}
	if plc.GetError() != nil {
		t.Errorf("LastError = %v after clean poll, want nil", plc.GetError())
	}
}

func TestConnectFailure(t *testing.T) {
	f := newFakeEndpoint(240)
	f.connectErr = errors.New("dial tcp 10.0.0.5:102: connection refused")
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")

	if err := m.connectPLC(plc); err == nil {
		t.Fatal("expected connect error")
	}
	if got := plc.GetStatus(); got != StatusError {
		t.Errorf("status = %v, want Error", got)
	}
	if plc.GetError() == nil {
		t.Error("LastError not recorded")
	}
}

func TestReadNow(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}

	if _, err := m.ReadNow("ghost"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("ReadNow(ghost) = %v, want not found", err)
	}
	if _, err := m.ReadNow("press"); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("ReadNow on disconnected PLC = %v, want not connected", err)
	}

	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}
	values, err := m.ReadNow("press")
	if err != nil {
		t.Fatalf("ReadNow: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("ReadNow returned %d values, want 2", len(values))
	}
	if values["level"].Value != uint64(0x04050607) {
		t.Errorf("level = %v", values["level"].Value)
	}
}

func TestWriteTagNotSupported(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}

	if err := m.WriteTag("ghost", "speed", 1); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("WriteTag on unknown PLC = %v", err)
	}
	if err := m.WriteTag("press", "speed", 1); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("WriteTag on disconnected PLC = %v", err)
	}

	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}
	err := m.WriteTag("press", "speed", 1)
	if !errors.Is(err, itemgroup.ErrWriteNotSupported) {
		t.Errorf("WriteTag = %v, want ErrWriteNotSupported", err)
	}
}

func TestRefreshTags(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	cfg := pressConfig()
	if err := m.AddPLC(cfg); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}
	if _, _, err := m.pollPLC(plc); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Disable speed, enable spare.
	cfg.Tags[0].Enabled = false
	cfg.Tags[2].Enabled = true
	if err := m.RefreshTags("press"); err != nil {
		t.Fatalf("RefreshTags: %v", err)
	}

	got := plc.Group.Tags()
	want := []string{"level", "spare"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("tags after refresh = %v, want %v", got, want)
	}
	if _, ok := plc.GetValue("speed"); ok {
		t.Error("cached value for disabled tag survived refresh")
	}

	if err := m.RefreshTags("ghost"); err == nil {
		t.Error("RefreshTags(ghost) succeeded")
	}
}

func TestRemovePLCClosesEndpoint(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}

	if err := m.RemovePLC("press"); err != nil {
		t.Fatalf("RemovePLC: %v", err)
	}
	if m.GetPLC("press") != nil {
		t.Error("PLC still present after removal")
	}
	if f.IsConnected() {
		t.Error("endpoint still connected after removal")
	}
}

func TestListPLCsSorted(t *testing.T) {
	withFakeEndpoint(t, newFakeEndpoint(240))
	m := NewManager(time.Second)
	for _, name := range []string{"zeta", "alpha", "mill"} {
		cfg := pressConfig()
		cfg.Name = name
		if err := m.AddPLC(cfg); err != nil {
			t.Fatalf("AddPLC(%s): %v", name, err)
		}
	}

	plcs := m.ListPLCs()
	want := []string{"alpha", "mill", "zeta"}
	if len(plcs) != len(want) {
		t.Fatalf("ListPLCs returned %d PLCs, want %d", len(plcs), len(want))
	}
	for i, plc := range plcs {
		if plc.Config.Name != want[i] {
			t.Errorf("ListPLCs[%d] = %s, want %s", i, plc.Config.Name, want[i])
		}
	}
}

func TestGetAllCurrentValues(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}
	plc := m.GetPLC("press")
	if err := m.connectPLC(plc); err != nil {
		t.Fatalf("connectPLC: %v", err)
	}
	if _, _, err := m.pollPLC(plc); err != nil {
		t.Fatalf("poll: %v", err)
	}

	all := m.GetAllCurrentValues()
	if len(all) != 2 {
		t.Fatalf("GetAllCurrentValues returned %d entries, want 2", len(all))
	}
	for _, vc := range all {
		if vc.PLCName != "press" {
			t.Errorf("PLCName = %q", vc.PLCName)
		}
		if vc.TagName == "level" && vc.PublishName() != "tank_level" {
			t.Errorf("level publishes as %q, want tank_level", vc.PublishName())
		}
	}
}

func TestTagTypeName(t *testing.T) {
	withFakeEndpoint(t, newFakeEndpoint(240))
	m := NewManager(time.Second)
	if err := m.AddPLC(pressConfig()); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}

	if got := m.TagTypeName("press", "speed"); got != "WORD" {
		t.Errorf("TagTypeName(speed) = %q, want WORD", got)
	}
	if got := m.TagTypeName("press", "level"); got != "DWORD" {
		t.Errorf("TagTypeName(level) = %q, want DWORD", got)
	}
	if got := m.TagTypeName("press", "ghost"); got != "" {
		t.Errorf("TagTypeName(ghost) = %q, want empty", got)
	}
	if got := m.TagTypeName("ghost", "speed"); got != "" {
		t.Errorf("TagTypeName on unknown PLC = %q, want empty", got)
	}
}

func TestValueChangePublishName(t *testing.T) {
	tests := []struct {
		name   string
		change ValueChange
		want   string
	}{
		{"alias wins", ValueChange{TagName: "level", Alias: "tank_level"}, "tank_level"},
		{"falls back to tag", ValueChange{TagName: "speed"}, "speed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.change.PublishName(); got != tt.want {
				t.Errorf("PublishName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorkerPollsAndPublishesChanges(t *testing.T) {
	f := newFakeEndpoint(240)
	withFakeEndpoint(t, f)
	m := NewManager(time.Second)

	cfg := pressConfig()
	cfg.PollRate = 10 * time.Millisecond
	if err := m.AddPLC(cfg); err != nil {
		t.Fatalf("AddPLC: %v", err)
	}

	batches := make(chan []ValueChange, 16)
	m.SetOnValueChange(func(changes []ValueChange) {
		batches <- changes
	})

	m.Start()
	defer m.Stop()

	// The worker reconnects on its first tick and polls; changes arrive
	// through the batched aggregator.
	seen := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case batch := <-batches:
			for _, c := range batch {
				seen[c.TagName] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for changes, saw %v", seen)
		}
	}

	plc := m.GetPLC("press")
	if got := plc.GetStatus(); got != StatusConnected {
		t.Errorf("status = %v, want Connected", got)
	}
}

func TestManagerLifecycle(t *testing.T) {
	withFakeEndpoint(t, newFakeEndpoint(240))
	m := NewManager(0)

	m.Start()
	m.Start() // Second start is a no-op
	m.Stop()
	m.Stop() // Second stop must not hang
}
