// Package plcman provides PLC connection management with background polling.
package plcman

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"warstep/config"
	"warstep/driver"
	"warstep/itemgroup"
	"warstep/logging"
	"warstep/s7"
)

// ConnectionStatus represents the state of a PLC connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// newEndpoint builds the transport endpoint for a PLC. Tests swap it
// for a fake.
var newEndpoint = driver.New

// ManagedPLC represents a PLC under management. The endpoint is built
// once and lives as long as the PLC does; reconnects redial it in
// place so the read group's plan subscriptions survive.
type ManagedPLC struct {
	Config     *config.PLCConfig
	Endpoint   driver.Endpoint
	Group      *itemgroup.Group
	translator *tagTranslator
	Values     map[string]*TagValue
	Status     ConnectionStatus
	LastError  error
	LastPoll   time.Time
	mu         sync.RWMutex
}

// GetStatus returns the current connection status thread-safely.
func (m *ManagedPLC) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status
}

// GetError returns the last error thread-safely.
func (m *ManagedPLC) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastError
}

// GetValues returns a copy of the current tag values.
func (m *ManagedPLC) GetValues() map[string]*TagValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*TagValue, len(m.Values))
	for k, v := range m.Values {
		result[k] = v
	}
	return result
}

// GetValue returns the cached value for one tag.
func (m *ManagedPLC) GetValue(tag string) (*TagValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.Values[tag]
	return v, ok
}

// GetLastPoll returns the time of the most recent successful poll.
func (m *ManagedPLC) GetLastPoll() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastPoll
}

// LastReadDuration returns the wall-clock time of the most recent wire
// exchange.
func (m *ManagedPLC) LastReadDuration() time.Duration {
	return m.Group.LastReadDuration()
}

// Plan returns the read group's current packet plan. ok is false while
// the endpoint has no negotiated PDU size.
func (m *ManagedPLC) Plan() ([]*itemgroup.Packet, bool) {
	return m.Group.Plan()
}

// GetConnectionMode returns a human-readable description of the
// transport behind this PLC.
func (m *ManagedPLC) GetConnectionMode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Endpoint == nil {
		return "Not connected"
	}
	if !m.Endpoint.IsConnected() {
		return "Disconnected"
	}
	return m.Endpoint.String()
}

// GetTagInfo reports whether a tag exists in this PLC's configuration
// and whether it is flagged writable. Accepts the name or the alias.
func (m *ManagedPLC) GetTagInfo(tagName string) (found, writable bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.Config.Tags {
		t := &m.Config.Tags[i]
		if !t.Enabled {
			continue
		}
		if t.Name == tagName || (t.Alias != "" && t.Alias == tagName) {
			return true, t.Writable
		}
	}
	return false, false
}

// GetTags returns a copy of the PLC's configured tags. RefreshTags
// swaps the underlying slice, so callers iterate the copy.
func (m *ManagedPLC) GetTags() []config.TagConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]config.TagConfig, len(m.Config.Tags))
	copy(tags, m.Config.Tags)
	return tags
}

// resolveAlias maps a published name back to the configured tag name,
// or "" when no alias matches.
func (m *ManagedPLC) resolveAlias(published string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.Config.Tags {
		if m.Config.Tags[i].Alias == published {
			return m.Config.Tags[i].Name
		}
	}
	return ""
}

// PollStats tracks polling statistics for debugging.
type PollStats struct {
	LastPollTime time.Time
	TagsPolled   int
	ChangesFound int
	LastError    error
}

// PLCWorker manages polling for a single PLC in its own goroutine.
type PLCWorker struct {
	plc      *ManagedPLC
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	// Per-worker stats
	tagsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

// newPLCWorker creates a new worker for a PLC.
func newPLCWorker(plc *ManagedPLC, manager *Manager, pollRate time.Duration) *PLCWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &PLCWorker{
		plc:      plc,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's poll loop.
func (w *PLCWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *PLCWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// GetStats returns the worker's current stats.
func (w *PLCWorker) GetStats() (tagsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.tagsPolled, w.changesFound, w.lastError
}

func (w *PLCWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *PLCWorker) poll() {
	// Check if auto-reconnect is needed
	w.checkAutoReconnect()

	plc := w.plc
	if plc.GetStatus() != StatusConnected {
		w.statsMu.Lock()
		w.tagsPolled = 0
		w.changesFound = 0
		w.lastError = nil
		w.statsMu.Unlock()
		return
	}

	polled, changes, err := w.manager.pollPLC(plc)

	w.statsMu.Lock()
	w.tagsPolled = polled
	w.changesFound = len(changes)
	w.lastError = err
	w.statsMu.Unlock()

	if err != nil {
		w.manager.markStatusDirty()
		return
	}

	// Send changes to the manager's aggregator
	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

func (w *PLCWorker) checkAutoReconnect() {
	plc := w.plc

	plc.mu.RLock()
	status := plc.Status
	enabled := plc.Config.Enabled
	plc.mu.RUnlock()

	// Only auto-reconnect if enabled and currently disconnected or in error state
	if !enabled {
		return
	}
	if status == StatusConnected || status == StatusConnecting {
		return
	}

	// Attempt reconnection (runs in this worker's goroutine)
	w.manager.connectPLC(plc)
}

// Manager manages multiple PLC connections and polling.
type Manager struct {
	plcs    map[string]*ManagedPLC
	workers map[string]*PLCWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	onChange      func()
	onValueChange func(changes []ValueChange)

	// Batched update channels
	changeChan  chan []ValueChange // Aggregates value changes from workers
	statusDirty int32              // Atomic flag: 1 if observers need refresh

	// Aggregated stats
	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new PLC manager. pollRate is the default poll
// interval; PLCs with their own poll_rate override it.
func NewManager(pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Manager{
		plcs:          make(map[string]*ManagedPLC),
		workers:       make(map[string]*PLCWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond, // Batch observer updates every 100ms
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetOnChange sets a callback that fires when PLC status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that fires when tag values change.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// markStatusDirty signals that observers need to be refreshed.
func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends value changes to the aggregator channel.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddPLC adds a PLC to management. The transport endpoint and read
// group are built here; the connection itself waits for Connect.
func (m *Manager) AddPLC(cfg *config.PLCConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plcs[cfg.Name]; exists {
		return nil // Already exists
	}

	ep, err := newEndpoint(cfg)
	if err != nil {
		return fmt.Errorf("plc %s: %w", cfg.Name, err)
	}

	var opts []itemgroup.Option
	if cfg.NoOptimize {
		opts = append(opts, itemgroup.WithoutOptimization())
	}
	if cfg.OptimizationGap != nil {
		opts = append(opts, itemgroup.WithOptimizationGap(*cfg.OptimizationGap))
	}

	plc := &ManagedPLC{
		Config:     cfg,
		Endpoint:   ep,
		Group:      itemgroup.NewGroup(ep, opts...),
		translator: newTagTranslator(cfg.Tags),
		Status:     StatusDisconnected,
		Values:     make(map[string]*TagValue),
	}
	plc.Group.SetTranslator(plc.translator)

	if err := m.syncTags(plc); err != nil {
		return fmt.Errorf("plc %s: %w", cfg.Name, err)
	}

	m.plcs[cfg.Name] = plc

	// If manager is running, start a worker for this PLC
	if m.ctx != nil {
		worker := newPLCWorker(plc, m, cfg.EffectivePollRate(m.pollRate))
		m.workers[cfg.Name] = worker
		worker.Start()
	}

	return nil
}

// RemovePLC removes a PLC from management and disconnects it.
func (m *Manager) RemovePLC(name string) error {
	m.mu.Lock()
	plc, exists := m.plcs[name]
	worker := m.workers[name]
	if exists {
		delete(m.plcs, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	// Stop worker first (outside lock)
	if worker != nil {
		worker.Stop()
	}

	if exists && plc.Endpoint != nil {
		plc.Endpoint.Close()
	}

	m.markStatusDirty()
	return nil
}

// RefreshTags resyncs the named PLC's read group with its configured
// tag list. Call after editing tags so the next poll uses a fresh plan.
func (m *Manager) RefreshTags(name string) error {
	m.mu.RLock()
	plc, exists := m.plcs[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("PLC not found: %s", name)
	}
	return m.syncTags(plc)
}

// syncTags aligns the read group and value cache with the configured
// tags: disabled or deleted tags leave the group, new ones are
// registered, and every survivor is re-translated so address edits take
// effect.
func (m *Manager) syncTags(plc *ManagedPLC) error {
	plc.mu.RLock()
	tags := make([]config.TagConfig, len(plc.Config.Tags))
	copy(tags, plc.Config.Tags)
	plc.mu.RUnlock()

	plc.translator.reload(tags)

	want := make(map[string]bool, len(tags))
	names := make([]string, 0, len(tags))
	for _, tc := range tags {
		if tc.Enabled {
			want[tc.Name] = true
			names = append(names, tc.Name)
		}
	}

	group := plc.Group
	var stale []string
	for _, registered := range group.Tags() {
		if !want[registered] {
			stale = append(stale, registered)
		}
	}
	if len(stale) > 0 {
		group.RemoveItems(stale...)
	}
	if len(names) > 0 {
		if err := group.AddItems(names...); err != nil {
			return err
		}
	}

	plc.mu.Lock()
	for k := range plc.Values {
		if !want[k] {
			delete(plc.Values, k)
		}
	}
	plc.mu.Unlock()

	m.markStatusDirty()
	return nil
}

// connectPLC establishes a connection to a PLC (called from worker goroutine).
func (m *Manager) connectPLC(plc *ManagedPLC) error {
	plc.mu.Lock()
	if plc.Status == StatusConnecting {
		plc.mu.Unlock()
		return nil
	}
	plc.Status = StatusConnecting
	plc.LastError = nil
	address := plc.Config.Address
	ep := plc.Endpoint
	plc.mu.Unlock()
	m.markStatusDirty()

	logging.DebugConnect("plc", address)
	if err := ep.Connect(); err != nil {
		logging.DebugConnectError("plc", address, err)
		plc.mu.Lock()
		plc.Status = StatusError
		plc.LastError = err
		plc.mu.Unlock()
		m.markStatusDirty()
		return err
	}
	logging.DebugConnectSuccess("plc", address, ep.String())

	plc.mu.Lock()
	plc.Status = StatusConnected
	plc.mu.Unlock()
	m.markStatusDirty()

	return nil
}

// Connect establishes a connection to the named PLC. Runs in the
// background so callers are never blocked on a slow dial.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	plc, exists := m.plcs[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("PLC not found: %s", name)
	}

	go m.connectPLC(plc)
	return nil
}

// Disconnect closes the connection to the named PLC.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	plc, exists := m.plcs[name]
	m.mu.RUnlock()

	if !exists {
		return nil
	}

	plc.mu.Lock()
	if plc.Endpoint != nil {
		plc.Endpoint.Close()
		logging.DebugDisconnect("plc", plc.Config.Address, "requested")
	}
	plc.Status = StatusDisconnected
	plc.LastError = nil
	plc.mu.Unlock()
	m.markStatusDirty()

	return nil
}

// GetPLC returns the managed PLC with the given name.
func (m *Manager) GetPLC(name string) *ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plcs[name]
}

// ListPLCs returns all managed PLCs sorted by name.
func (m *Manager) ListPLCs() []*ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ManagedPLC, 0, len(m.plcs))
	for _, plc := range m.plcs {
		result = append(result, plc)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Config.Name < result[j].Config.Name
	})
	return result
}

// Start begins background polling for all PLCs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return // Already running
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Start workers for all existing PLCs
	for name, plc := range m.plcs {
		worker := newPLCWorker(plc, m, plc.Config.EffectivePollRate(m.pollRate))
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	// Start the batched update loop
	m.wg.Add(1)
	go m.batchedUpdateLoop()

	// Start the stats aggregator
	m.wg.Add(1)
	go m.statsAggregatorLoop()
}

// Stop halts all background polling.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}

	// Stop all workers
	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*PLCWorker)
	m.mu.Unlock()

	// Stop workers outside of lock
	for _, w := range workers {
		w.Stop()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and notifies observers at a controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			// Flush any remaining changes
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			// Aggregate changes
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			// Check if a status update is needed
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			// Flush pending value changes
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

// flushValueChanges calls the value change callback with accumulated changes.
func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// statsAggregatorLoop periodically aggregates stats from all workers.
func (m *Manager) statsAggregatorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	totalTags := 0
	totalChanges := 0
	var lastErr error

	for _, w := range workers {
		tags, changes, err := w.GetStats()
		totalTags += tags
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	m.statsMu.Lock()
	m.lastPollStats = PollStats{
		LastPollTime: time.Now(),
		TagsPolled:   totalTags,
		ChangesFound: totalChanges,
		LastError:    lastErr,
	}
	m.statsMu.Unlock()
}

// pollPLC runs one read cycle for a connected PLC: read every
// registered tag in one batched pass, update the value cache, and
// return the changes since the previous cycle.
func (m *Manager) pollPLC(plc *ManagedPLC) (int, []ValueChange, error) {
	plc.mu.RLock()
	group := plc.Group
	plcName := plc.Config.Name
	tagCfg := make(map[string]config.TagConfig, len(plc.Config.Tags))
	for _, tc := range plc.Config.Tags {
		tagCfg[tc.Name] = tc
	}
	oldValues := make(map[string]interface{}, len(plc.Values))
	for k, v := range plc.Values {
		if v != nil {
			oldValues[k] = v.Value
		}
	}
	plc.mu.RUnlock()

	values, err := group.ReadAllItems()
	if err != nil {
		logging.DebugError("plc", plcName, err)
		plc.mu.Lock()
		plc.LastError = err
		// A dead link goes through the reconnect path. A protocol-level
		// refusal keeps the session; the error stays visible until a
		// clean poll clears it.
		if driver.IsLikelyConnectionError(err) || !plc.Endpoint.IsConnected() {
			plc.Status = StatusError
		}
		plc.mu.Unlock()
		return 0, nil, err
	}

	now := time.Now()
	var changes []ValueChange

	plc.mu.Lock()
	for name, value := range values {
		tc := tagCfg[name]
		typeName := ""
		if it, ok := group.Item(name); ok {
			typeName = s7.TypeName(it.DataType)
		}

		old, existed := oldValues[name]
		if !existed || fmt.Sprintf("%v", old) != fmt.Sprintf("%v", value) {
			change := ValueChange{
				PLCName:   plcName,
				TagName:   name,
				Alias:     tc.Alias,
				Address:   tc.EffectiveAddress(),
				TypeName:  typeName,
				Value:     value,
				Writable:  tc.Writable,
				Timestamp: now,
			}
			if existed {
				change.Previous = old
			}
			changes = append(changes, change)
		}

		plc.Values[name] = &TagValue{
			Name:      name,
			Address:   tc.EffectiveAddress(),
			TypeName:  typeName,
			Value:     value,
			Timestamp: now,
		}
	}
	plc.LastPoll = now
	plc.LastError = nil
	plc.mu.Unlock()

	return len(values), changes, nil
}

// ReadNow runs an immediate read cycle for the named PLC and returns
// the refreshed values. Detected changes flow through the same
// aggregation path as polled ones.
func (m *Manager) ReadNow(name string) (map[string]*TagValue, error) {
	m.mu.RLock()
	plc, exists := m.plcs[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("PLC not found: %s", name)
	}
	if plc.GetStatus() != StatusConnected {
		return nil, fmt.Errorf("PLC not connected: %s", name)
	}

	_, changes, err := m.pollPLC(plc)
	if err != nil {
		m.markStatusDirty()
		return nil, err
	}
	if len(changes) > 0 {
		m.sendChanges(changes)
	}
	m.markStatusDirty()
	return plc.GetValues(), nil
}

// WriteTag writes a value to a tag on a connected PLC.
func (m *Manager) WriteTag(plcName, tagName string, value interface{}) error {
	m.mu.RLock()
	plc, exists := m.plcs[plcName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("PLC not found: %s", plcName)
	}

	plc.mu.RLock()
	status := plc.Status
	group := plc.Group
	plc.mu.RUnlock()

	if status != StatusConnected {
		return fmt.Errorf("PLC not connected: %s", plcName)
	}

	return group.WriteItems([]string{tagName}, []interface{}{value})
}

// LoadFromConfig adds all PLCs from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.PLCs {
		if err := m.AddPLC(&cfg.PLCs[i]); err != nil {
			logging.DebugError("plc", cfg.PLCs[i].Name, err)
		}
	}
}

// ConnectEnabled connects all PLCs marked as enabled.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	plcs := make([]*ManagedPLC, 0)
	for _, plc := range m.plcs {
		if plc.Config.Enabled {
			plcs = append(plcs, plc)
		}
	}
	m.mu.RUnlock()

	for _, plc := range plcs {
		go m.connectPLC(plc)
	}
}

// DisconnectAll disconnects all PLCs.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.plcs))
	for name := range m.plcs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Disconnect(name)
	}
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// GetAllCurrentValues returns every cached tag value as a ValueChange.
// Publishers use it for the initial publish when a broker connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	m.mu.RLock()
	plcs := make([]*ManagedPLC, 0, len(m.plcs))
	for _, plc := range m.plcs {
		plcs = append(plcs, plc)
	}
	m.mu.RUnlock()

	var results []ValueChange
	for _, plc := range plcs {
		plc.mu.RLock()
		plcName := plc.Config.Name
		tagCfg := make(map[string]config.TagConfig, len(plc.Config.Tags))
		for _, tc := range plc.Config.Tags {
			tagCfg[tc.Name] = tc
		}
		for name, val := range plc.Values {
			if val == nil {
				continue
			}
			tc := tagCfg[name]
			results = append(results, ValueChange{
				PLCName:   plcName,
				TagName:   name,
				Alias:     tc.Alias,
				Address:   val.Address,
				TypeName:  val.TypeName,
				Value:     val.Value,
				Writable:  tc.Writable,
				Timestamp: val.Timestamp,
			})
		}
		plc.mu.RUnlock()
	}
	return results
}

// TagTypeName returns the data type name for a registered tag, or ""
// when the PLC or tag is unknown.
func (m *Manager) TagTypeName(plcName, tagName string) string {
	if code := m.TagType(plcName, tagName); code != 0 {
		return s7.TypeName(code)
	}
	return ""
}

// TagType returns the data type code for a registered tag, or 0 when
// the PLC or tag is unknown. Accepts the published name, so aliased
// tags resolve too.
func (m *Manager) TagType(plcName, tagName string) uint16 {
	m.mu.RLock()
	plc, exists := m.plcs[plcName]
	m.mu.RUnlock()

	if !exists {
		return 0
	}
	if it, ok := plc.Group.Item(tagName); ok {
		return it.DataType
	}
	if name := plc.resolveAlias(tagName); name != "" {
		if it, ok := plc.Group.Item(name); ok {
			return it.DataType
		}
	}
	return 0
}
