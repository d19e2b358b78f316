package itemgroup

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"warstep/s7"
)

// Endpoint is the transport a Group reads through. PDUSize returns the
// negotiated maximum frame size, or 0 while it is unknown. ReadPacket
// executes one packet's worth of parts as a single request and returns
// one result per part, in request order.
type Endpoint interface {
	PDUSize() int
	ReadPacket(parts []s7.PartRequest) ([]s7.PartResult, error)
}

// PDUSizeNotifier is implemented by endpoints whose PDU size can change
// after connect. A Group subscribes at construction so a renegotiated
// size invalidates its plan.
type PDUSizeNotifier interface {
	OnPDUSizeChange(func(int))
}

type planState int

const (
	planAbsent planState = iota
	planComputed
)

// Group batches reads of a set of named tags against one endpoint. The
// packet plan is computed lazily and cached; registering or removing
// tags and PDU size changes invalidate it. A Group is safe for
// concurrent use.
type Group struct {
	mu         sync.RWMutex
	ep         Endpoint
	translator Translator
	items      map[string]*Item
	state      planState
	packets    []*Packet
	planPDU    int
	planCount  int
	gap        int
	optimize   bool
	lastRead   time.Duration
}

// Option configures a Group.
type Option func(*Group)

// WithOptimizationGap sets the largest byte gap between two tags that
// still lets them share one read span. Zero keeps distinct tags from
// merging unless their spans overlap.
func WithOptimizationGap(n int) Option {
	return func(g *Group) {
		g.gap = n
	}
}

// WithoutOptimization disables span merging entirely; every tag gets a
// part of its own.
func WithoutOptimization() Option {
	return func(g *Group) {
		g.optimize = false
	}
}

// NewGroup creates an empty group reading through ep. Endpoints that
// report PDU size changes have the group's plan invalidated
// automatically when a reconnect renegotiates the size.
func NewGroup(ep Endpoint, opts ...Option) *Group {
	g := &Group{
		ep:         ep,
		translator: addressTranslator{},
		items:      make(map[string]*Item),
		gap:        DefaultOptimizationGap,
		optimize:   true,
	}
	for _, opt := range opts {
		opt(g)
	}
	if n, ok := ep.(PDUSizeNotifier); ok {
		n.OnPDUSizeChange(func(int) {
			g.invalidate()
		})
	}
	return g
}

// SetTranslator installs the tag-to-address translator used by AddItems.
// A nil translator restores the default, which parses the tag name
// itself as an S7 address. Already-registered items keep the addresses
// they were translated with.
func (g *Group) SetTranslator(t Translator) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t == nil {
		t = addressTranslator{}
	}
	g.translator = t
}

// AddItems translates and registers the given tags. A tag already in
// the group is replaced. The call is atomic: if any tag fails to
// translate, the group is left unchanged and the error wraps
// ErrInvalidTag.
func (g *Group) AddItems(tags ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	resolved := make([]*Item, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			return fmt.Errorf("AddItems: %w: empty tag name", ErrInvalidTag)
		}
		addr, err := g.translator.Translate(tag)
		if err != nil {
			return fmt.Errorf("AddItems %q: %w: %v", tag, ErrInvalidTag, err)
		}
		if addr == nil {
			return fmt.Errorf("AddItems %q: %w: translator returned no address", tag, ErrInvalidTag)
		}
		resolved = append(resolved, newItem(tag, addr))
	}

	if len(resolved) == 0 {
		return nil
	}
	for _, it := range resolved {
		g.items[it.Name] = it
	}
	g.state = planAbsent
	g.packets = nil
	return nil
}

// RemoveItems drops the named tags, silently ignoring names the group
// does not hold. With no arguments the whole group is cleared.
func (g *Group) RemoveItems(tags ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(tags) == 0 {
		g.items = make(map[string]*Item)
	} else {
		for _, tag := range tags {
			delete(g.items, tag)
		}
	}
	g.state = planAbsent
	g.packets = nil
}

// Tags returns the registered tag names in sorted order.
func (g *Group) Tags() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tags := make([]string, 0, len(g.items))
	for name := range g.items {
		tags = append(tags, name)
	}
	sort.Strings(tags)
	return tags
}

// Len returns the number of registered tags.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}

// Item returns the resolved item for a registered tag, or false when
// the tag is not in the group.
func (g *Group) Item(tag string) (*Item, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	it, ok := g.items[tag]
	return it, ok
}

func (g *Group) invalidate() {
	g.mu.Lock()
	g.state = planAbsent
	g.packets = nil
	g.mu.Unlock()
}

// ensurePlan computes the plan when it is absent or the endpoint's PDU
// size moved since it was computed. The returned packets may be empty:
// with no tags the plan is computed and has zero packets, and with no
// negotiated PDU size the plan stays absent until a later call. Callers
// hold g.mu for writing.
func (g *Group) ensurePlan() []*Packet {
	pduSize := g.ep.PDUSize()
	if g.state == planComputed && pduSize == g.planPDU {
		return g.packets
	}
	if pduSize <= 0 {
		g.state = planAbsent
		g.packets = nil
		return nil
	}

	items := make([]*Item, 0, len(g.items))
	for _, it := range g.items {
		items = append(items, it)
	}
	g.packets = buildPlan(items, pduSize, g.gap, g.optimize)
	g.state = planComputed
	g.planPDU = pduSize
	g.planCount++
	return g.packets
}

// Plan returns the current packet plan, computing it first when needed.
// ok is false while the endpoint has no negotiated PDU size. The
// returned packets are shared; callers must not modify them.
func (g *Group) Plan() ([]*Packet, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	packets := g.ensurePlan()
	return packets, g.state == planComputed
}

// ReadAllItems reads every registered tag and returns a tag-to-value
// map. Packets are dispatched concurrently and all are awaited before
// validation, so one call costs one round of parallel requests. The
// first missing, truncated or refused part fails the whole call with a
// ProtocolError and no partial result. An unknown PDU size or an empty
// group reads as an empty map.
func (g *Group) ReadAllItems() (map[string]interface{}, error) {
	g.mu.Lock()
	packets := g.ensurePlan()
	ep := g.ep
	g.mu.Unlock()

	if len(packets) == 0 {
		return map[string]interface{}{}, nil
	}

	requests := make([][]s7.PartRequest, len(packets))
	for i, pkt := range packets {
		reqs := make([]s7.PartRequest, len(pkt.Parts))
		for j, part := range pkt.Parts {
			reqs[j] = part.Request()
		}
		requests[i] = reqs
	}

	results := make([][]s7.PartResult, len(packets))
	errs := make([]error, len(packets))

	start := time.Now()
	var wg sync.WaitGroup
	for i := range packets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ep.ReadPacket(requests[i])
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	g.mu.Lock()
	g.lastRead = elapsed
	g.mu.Unlock()

	values := make(map[string]interface{})
	for i, pkt := range packets {
		if errs[i] != nil {
			return nil, fmt.Errorf("ReadAllItems: %w", errs[i])
		}
		for j, part := range pkt.Parts {
			res, err := validatePart(part, results[i], j)
			if err != nil {
				return nil, err
			}
			decodePart(part, res.Data, values)
		}
	}
	return values, nil
}

// LastReadDuration returns the wall-clock time the wire exchange of the
// most recent ReadAllItems took.
func (g *Group) LastReadDuration() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastRead
}

// WriteItems is reserved for write support and always fails with
// ErrWriteNotSupported.
func (g *Group) WriteItems(tags []string, values []interface{}) error {
	return fmt.Errorf("WriteItems: %w", ErrWriteNotSupported)
}

// validatePart checks that part j of a packet's response exists, covers
// the requested span, and was accepted by the controller.
func validatePart(part *Part, results []s7.PartResult, j int) (s7.PartResult, error) {
	if j >= len(results) {
		return s7.PartResult{}, &ProtocolError{
			Area:     part.Area,
			DBNumber: part.DBNumber,
			Start:    part.Start,
			Length:   part.Length,
			Missing:  true,
		}
	}
	res := results[j]
	if res.Code != s7.ItemOK {
		return s7.PartResult{}, &ProtocolError{
			Area:     part.Area,
			DBNumber: part.DBNumber,
			Start:    part.Start,
			Length:   part.Length,
			Code:     res.Code,
		}
	}
	if len(res.Data) < part.Length {
		return s7.PartResult{}, &ProtocolError{
			Area:     part.Area,
			DBNumber: part.DBNumber,
			Start:    part.Start,
			Length:   part.Length,
			Missing:  true,
		}
	}
	return res, nil
}

// decodePart slices each member item's bytes out of the part payload
// and stores the decoded value under the tag name.
func decodePart(part *Part, payload []byte, values map[string]interface{}) {
	for _, it := range part.Items {
		lo := it.Offset - part.Start
		v := s7.Value{
			DataType: it.DataType,
			Bytes:    payload[lo : lo+it.Length],
			BitNum:   it.BitNum,
			Count:    it.Count,
		}
		values[it.Name] = v.GoValue()
	}
}
