package itemgroup

import (
	"sort"

	"warstep/s7"
)

// DefaultOptimizationGap is the largest byte gap between two tags that
// still lets the planner merge them into one read span. Reading a few
// dead bytes is cheaper than another part's worth of round-trip
// overhead; the threshold caps how much dead space that trade buys.
const DefaultOptimizationGap = 5

// Wire overhead for packing. A read request costs 12 bytes of header
// plus 12 per part; the response costs 14 bytes of header plus 4 per
// part plus the payload. The payload budget reserves 18 bytes of the
// PDU for the outer envelope.
const (
	reqHeaderLen = 12
	reqPartLen   = 12
	resHeaderLen = 14
	resPartLen   = 4
	envelopeLen  = 18
)

// Part is one contiguous read span inside a packet together with the
// items it serves. Length may exceed the sum of the items' lengths when
// merged items leave gaps; every item lies within [Start, Start+Length).
type Part struct {
	Area      s7.Area
	DBNumber  int
	Transport byte
	Start     int
	Length    int
	Items     []*Item
}

// Request converts the part to its wire request form.
func (p *Part) Request() s7.PartRequest {
	return s7.PartRequest{
		Area:      p.Area,
		DBNumber:  p.DBNumber,
		Transport: p.Transport,
		Start:     p.Start,
		Length:    p.Length,
	}
}

// Packet is one wire request's worth of parts.
type Packet struct {
	Parts []*Part
}

// sortItems orders items so the greedy sweep sees mergeable tags as
// neighbors: by area, DB number (within the DB area only), offset and
// bit. Co-located items sort longest first so the sweep absorbs the
// smaller ones into the larger read. Name breaks the final tie to keep
// plans deterministic regardless of registration order.
func sortItems(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Area != b.Area {
			return a.Area < b.Area
		}
		if a.Area == s7.AreaDB && a.DBNumber != b.DBNumber {
			return a.DBNumber < b.DBNumber
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		if a.BitNum != b.BitNum {
			return a.BitNum < b.BitNum
		}
		if a.Length != b.Length {
			return a.Length > b.Length
		}
		return a.Name < b.Name
	})
}

// optimizable reports whether item b, sorted directly after a, may share
// a's read span. Only byte-addressed areas merge; timers and counters
// are element-addressed and always get their own parts. The gap check is
// strict, so a zero threshold merges only overlapping items.
func optimizable(a, b *Item, gap int) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Area != b.Area {
		return false
	}
	switch a.Area {
	case s7.AreaDB, s7.AreaI, s7.AreaQ, s7.AreaM:
	default:
		return false
	}
	if a.Area == s7.AreaDB && a.DBNumber != b.DBNumber {
		return false
	}
	return b.Offset-a.Offset-a.Length < gap
}

// buildPlan packs items into packets for the given PDU size. It is a
// single forward sweep over the sorted items with no backtracking: each
// item either extends the current part, opens a new part in the current
// packet, or opens a new packet, in that order of preference. The same
// items and PDU size always produce the same plan.
func buildPlan(items []*Item, pduSize, gap int, optimize bool) []*Packet {
	sorted := make([]*Item, len(items))
	copy(sorted, items)
	sortItems(sorted)

	budget := pduSize - envelopeLen

	var (
		packets []*Packet
		pkt     *Packet
		part    *Part
		last    *Item
		reqLen  int
		resLen  int
	)

	for _, it := range sorted {
		// Grow the current part over the new item when it is close
		// enough and the response still fits. Growth is monotonic:
		// sorted order means a later item never ends before the part
		// already does, and co-located shorter items cost nothing.
		if optimize && part != nil && optimizable(last, it, gap) {
			newLen := it.Offset - part.Start + it.Length
			if newLen < part.Length {
				newLen = part.Length
			}
			if resLen+(newLen-part.Length) <= budget {
				resLen += newLen - part.Length
				part.Length = newLen
				part.Items = append(part.Items, it)
				last = it
				continue
			}
		}

		// A fresh part needs header room in the request and header
		// plus payload room in the response; otherwise start a new
		// packet. An item too large for any packet still gets one of
		// its own and the controller's answer settles it.
		if pkt == nil || reqLen+reqPartLen > budget || resLen+resPartLen+it.Length > budget {
			pkt = &Packet{}
			packets = append(packets, pkt)
			reqLen = reqHeaderLen
			resLen = resHeaderLen
		}

		part = &Part{
			Area:      it.Area,
			DBNumber:  it.DBNumber,
			Transport: it.Transport,
			Start:     it.Offset,
			Length:    it.Length,
			Items:     []*Item{it},
		}
		pkt.Parts = append(pkt.Parts, part)
		reqLen += reqPartLen
		resLen += resPartLen + it.Length

		last = it
	}

	return packets
}
