// Package itemgroup batches tag reads against an S7 endpoint. Tags are
// registered by name, translated to address spans, and packed into as
// few wire requests as the endpoint's negotiated PDU size allows. The
// packing is a greedy sweep: sorted neighbors close enough together
// share one contiguous read span, spans fill packets, packets fill the
// PDU budget. ReadAllItems dispatches every packet concurrently and
// reassembles a name-to-value map from the responses.
package itemgroup

import (
	"warstep/s7"
)

// Item is one registered tag resolved to the controller span it reads.
// Items are immutable once built; replacing a tag builds a new Item.
type Item struct {
	Name      string
	Area      s7.Area
	DBNumber  int    // Meaningful only for the DB area
	Offset    int    // Byte offset (element number for timers/counters)
	BitNum    int    // 0-7 for single-bit tags, -1 otherwise
	Length    int    // Bytes read for this tag
	Transport byte   // Request transport size code
	DataType  uint16 // S7 data type for decoding
	Count     int    // Elements (1 for scalar)
}

// Translator resolves a tag name to the address it reads. AddItems runs
// every tag through the group's Translator.
type Translator interface {
	Translate(tag string) (*s7.Address, error)
}

// TranslateFunc adapts a plain function to the Translator interface.
type TranslateFunc func(tag string) (*s7.Address, error)

// Translate implements Translator.
func (f TranslateFunc) Translate(tag string) (*s7.Address, error) {
	return f(tag)
}

// addressTranslator is the default Translator: the tag name itself is
// the address string.
type addressTranslator struct{}

func (addressTranslator) Translate(tag string) (*s7.Address, error) {
	return s7.ParseAddress(tag)
}

// newItem builds the Item for one tag from its resolved address. Bit
// tags read their containing byte so they stay mergeable with byte
// neighbors; the decoder extracts the bit. Addresses that carry no type
// (the bare DBn.m form with no hint applied) are read as DINT.
func newItem(name string, addr *s7.Address) *Item {
	dataType := addr.DataType
	size := addr.Size
	count := addr.Count
	if count < 1 {
		count = 1
	}
	if size == 0 {
		size = s7.ElementWireSize(dataType)
	}
	if size == 0 {
		dataType = s7.TypeDInt
		if count > 1 {
			dataType = s7.MakeArrayType(dataType)
		}
		size = 4
	}

	return &Item{
		Name:      name,
		Area:      addr.Area,
		DBNumber:  addr.DBNumber,
		Offset:    addr.Offset,
		BitNum:    addr.BitNum,
		Length:    size * count,
		Transport: s7.ReadTransport(addr.Area),
		DataType:  dataType,
		Count:     count,
	}
}
