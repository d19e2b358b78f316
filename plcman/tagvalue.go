package plcman

import (
	"fmt"
	"sync"
	"time"

	"warstep/config"
	"warstep/s7"
)

// TagValue is the cached result of the most recent successful poll for
// one tag.
type TagValue struct {
	Name      string      // Configured tag name
	Address   string      // S7 address the tag resolves to
	TypeName  string      // Human-readable data type
	Value     interface{} // Decoded Go value
	Timestamp time.Time   // When the value was read
}

// ValueChange reports one tag whose value differs from the previous
// poll. Publishers fan these out to brokers; the monitor renders them.
type ValueChange struct {
	PLCName   string
	TagName   string
	Alias     string // Publish name override, empty when none is set
	Address   string // S7 address the tag resolves to
	TypeName  string
	Value     interface{}
	Previous  interface{} // nil on the first observation
	Writable  bool
	Timestamp time.Time
}

// PublishName returns the name the change is published under: the
// alias when one is configured, the tag name otherwise.
func (c ValueChange) PublishName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.TagName
}

// tagTranslator resolves configured tag names to S7 addresses for the
// read group. The mapping is swapped wholesale on a tag refresh so a
// translation never sees a half-updated tag set.
type tagTranslator struct {
	mu   sync.RWMutex
	tags map[string]config.TagConfig
}

func newTagTranslator(tags []config.TagConfig) *tagTranslator {
	t := &tagTranslator{}
	t.reload(tags)
	return t
}

func (t *tagTranslator) reload(tags []config.TagConfig) {
	byName := make(map[string]config.TagConfig, len(tags))
	for _, tc := range tags {
		byName[tc.Name] = tc
	}
	t.mu.Lock()
	t.tags = byName
	t.mu.Unlock()
}

// Translate resolves a tag name through its configuration. The type
// hint only applies when the address itself carries no type, so
// "DB1.DBD0" with a conflicting hint keeps the address's word size.
func (t *tagTranslator) Translate(tag string) (*s7.Address, error) {
	t.mu.RLock()
	tc, ok := t.tags[tag]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tag %q is not configured", tag)
	}

	addr, err := s7.ParseAddress(tc.EffectiveAddress())
	if err != nil {
		return nil, err
	}
	if err := addr.ApplyTypeHint(tc.Type); err != nil {
		return nil, err
	}
	return addr, nil
}
