// Package header holds ordered collections of FITS keywords.
//
// A Header is used both as the per-exposure telemetry store, which probes
// write to concurrently while the CCDs integrate, and as the header of each
// frame that is written to disk.
package header

import (
	"math"
	"strings"
	"sync"

	"github.com/astrogo/fitsio"
)

// Sentinel is written in place of a value that could not be retrieved.
const Sentinel = -999.0

// Card is a single keyword with its value and an optional comment
type Card struct {
	Name    string
	Value   interface{}
	Comment string
}

// Header is an insertion-ordered keyword store.  It is safe for concurrent use.
type Header struct {
	mu    sync.Mutex
	cards []Card
	index map[string]int
}

// New returns an empty Header
func New() *Header {
	return &Header{index: make(map[string]int)}
}

func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Set inserts or replaces a keyword.  A replaced keyword keeps its original
// position.  If comment is omitted, an existing comment is preserved.
func (h *Header) Set(name string, value interface{}, comment ...string) {
	name = normalize(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.index == nil {
		h.index = make(map[string]int)
	}
	if idx, ok := h.index[name]; ok {
		h.cards[idx].Value = value
		if len(comment) > 0 {
			h.cards[idx].Comment = comment[0]
		}
		return
	}
	c := Card{Name: name, Value: value}
	if len(comment) > 0 {
		c.Comment = comment[0]
	}
	h.index[name] = len(h.cards)
	h.cards = append(h.cards, c)
}

// Get returns the card for a keyword
func (h *Header) Get(name string) (Card, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, ok := h.index[normalize(name)]
	if !ok {
		return Card{}, false
	}
	return h.cards[idx], true
}

// Value returns the value of a keyword, or nil if it is absent
func (h *Header) Value(name string) interface{} {
	c, ok := h.Get(name)
	if !ok {
		return nil
	}
	return c.Value
}

// Has returns true if the keyword is present
func (h *Header) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Delete removes a keyword if present
func (h *Header) Delete(name string) {
	name = normalize(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, ok := h.index[name]
	if !ok {
		return
	}
	h.cards = append(h.cards[:idx], h.cards[idx+1:]...)
	delete(h.index, name)
	for i := idx; i < len(h.cards); i++ {
		h.index[h.cards[i].Name] = i
	}
}

// Keys returns the keywords in insertion order
func (h *Header) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.cards))
	for i, c := range h.cards {
		out[i] = c.Name
	}
	return out
}

// Len is the number of keywords
func (h *Header) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cards)
}

// Reset removes every keyword
func (h *Header) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cards = nil
	h.index = make(map[string]int)
}

// Cards returns a copy of the cards in insertion order
func (h *Header) Cards() []Card {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// Update copies every card of other into h, in order
func (h *Header) Update(other *Header) {
	if other == nil || other == h {
		return
	}
	for _, c := range other.Cards() {
		h.Set(c.Name, c.Value, c.Comment)
	}
}

// Map returns the keywords and their values with NaN replaced by nil
func (h *Header) Map() map[string]interface{} {
	cards := h.Cards()
	out := make(map[string]interface{}, len(cards))
	for _, c := range cards {
		out[c.Name] = Null(c.Value)
	}
	return out
}

// FITS converts the header to fitsio cards, replacing NaN with an undefined value
func (h *Header) FITS() []fitsio.Card {
	cards := h.Cards()
	out := make([]fitsio.Card, 0, len(cards))
	for _, c := range cards {
		out = append(out, fitsio.Card{Name: c.Name, Value: Null(c.Value), Comment: c.Comment})
	}
	return out
}

// Null returns nil if v is a NaN float, otherwise v.  FITS cannot carry NaN
// as a keyword value.
func Null(v interface{}) interface{} {
	switch f := v.(type) {
	case float64:
		if math.IsNaN(f) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(f)) {
			return nil
		}
	}
	return v
}

// Sanitize replaces every NaN value in place with nil
func (h *Header) Sanitize() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.cards {
		h.cards[i].Value = Null(h.cards[i].Value)
	}
}
