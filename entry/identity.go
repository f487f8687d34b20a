package entry

import (
	"sort"
	"strings"
)

// Identity card wire separators. A card travels as the text of an entry
// tagged TagIdentityCardFull or TagIdentityCardUpdate.
const (
	identityKeySep  = "\x01"
	identityPairSep = "\x02"
)

// IdentityCard is the discovered (key, value) attribute set of a
// monitor.
type IdentityCard struct {
	attrs map[string]string
}

// NewIdentityCard creates an empty card.
func NewIdentityCard() *IdentityCard {
	return &IdentityCard{attrs: make(map[string]string)}
}

// Set adds or replaces one attribute. Empty keys are ignored.
func (c *IdentityCard) Set(key, value string) {
	if key == "" {
		return
	}
	c.attrs[key] = value
}

// Get returns the value of an attribute.
func (c *IdentityCard) Get(key string) (string, bool) {
	v, ok := c.attrs[key]
	return v, ok
}

// Len returns the number of attributes.
func (c *IdentityCard) Len() int { return len(c.attrs) }

// Keys returns the attribute keys in sorted order.
func (c *IdentityCard) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge copies every attribute of o into c, overwriting duplicates.
func (c *IdentityCard) Merge(o *IdentityCard) {
	for k, v := range o.attrs {
		c.attrs[k] = v
	}
}

// Replace drops every attribute of c and copies o into it.
func (c *IdentityCard) Replace(o *IdentityCard) {
	c.attrs = make(map[string]string, len(o.attrs))
	c.Merge(o)
}

// Encode serializes the card into entry text form:
// key\x01value pairs joined by \x02, keys sorted.
func (c *IdentityCard) Encode() string {
	var b strings.Builder
	for i, k := range c.Keys() {
		if i > 0 {
			b.WriteString(identityPairSep)
		}
		b.WriteString(k)
		b.WriteString(identityKeySep)
		b.WriteString(c.attrs[k])
	}
	return b.String()
}

// ParseIdentityCard decodes entry text produced by Encode. Fragments
// without a key separator are skipped.
func ParseIdentityCard(text string) *IdentityCard {
	c := NewIdentityCard()
	if text == "" {
		return c
	}
	for _, pair := range strings.Split(text, identityPairSep) {
		k, v, ok := strings.Cut(pair, identityKeySep)
		if !ok {
			continue
		}
		c.Set(k, v)
	}
	return c
}
