package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Item describes a good: its type identity plus per-unit metadata.
// Units are always of size one; quantities live on Batch and Order.
type Item struct {
	Type string            `json:"type" yaml:"type"`
	Meta map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate rejects descriptors that cannot identify a good: a blank type,
// a blank metadata key, invalid UTF-8 anywhere, or two metadata keys that
// are the same string after NFC normalization.
func (it Item) Validate() error {
	if strings.TrimSpace(it.Type) == "" {
		return ErrInvalidItem
	}
	if !utf8.ValidString(it.Type) {
		return fmt.Errorf("%w: type is not valid UTF-8", ErrInvalidItem)
	}
	seen := make(map[string]string, len(it.Meta))
	for k, v := range it.Meta {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty metadata key", ErrInvalidItem)
		}
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return fmt.Errorf("%w: metadata %q is not valid UTF-8", ErrInvalidItem, k)
		}
		nk := norm.NFC.String(k)
		if prev, ok := seen[nk]; ok {
			return fmt.Errorf("%w: metadata keys %q and %q normalize to the same key", ErrInvalidItem, prev, k)
		}
		seen[nk] = k
	}
	return nil
}

// Key returns the canonical identity of the item.
//
// Two descriptors are the same good iff their keys are equal. The key is
// the canonical JSON of the descriptor: NFC-normalized strings, metadata
// keys sorted, no HTML escaping, no insignificant whitespace.
func (it Item) Key() string {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	writeCanonicalString(&buf, it.Type)
	if len(it.Meta) > 0 {
		buf.WriteString(`,"meta":{`)
		raw := make([]string, 0, len(it.Meta))
		for k := range it.Meta {
			raw = append(raw, k)
		}
		sort.Strings(raw)
		// Colliding keys fail Validate; unvalidated input keeps the first
		// raw key in sort order so the key is still stable.
		keys := make([]string, 0, len(raw))
		normalized := make(map[string]string, len(raw))
		for _, k := range raw {
			nk := norm.NFC.String(k)
			if _, ok := normalized[nk]; ok {
				continue
			}
			normalized[nk] = it.Meta[k]
			keys = append(keys, nk)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(&buf, k)
			buf.WriteByte(':')
			writeCanonicalString(&buf, normalized[k])
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.String()
}

// Same reports whether it and other identify the same good.
func (it Item) Same(other Item) bool {
	return it.Key() == other.Key()
}

func (it Item) String() string {
	if len(it.Meta) == 0 {
		return it.Type
	}
	return it.Key()
}

// ParseItemKey decodes a key produced by Key.
func ParseItemKey(key string) (Item, error) {
	var it Item
	if err := json.Unmarshal([]byte(key), &it); err != nil {
		return Item{}, fmt.Errorf("parse item key: %w", err)
	}
	return it, nil
}

// writeCanonicalString writes s as a JSON string after NFC normalization.
// Encoder.Encode appends a newline which is trimmed.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string never fails.
	_ = enc.Encode(norm.NFC.String(s))
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
}

// Batch is a quantity of one item.
type Batch struct {
	Item     Item `json:"item" yaml:"item"`
	Quantity int  `json:"quantity" yaml:"quantity"`
}

// MergeBatches sums batches of the same item, preserving first-seen order.
func MergeBatches(batches []Batch) []Batch {
	var out []Batch
	index := make(map[string]int)
	for _, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		k := b.Item.Key()
		if i, ok := index[k]; ok {
			out[i].Quantity += b.Quantity
			continue
		}
		index[k] = len(out)
		out = append(out, b)
	}
	return out
}

// TotalQuantity sums the quantities of batches.
func TotalQuantity(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += b.Quantity
	}
	return n
}
