package models

import (
	"sort"
	"strings"
	"sync"
)

// EventNS is the namespace of structured event payloads embedded in room messages.
const EventNS = "abusehelper#event"

// Pair is a single key/value attribute of an Event.
type Pair struct {
	Key   string
	Value string
}

// Event is a sparse, multivalued key/value record. Pairs are kept in a flat
// slice and sorted by key the first time a key lookup needs them; lookups
// then binary search the sorted slice.
type Event struct {
	mu     sync.Mutex
	pairs  []Pair
	sorted bool
}

// NewEvent expands every key's values into independent pairs.
func NewEvent(attrs map[string][]string) *Event {
	e := &Event{}
	for key, values := range attrs {
		for _, v := range values {
			e.pairs = append(e.pairs, Pair{Key: key, Value: v})
		}
	}
	return e
}

// NewEventFromPairs keeps the given pair order until the first lookup.
func NewEventFromPairs(pairs ...Pair) *Event {
	return &Event{pairs: append([]Pair(nil), pairs...)}
}

// Clone returns a value copy.
func (e *Event) Clone() *Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Event{
		pairs:  append([]Pair(nil), e.pairs...),
		sorted: e.sorted,
	}
}

// Len returns the number of pairs.
func (e *Event) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pairs)
}

// sortedPairs sorts once. The sort is stable so that values under one key
// keep their relative order and repeated sorts are no-ops.
func (e *Event) sortedPairs() []Pair {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sorted {
		sort.SliceStable(e.pairs, func(i, j int) bool {
			return e.pairs[i].Key < e.pairs[j].Key
		})
		e.sorted = true
	}
	return e.pairs
}

// find returns the index of the first pair whose key is >= key.
func find(pairs []Pair, key string) int {
	return sort.Search(len(pairs), func(i int) bool {
		return pairs[i].Key >= key
	})
}

// Values returns all values stored under key.
func (e *Event) Values(key string) []string {
	pairs := e.sortedPairs()
	var values []string
	for i := find(pairs, key); i < len(pairs) && pairs[i].Key == key; i++ {
		values = append(values, pairs[i].Value)
	}
	return values
}

// Value returns the first value stored under key, the optional default, or "".
func (e *Event) Value(key string, def ...string) string {
	pairs := e.sortedPairs()
	if i := find(pairs, key); i < len(pairs) && pairs[i].Key == key {
		return pairs[i].Value
	}
	if len(def) > 0 {
		return def[0]
	}
	return ""
}

// Has reports whether key carries at least one value.
func (e *Event) Has(key string) bool {
	pairs := e.sortedPairs()
	i := find(pairs, key)
	return i < len(pairs) && pairs[i].Key == key
}

// Pairs returns a copy of the pairs in sorted key order.
func (e *Event) Pairs() []Pair {
	return append([]Pair(nil), e.sortedPairs()...)
}

// Keys returns the distinct keys in sorted order.
func (e *Event) Keys() []string {
	var keys []string
	for _, p := range e.sortedPairs() {
		if n := len(keys); n == 0 || keys[n-1] != p.Key {
			keys = append(keys, p.Key)
		}
	}
	return keys
}

// Items groups the values by key, in sorted key order.
func (e *Event) Items() Items {
	var items Items
	for _, p := range e.sortedPairs() {
		if n := len(items); n > 0 && items[n-1].Key == p.Key {
			items[n-1].Values = append(items[n-1].Values, p.Value)
			continue
		}
		items = append(items, Attribute{Key: p.Key, Values: []string{p.Value}})
	}
	return items
}

// IsValid is false when the event carries nothing but "id" attributes.
func (e *Event) IsValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pairs {
		if p.Key != "id" {
			return true
		}
	}
	return false
}

// ForEach visits the pairs in storage order.
func (e *Event) ForEach(fn func(key, value string)) {
	e.mu.Lock()
	pairs := append([]Pair(nil), e.pairs...)
	e.mu.Unlock()
	for _, p := range pairs {
		fn(p.Key, p.Value)
	}
}

// Element encodes the event as an <event xmlns="abusehelper#event"> payload.
func (e *Event) Element() Element {
	el := NewElement(EventNS, "event")
	e.ForEach(func(key, value string) {
		attr := NewElement(EventNS, "attr")
		attr.SetAttr("key", key)
		attr.SetAttr("value", value)
		el.Append(attr)
	})
	return el
}

// EventsFromElements parses event payloads. Elements that are not events in
// EventNS are skipped, as are attr children missing a key or a value. A
// malformed payload therefore yields no events rather than an error.
func EventsFromElements(elements []Element) []*Event {
	var events []*Event
	for _, el := range elements {
		if el.Name() != "event" || el.Namespace() != EventNS {
			continue
		}

		attrs := make(map[string][]string)
		var order []string
		for _, child := range el.Children {
			if child.Name() != "attr" {
				continue
			}
			key, okKey := child.Attr("key")
			value, okValue := child.Attr("value")
			if !okKey || !okValue {
				continue
			}
			if _, seen := attrs[key]; !seen {
				order = append(order, key)
			}
			attrs[key] = append(attrs[key], value)
		}

		ev := &Event{}
		for _, key := range order {
			for _, v := range attrs[key] {
				ev.pairs = append(ev.pairs, Pair{Key: key, Value: v})
			}
		}
		events = append(events, ev)
	}
	return events
}

// FirstValid returns the first event that IsValid, or nil.
func FirstValid(events []*Event) *Event {
	for _, ev := range events {
		if ev != nil && ev.IsValid() {
			return ev
		}
	}
	return nil
}

func (e *Event) String() string {
	var b strings.Builder
	for i, p := range e.Pairs() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}
