// Package ordmap provides insertion-ordered map and list containers for
// structured data. Keys keep their position across lookups, updates and
// JSON round-trips, which plain Go maps cannot guarantee.
package ordmap

import (
	"fmt"
	"sort"
)

// Map is a string-keyed mapping that remembers insertion order. The zero
// value is not usable; create instances with New.
type Map struct {
	keys   []string
	values map[string]interface{}
}

// New creates an empty Map.
func New() *Map {
	return &Map{values: map[string]interface{}{}}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order. The slice is a copy.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Set stores value under key. A new key is appended; an existing key keeps
// its position.
func (m *Map) Set(key string, value interface{}) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Insert places a new key at position i. Existing keys are rejected.
func (m *Map) Insert(i int, key string, value interface{}) error {
	if _, ok := m.values[key]; ok {
		return fmt.Errorf("ordmap: key %q exists", key)
	}
	if i < 0 || i > len(m.keys) {
		return fmt.Errorf("ordmap: index %d out of range [0,%d]", i, len(m.keys))
	}
	m.keys = append(m.keys, "")
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = key
	m.values[key] = value
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Map) Delete(key string) bool {
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// IndexOf returns the position of key, or -1.
func (m *Map) IndexOf(key string) int {
	if _, ok := m.values[key]; !ok {
		return -1
	}
	for i, k := range m.keys {
		if k == key {
			return i
		}
	}
	return -1
}

// At returns the entry at position i.
func (m *Map) At(i int) (string, interface{}, bool) {
	if i < 0 || i >= len(m.keys) {
		return "", nil, false
	}
	k := m.keys[i]
	return k, m.values[k], true
}

// Rename changes the key of an entry in place, keeping its position.
func (m *Map) Rename(from, to string) error {
	if from == to {
		return nil
	}
	if _, ok := m.values[from]; !ok {
		return fmt.Errorf("ordmap: key %q does not exist", from)
	}
	if _, ok := m.values[to]; ok {
		return fmt.Errorf("ordmap: key %q exists", to)
	}
	for i, k := range m.keys {
		if k == from {
			m.keys[i] = to
			break
		}
	}
	m.values[to] = m.values[from]
	delete(m.values, from)
	return nil
}

// SortByKeys reorders entries to match the given key order. Keys absent
// from order keep their relative order after the listed ones.
func (m *Map) SortByKeys(order []string) {
	rank := make(map[string]int, len(order))
	for i, k := range order {
		if _, ok := rank[k]; !ok {
			rank[k] = i
		}
	}
	sort.SliceStable(m.keys, func(i, j int) bool {
		ri, iOK := rank[m.keys[i]]
		rj, jOK := rank[m.keys[j]]
		switch {
		case iOK && jOK:
			return ri < rj
		case iOK:
			return true
		default:
			return false
		}
	})
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map) Range(fn func(key string, value interface{}) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy. Nested Maps and Lists are cloned; scalars are
// copied by value.
func (m *Map) Clone() *Map {
	out := New()
	for _, k := range m.keys {
		out.Set(k, CloneValue(m.values[k]))
	}
	return out
}

// List is a dense, ordered sequence of values.
type List struct {
	items []interface{}
}

// NewList creates a List holding the given items.
func NewList(items ...interface{}) *List {
	l := &List{}
	l.items = append(l.items, items...)
	return l
}

// Len returns the number of elements.
func (l *List) Len() int {
	return len(l.items)
}

// Get returns the element at index i.
func (l *List) Get(i int) (interface{}, bool) {
	if i < 0 || i >= len(l.items) {
		return nil, false
	}
	return l.items[i], true
}

// Set replaces the element at index i.
func (l *List) Set(i int, v interface{}) error {
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("ordmap: index %d out of range [0,%d)", i, len(l.items))
	}
	l.items[i] = v
	return nil
}

// Append adds v at the end and returns its index.
func (l *List) Append(v interface{}) int {
	l.items = append(l.items, v)
	return len(l.items) - 1
}

// Insert splices v in at index i. i == Len appends.
func (l *List) Insert(i int, v interface{}) error {
	if i < 0 || i > len(l.items) {
		return fmt.Errorf("ordmap: index %d out of range [0,%d]", i, len(l.items))
	}
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = v
	return nil
}

// Remove deletes the element at index i, renumbering the remainder.
func (l *List) Remove(i int) error {
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("ordmap: index %d out of range [0,%d)", i, len(l.items))
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return nil
}

// Reorder applies a permutation: the element now at position p came from
// index perm[p]. The permutation must mention every index exactly once.
func (l *List) Reorder(perm []int) error {
	if len(perm) != len(l.items) {
		return fmt.Errorf("ordmap: permutation length %d does not match %d elements", len(perm), len(l.items))
	}
	seen := make([]bool, len(perm))
	next := make([]interface{}, len(perm))
	for p, from := range perm {
		if from < 0 || from >= len(l.items) {
			return fmt.Errorf("ordmap: permutation index %d out of range", from)
		}
		if seen[from] {
			return fmt.Errorf("ordmap: permutation index %d repeated", from)
		}
		seen[from] = true
		next[p] = l.items[from]
	}
	l.items = next
	return nil
}

// Range calls fn for each element in order until fn returns false.
func (l *List) Range(fn func(i int, value interface{}) bool) {
	for i, v := range l.items {
		if !fn(i, v) {
			return
		}
	}
}

// Clone returns a deep copy.
func (l *List) Clone() *List {
	out := &List{items: make([]interface{}, len(l.items))}
	for i, v := range l.items {
		out.items[i] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a value of the kinds these containers hold.
func CloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case *Map:
		return tv.Clone()
	case *List:
		return tv.Clone()
	default:
		return v
	}
}
