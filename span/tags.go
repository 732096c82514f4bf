package span

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"
)

var (
	ErrInvalidTagName = errors.New("invalid tag name")
	ErrTagConflict    = errors.New("tag already set with a different value")

	tagNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)
)

// Tag is a single key/value pair of a span's tag bag.
type Tag struct {
	Key   string
	Value any
}

// Tags is an ordered, append-only tag bag.
//
// A key can be set once; setting it again with an equal value is a no-op and with a different value fails with ErrTagConflict.
type Tags struct {
	mu    sync.RWMutex
	order []string
	vals  map[string]any
}

func NewTags(initial ...Tag) *Tags {
	t := &Tags{vals: make(map[string]any, len(initial))}
	for _, tag := range initial {
		_ = t.Set(tag.Key, tag.Value)
	}
	return t
}

func (t *Tags) Set(key string, value any) error {
	if !tagNamePattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidTagName, key)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.vals == nil {
		t.vals = map[string]any{}
	}
	if prev, ok := t.vals[key]; ok {
		if reflect.DeepEqual(prev, value) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTagConflict, key)
	}
	t.order = append(t.order, key)
	t.vals[key] = value
	return nil
}

// SetAll sets every tag and returns the first error encountered.
func (t *Tags) SetAll(tags ...Tag) error {
	var firstErr error
	for _, tag := range tags {
		if err := t.Set(tag.Key, tag.Value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Tags) Get(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vals[key]
	return v, ok
}

func (t *Tags) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// List returns the tags in insertion order.
func (t *Tags) List() []Tag {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tags := make([]Tag, 0, len(t.order))
	for _, k := range t.order {
		tags = append(tags, Tag{Key: k, Value: t.vals[k]})
	}
	return tags
}

// Map returns a copy of the tags as a map.
func (t *Tags) Map() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := make(map[string]any, len(t.vals))
	for k, v := range t.vals {
		m[k] = v
	}
	return m
}

// Reset removes every tag and then sets keep.
func (t *Tags) Reset(keep ...Tag) {
	t.mu.Lock()
	t.order = t.order[:0]
	t.vals = make(map[string]any, len(keep))
	t.mu.Unlock()
	for _, tag := range keep {
		_ = t.Set(tag.Key, tag.Value)
	}
}
