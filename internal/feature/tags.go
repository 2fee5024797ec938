package feature

import "sort"

// Tag is a single key/value pair
type Tag struct {
	Key   string
	Value string
}

// Tags is an ordered tag list. Order is preserved so serialization is deterministic;
// keys are expected to be unique.
type Tags []Tag

// TagsFromMap builds a tag list from a map, sorted by key
func TagsFromMap(m map[string]string) Tags {
	if len(m) == 0 {
		return nil
	}
	tags := make(Tags, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}

// Get returns the value for key and whether it is present
func (t Tags) Get(key string) (string, bool) {
	for _, tag := range t {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Find returns the value for key, or "" if absent
func (t Tags) Find(key string) string {
	v, _ := t.Get(key)
	return v
}

// Has reports whether key is present
func (t Tags) Has(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Set returns the list with key set to value. Existing keys keep their position,
// new keys are appended.
func (t Tags) Set(key, value string) Tags {
	for i := range t {
		if t[i].Key == key {
			t[i].Value = value
			return t
		}
	}
	return append(t, Tag{Key: key, Value: value})
}

// Map returns the tags as a map
func (t Tags) Map() map[string]string {
	m := make(map[string]string, len(t))
	for _, tag := range t {
		m[tag.Key] = tag.Value
	}
	return m
}

// Clone returns a copy that can be modified independently
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	return append(make(Tags, 0, len(t)), t...)
}

// Equal compares two tag sets ignoring order
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	m := t.Map()
	for _, tag := range other {
		if v, ok := m[tag.Key]; !ok || v != tag.Value {
			return false
		}
	}
	return true
}
