package persona

import "strings"

// Store exposes identity lookup to the prompt builder, fallback selector and
// HTTP handlers.
type Store interface {
	List() []Identity
	FindByKey(key string) (Identity, bool)
}

// MemoryStore implements Store with an immutable in-memory slice.
type MemoryStore struct {
	items []Identity
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied identities.
func NewMemoryStore(items []Identity) *MemoryStore {
	return &MemoryStore{items: append([]Identity(nil), items...)}
}

// List returns the configured identities in declaration order.
func (s *MemoryStore) List() []Identity {
	return append([]Identity(nil), s.items...)
}

// FindByKey looks up an identity by key, case-insensitively.
func (s *MemoryStore) FindByKey(key string) (Identity, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return Identity{}, false
	}
	for _, item := range s.items {
		if strings.ToLower(item.Key) == key {
			return item, true
		}
	}
	return Identity{}, false
}
