package sim

import (
	"fmt"
	"sync"
)

// EntityID identifies a firmware instance, a radio instance, or an agent
// within a run. IDs are assigned at topology build time and never reused.
type EntityID uint64

func (id EntityID) String() string {
	return fmt.Sprintf("entity:%d", uint64(id))
}

// EntityNames resolves entity IDs to human-readable names for diagnostics.
// Registration happens at topology build time; lookups may come from the
// watchdog goroutine while the run is in progress.
type EntityNames struct {
	mu    sync.RWMutex
	names map[EntityID]string
}

// NewEntityNames creates an empty registry.
func NewEntityNames() *EntityNames {
	return &EntityNames{names: make(map[EntityID]string)}
}

// Register associates a name with an entity ID.
func (n *EntityNames) Register(id EntityID, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names[id] = name
}

// Lookup returns the registered name, or a numeric placeholder when the
// entity was never registered.
func (n *EntityNames) Lookup(id EntityID) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if name, ok := n.names[id]; ok {
		return name
	}
	return id.String()
}
