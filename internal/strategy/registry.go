package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// LayerInfo holds runtime info for a registered layer (for status APIs).
type LayerInfo struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"` // "pending", "running", "stopped"
	Cadence      string     `json:"cadence"`
	Passes       int64      `json:"passes"`
	Proposed     int64      `json:"proposed"`
	Dropped      int64      `json:"dropped"`
	ErrorCount   int64      `json:"error_count"`
	LastPass     *time.Time `json:"last_pass,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastAccepted int        `json:"last_accepted"`
}

// Registry manages the named strategy layers. It is safe for concurrent use.
type Registry struct {
	layers map[string]Layer
	mu     sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]Layer)}
}

// Register adds a layer. Registering an existing id is an error.
func (r *Registry) Register(l Layer) error {
	if l.ID == "" {
		return fmt.Errorf("strategy: layer id must not be empty")
	}
	if l.Scorer == nil {
		return fmt.Errorf("strategy: layer %q has no scorer", l.ID)
	}
	if l.Cadence <= 0 {
		return fmt.Errorf("strategy: layer %q cadence must be positive", l.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.layers[l.ID]; ok {
		return fmt.Errorf("strategy: layer %q already registered", l.ID)
	}
	r.layers[l.ID] = l
	return nil
}

// Get retrieves a layer by id.
func (r *Registry) Get(id string) (Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.layers[id]
	if !ok {
		return Layer{}, fmt.Errorf("strategy: layer %q: not registered", id)
	}
	return l, nil
}

// List returns the ids of all registered layers in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.layers))
	for id := range r.layers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
