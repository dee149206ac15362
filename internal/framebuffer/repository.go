package framebuffer

import (
	"sync"

	"github.com/e7canasta/navlink/internal/types"
)

// Repository holds the latest known pose for each transform name. The
// sender refreshes it from every frame before packing client messages, so
// lookups always reflect the frame being broadcast.
type Repository struct {
	mu      sync.RWMutex
	entries map[string]repositoryEntry
}

type repositoryEntry struct {
	matrix types.Matrix
	status types.ToolStatus
}

// NewRepository creates an empty transform repository.
func NewRepository() *Repository {
	return &Repository{entries: make(map[string]repositoryEntry)}
}

// SetTransforms updates the repository from a tracked frame.
func (r *Repository) SetTransforms(frame *types.TrackedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range frame.Transforms {
		r.entries[t.Name] = repositoryEntry{matrix: t.Matrix, status: t.Status}
	}
}

// Lookup returns the latest pose for a transform name.
func (r *Repository) Lookup(name string) (types.Matrix, types.ToolStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return types.Identity(), types.ToolMissing, false
	}
	return e.matrix, e.status, true
}
