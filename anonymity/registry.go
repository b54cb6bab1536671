package anonymity

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
)

// Registry tracks which anonymous identifiers have been consumed within
// each experiment's scope.
type Registry interface {
	// Reserve atomically checks and consumes an identifier. It returns
	// false, leaving state unchanged, if the identifier was already
	// reserved for this experiment.
	Reserve(ctx context.Context, experimentID uint32, anonymousID [32]byte) (bool, error)

	// IsAvailable reports whether an identifier is still unused for this
	// experiment. Pure read.
	IsAvailable(ctx context.Context, experimentID uint32, anonymousID [32]byte) (bool, error)
}

// reservationKey scopes an identifier to one experiment.
func reservationKey(experimentID uint32, anonymousID [32]byte) string {
	return fmt.Sprintf("%d/%s", experimentID, hex.EncodeToString(anonymousID[:]))
}

// MemoryRegistry is an in-process Registry for single-instance deployments
// and tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	reserved map[string]bool
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		reserved: make(map[string]bool),
	}
}

// Reserve atomically consumes an identifier within an experiment's scope.
func (r *MemoryRegistry) Reserve(ctx context.Context, experimentID uint32, anonymousID [32]byte) (bool, error) {
	key := reservationKey(experimentID, anonymousID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reserved[key] {
		return false, nil
	}
	r.reserved[key] = true
	return true, nil
}

// IsAvailable reports whether an identifier is still unused.
func (r *MemoryRegistry) IsAvailable(ctx context.Context, experimentID uint32, anonymousID [32]byte) (bool, error) {
	key := reservationKey(experimentID, anonymousID)

	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.reserved[key], nil
}

// Count returns the number of reservations held. Intended for tests.
func (r *MemoryRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reserved)
}
