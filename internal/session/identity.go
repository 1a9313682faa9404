package session

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vietddude/gwcore/internal/core/domain"
)

// Allocator produces collision-free client identities. The gateway keys
// sessions by numeric client ID; a stale ID colliding with a live one
// silently steals the session, so numbers are never reused in-process.
type Allocator struct {
	base    int32
	counter atomic.Int32
}

// NewAllocator creates an allocator starting above the given base.
// Different deployments against the same gateway get different bases.
func NewAllocator(base int32) *Allocator {
	return &Allocator{base: base}
}

// Next returns a fresh identity. Safe for concurrent use.
func (a *Allocator) Next() domain.ClientIdentity {
	n := a.counter.Add(1)
	return domain.ClientIdentity{
		Num:   a.base + n,
		Nonce: uuid.NewString(),
	}
}
