package chain

import (
	"context"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PendingNoncer reads the pending nonce of an account.
type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for one signer on one chain.
//
// The counter is seeded from the pending nonce and never moves backwards past
// a nonce that may already be persisted on a payouts batch. Released nonces
// below the counter are handed out again, lowest first, so an abandoned
// reservation does not leave a gap that blocks later transactions.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu       sync.Mutex
	next     uint64
	have     bool
	released []uint64
}

// NewNonceManager creates a manager for addr.
func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

// Next returns the lowest released nonce, or the counter which it then increments.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}
	if len(m.released) > 0 {
		n := m.released[0]
		m.released = m.released[1:]
		return n, nil
	}
	n := m.next
	m.next++
	return n, nil
}

// Sync moves the counter forward to the pending nonce. It never decreases it.
// Released nonces the chain has already consumed are dropped.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n > m.next {
		m.next = n
		m.have = true
	}
	m.released = slices.DeleteFunc(m.released, func(r uint64) bool { return r < n })
	return n, nil
}

// Release hands back n, a reserved nonce that was never broadcast.
func (m *NonceManager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n >= m.next {
		return
	}
	if n == m.next-1 {
		m.next = n
		for len(m.released) > 0 && m.released[len(m.released)-1] == m.next-1 {
			m.released = m.released[:len(m.released)-1]
			m.next--
		}
		return
	}
	i, found := slices.BinarySearch(m.released, n)
	if !found {
		m.released = slices.Insert(m.released, i, n)
	}
}
