// Package nonce sequences the relayer account's transaction nonces across
// concurrent submitters.
package nonce

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/metrics"
)

// Source reports the chain's view of the relayer account.
type Source interface {
	ConfirmedNonce(ctx context.Context) (uint64, error)
	PendingNonce(ctx context.Context) (uint64, error)
}

// Outcome tells the manager what happened to a reserved nonce.
type Outcome int

const (
	// Consumed: the transaction was mined (confirmed or reverted).
	Consumed Outcome = iota
	// Unused: the transaction never reached the node.
	Unused
	// Unknown: the transaction may or may not be in the mempool, or the node
	// reported our counter as stale. Forces a resync before the next reserve.
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Consumed:
		return "consumed"
	case Unused:
		return "unused"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Manager hands out relayer nonces. Reservation is a single critical
// section; a pending resync runs inside it, so reservations queue behind it.
type Manager struct {
	src Source
	log *zap.Logger

	mu       sync.Mutex
	synced   bool
	next     uint64
	free     uint64Heap
	inflight map[uint64]struct{}
}

func NewManager(src Source, log *zap.Logger) *Manager {
	return &Manager{src: src, log: log, inflight: make(map[uint64]struct{})}
}

// Reserve returns a nonce no other caller holds. Returned-unused nonces are
// handed out first, lowest first, so gaps close quickly.
func (m *Manager) Reserve(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced {
		if err := m.sync(ctx); err != nil {
			return 0, err
		}
	}

	var n uint64
	if m.free.Len() > 0 {
		n = heap.Pop(&m.free).(uint64)
	} else {
		n = m.next
		m.next++
	}
	m.inflight[n] = struct{}{}
	return n, nil
}

// Release reports the fate of a reserved nonce.
func (m *Manager) Release(n uint64, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[n]; !ok {
		m.log.Warn("release of nonce not in flight", zap.Uint64("relayer_nonce", n), zap.Stringer("outcome", outcome))
		return
	}
	delete(m.inflight, n)

	switch outcome {
	case Consumed:
	case Unused:
		heap.Push(&m.free, n)
	case Unknown:
		m.synced = false
	}
}

// Sync forces a reconciliation against the chain now.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sync(ctx)
}

// sync recomputes next from the chain. Caller holds mu.
//
// The chain-authoritative next nonce is the larger of the confirmed and
// pending counts. Nonces still in flight locally are never handed out again,
// so next is at least one past the highest of them. Every nonce between the
// authoritative count and next that is not in flight is a gap the chain does
// not know about and becomes free again; everything below the authoritative
// count was consumed.
func (m *Manager) sync(ctx context.Context) error {
	confirmed, err := m.src.ConfirmedNonce(ctx)
	if err != nil {
		return fmt.Errorf("nonce sync: %w", err)
	}
	pending, err := m.src.PendingNonce(ctx)
	if err != nil {
		return fmt.Errorf("nonce sync: %w", err)
	}

	auth := max(confirmed, pending)
	next := auth
	for n := range m.inflight {
		if n+1 > next {
			next = n + 1
		}
	}

	m.free = m.free[:0]
	for n := auth; n < next; n++ {
		if _, busy := m.inflight[n]; !busy {
			m.free = append(m.free, n)
		}
	}
	heap.Init(&m.free)

	if m.synced || m.next != 0 {
		drift := int64(next) - int64(m.next)
		metrics.NonceDrift.Set(float64(drift))
		if drift != 0 {
			m.log.Warn("relayer nonce drift corrected",
				zap.Uint64("local_next", m.next),
				zap.Uint64("chain_next", next),
				zap.Int64("drift", drift))
		}
	}
	metrics.NonceResyncs.Inc()

	m.next = next
	m.synced = true
	m.log.Info("relayer nonce synced",
		zap.Uint64("confirmed", confirmed),
		zap.Uint64("pending", pending),
		zap.Uint64("next", next),
		zap.Int("inflight", len(m.inflight)),
		zap.Int("free", m.free.Len()))
	return nil
}

// Snapshot reports the manager's counters.
func (m *Manager) Snapshot() (next uint64, inflight, free int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next, len(m.inflight), m.free.Len()
}

// uint64Heap is a min-heap of returned nonces.
type uint64Heap []uint64

func (h uint64Heap) Len() int           { return len(h) }
func (h uint64Heap) Less(i, j int) bool { return h[i] < h[j] }
func (h uint64Heap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *uint64Heap) Push(x any)        { *h = append(*h, x.(uint64)) }
func (h *uint64Heap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}
