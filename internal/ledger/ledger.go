// Package ledger durably records the terminal outcome of every purchase that
// reached the chain.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome values stored with each record. They match chain.Status strings.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeReverted  = "reverted"
	OutcomeTimedOut  = "timed_out"
	// OutcomeDropped marks a timed-out transaction whose relayer nonce the
	// chain has moved past without ever mining it.
	OutcomeDropped = "dropped"
)

var ErrNotFound = errors.New("ledger record not found")

// Record is one relayed purchase.
type Record struct {
	TxHash      common.Hash
	Signer      common.Address
	Numbers     []int
	PowerNumber int
	SignerNonce *big.Int
	// RelayerNonce is the relayer account nonce the transaction was sent
	// with. Nil for records written before it was tracked.
	RelayerNonce *uint64
	TicketID     *big.Int // nil until known
	Outcome      string
	CreatedAt    time.Time
}

// Cursor is a position in the pending-record order (created_at, tx_hash).
type Cursor struct {
	CreatedAt time.Time
	TxHash    common.Hash
}

// After returns the cursor positioned just past r.
func After(r Record) *Cursor {
	return &Cursor{CreatedAt: r.CreatedAt, TxHash: r.TxHash}
}

// Ledger is the relational store collaborator.
type Ledger interface {
	// RecordTicket stores r. Recording the same tx hash twice is a no-op.
	RecordTicket(ctx context.Context, r Record) error
	HasRecordedTx(ctx context.Context, txHash common.Hash) (bool, error)
	// PendingRecords lists up to limit timed-out records strictly after the
	// cursor, oldest first. A nil cursor starts from the beginning.
	PendingRecords(ctx context.Context, after *Cursor, limit int) ([]Record, error)
	// UnresolvedTx returns the timed-out transaction relayed for signer at
	// signerNonce, if one is still unresolved.
	UnresolvedTx(ctx context.Context, signer common.Address, signerNonce *big.Int) (common.Hash, bool, error)
	// UpdateOutcome resolves a record once its transaction's fate is known.
	UpdateOutcome(ctx context.Context, txHash common.Hash, outcome string, ticketID *big.Int) error
}

// ── Memory ────────────────────────────────────────────────────────────────────

// Memory is an in-process Ledger for single-node deployments and tests.
type Memory struct {
	mu      sync.Mutex
	records map[common.Hash]*Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[common.Hash]*Record), now: time.Now}
}

func (m *Memory) RecordTicket(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.TxHash]; ok {
		return nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	r.Numbers = append([]int(nil), r.Numbers...)
	if r.RelayerNonce != nil {
		n := *r.RelayerNonce
		r.RelayerNonce = &n
	}
	m.records[r.TxHash] = &r
	return nil
}

func (m *Memory) HasRecordedTx(_ context.Context, txHash common.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[txHash]
	return ok, nil
}

func (m *Memory) PendingRecords(_ context.Context, after *Cursor, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Outcome == OutcomeTimedOut && (after == nil || after.before(r)) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return After(out[i]).before(&out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UnresolvedTx(_ context.Context, signer common.Address, signerNonce *big.Int) (common.Hash, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Outcome == OutcomeTimedOut && r.Signer == signer && r.SignerNonce != nil && r.SignerNonce.Cmp(signerNonce) == 0 {
			return r.TxHash, true, nil
		}
	}
	return common.Hash{}, false, nil
}

// before reports whether c sorts strictly before r.
func (c *Cursor) before(r *Record) bool {
	if !c.CreatedAt.Equal(r.CreatedAt) {
		return c.CreatedAt.Before(r.CreatedAt)
	}
	return c.TxHash.Hex() < r.TxHash.Hex()
}

func (m *Memory) UpdateOutcome(_ context.Context, txHash common.Hash, outcome string, ticketID *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[txHash]
	if !ok {
		return ErrNotFound
	}
	r.Outcome = outcome
	if ticketID != nil {
		r.TicketID = new(big.Int).Set(ticketID)
	}
	return nil
}

// Get returns a copy of the record for txHash.
func (m *Memory) Get(txHash common.Hash) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[txHash]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Len returns the number of records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
