// Package reimburse periodically claims the gas reimbursement the lottery
// contract owes the relayer and resolves purchases whose confirmation timed out.
package reimburse

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/chain"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ledger"
	"github.com/0gfoundation/0g-lottery-relayer/internal/metrics"
	"github.com/0gfoundation/0g-lottery-relayer/internal/nonce"
)

// ErrRunning is returned when a run is already in progress.
var ErrRunning = errors.New("reconciliation already running")

const (
	pendingBatch = 100
	// maxPendingPages bounds one run's sweep of timed-out purchases.
	maxPendingPages = 50
)

// Chain is what the reconciler needs from chain.Client.
type Chain interface {
	PendingReimbursement(ctx context.Context) (*big.Int, error)
	PrepareClaim(ctx context.Context) (*chain.Call, error)
	Send(ctx context.Context, relayerNonce uint64, call *chain.Call) (*chain.Outcome, error)
	Lookup(ctx context.Context, hash common.Hash) (*chain.Outcome, error)
	ConfirmedNonce(ctx context.Context) (uint64, error)
}

// Nonces is what the reconciler needs from nonce.Manager.
type Nonces interface {
	Reserve(ctx context.Context) (uint64, error)
	Release(n uint64, outcome nonce.Outcome)
}

// Report summarizes one run.
type Report struct {
	Pending  *big.Int    `json:"pendingWei"`
	Claimed  bool        `json:"claimed"`
	Status   string      `json:"status,omitempty"`
	TxHash   common.Hash `json:"txHash"`
	Resolved int         `json:"resolvedPurchases"`
}

type Reconciler struct {
	chain     Chain
	nonces    Nonces
	ledger    ledger.Ledger
	threshold *big.Int
	log       *zap.Logger

	mu sync.Mutex
}

func NewReconciler(c Chain, n Nonces, l ledger.Ledger, threshold *big.Int, log *zap.Logger) *Reconciler {
	if threshold == nil {
		threshold = new(big.Int)
	}
	return &Reconciler{chain: c, nonces: n, ledger: l, threshold: threshold, log: log}
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("reimbursement reconciler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reimbursement reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) {
				r.log.Error("reconciler: run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce resolves timed-out purchases, then claims the pending
// reimbursement if it has reached the threshold. Runs never overlap.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunning
	}
	defer r.mu.Unlock()

	rep := &Report{Resolved: r.resolvePending(ctx)}

	pending, err := r.chain.PendingReimbursement(ctx)
	if err != nil {
		metrics.ReimbursementRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("read pending reimbursement: %w", err)
	}
	rep.Pending = pending

	if pending.Sign() == 0 || pending.Cmp(r.threshold) < 0 {
		r.log.Info("reconciler: below threshold, skipping claim",
			zap.String("pending_wei", pending.String()),
			zap.String("threshold_wei", r.threshold.String()))
		metrics.ReimbursementRuns.WithLabelValues("skipped").Inc()
		return rep, nil
	}

	call, err := r.chain.PrepareClaim(ctx)
	if err != nil {
		metrics.ReimbursementRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("prepare claim: %w", err)
	}

	n, err := r.nonces.Reserve(ctx)
	if err != nil {
		metrics.ReimbursementRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("reserve relayer nonce: %w", err)
	}
	log := r.log.With(zap.Uint64("relayer_nonce", n), zap.String("pending_wei", pending.String()))

	out, err := r.chain.Send(ctx, n, call)
	if err != nil {
		if errors.Is(err, chain.ErrNonceTooLow) {
			r.nonces.Release(n, nonce.Unknown)
		} else {
			r.nonces.Release(n, nonce.Unused)
		}
		metrics.ReimbursementRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("claim reimbursement: %w", err)
	}

	rep.Claimed = true
	rep.Status = out.Status.String()
	rep.TxHash = out.TxHash
	log = log.With(zap.String("tx", out.TxHash.Hex()))

	switch out.Status {
	case chain.Confirmed:
		r.nonces.Release(n, nonce.Consumed)
		f, _ := new(big.Float).SetInt(pending).Float64()
		metrics.ReimbursementClaimedWei.Add(f)
		log.Info("reimbursement claimed")
	case chain.Reverted:
		r.nonces.Release(n, nonce.Consumed)
		log.Error("reimbursement claim reverted", zap.Bool("alert", true), zap.String("reason", out.Reason))
	default:
		// Not retried here; the next run sees whatever is still pending.
		r.nonces.Release(n, nonce.Unknown)
		log.Warn("reimbursement claim not confirmed in time")
	}
	metrics.ReimbursementRuns.WithLabelValues(out.Status.String()).Inc()
	return rep, nil
}

// resolvePending re-checks purchases recorded as timed out and stores their
// real outcome once the chain knows it. A purchase the node has no receipt
// for is marked dropped once the confirmed relayer nonce has passed its own.
// Returns the number resolved.
func (r *Reconciler) resolvePending(ctx context.Context) int {
	// Read before any lookup: a transaction mined after this read is found
	// by its receipt, never mistaken for dropped.
	confirmed, err := r.chain.ConfirmedNonce(ctx)
	haveConfirmed := err == nil
	if err != nil {
		r.log.Warn("reconciler: confirmed nonce unavailable, not marking drops", zap.Error(err))
	}

	resolved := 0
	var after *ledger.Cursor
	for page := 0; page < maxPendingPages; page++ {
		recs, err := r.ledger.PendingRecords(ctx, after, pendingBatch)
		if err != nil {
			r.log.Error("reconciler: list pending purchases", zap.Error(err))
			return resolved
		}
		for _, rec := range recs {
			if r.resolve(ctx, rec, confirmed, haveConfirmed) {
				resolved++
			}
		}
		if len(recs) < pendingBatch {
			return resolved
		}
		after = ledger.After(recs[len(recs)-1])
	}
	r.log.Warn("reconciler: pending sweep truncated", zap.Int("pages", maxPendingPages))
	return resolved
}

func (r *Reconciler) resolve(ctx context.Context, rec ledger.Record, confirmed uint64, haveConfirmed bool) bool {
	log := r.log.With(zap.String("tx", rec.TxHash.Hex()), zap.String("signer", rec.Signer.Hex()))

	out, err := r.chain.Lookup(ctx, rec.TxHash)
	if err != nil {
		log.Warn("reconciler: lookup purchase", zap.Error(err))
		return false
	}

	outcome := out.Status.String()
	if out.Status == chain.TimedOut {
		if !haveConfirmed || rec.RelayerNonce == nil || *rec.RelayerNonce >= confirmed {
			return false
		}
		outcome = ledger.OutcomeDropped
	}

	if err := r.ledger.UpdateOutcome(ctx, rec.TxHash, outcome, out.TicketID); err != nil {
		log.Error("reconciler: update purchase", zap.Error(err))
		return false
	}
	log.Info("reconciler: purchase resolved", zap.String("outcome", outcome))
	return true
}
