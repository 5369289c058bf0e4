// Package relay turns a buyer-signed purchase intent into an on-chain ticket
// purchase paid for by the relayer.
package relay

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/auth"
	"github.com/0gfoundation/0g-lottery-relayer/internal/chain"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ledger"
	"github.com/0gfoundation/0g-lottery-relayer/internal/lock"
	"github.com/0gfoundation/0g-lottery-relayer/internal/metrics"
	"github.com/0gfoundation/0g-lottery-relayer/internal/nonce"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ratelimit"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

// Chain is what the service needs from chain.Client.
type Chain interface {
	SignerNonce(ctx context.Context, buyer common.Address) (*big.Int, error)
	Balance(ctx context.Context) (*big.Int, error)
	PrepareBuyTicket(ctx context.Context, in *ticket.Intent) (*chain.Call, error)
	Send(ctx context.Context, relayerNonce uint64, call *chain.Call) (*chain.Outcome, error)
}

// Nonces is what the service needs from nonce.Manager.
type Nonces interface {
	Reserve(ctx context.Context) (uint64, error)
	Release(n uint64, outcome nonce.Outcome)
}

// recordTimeout bounds the ledger write that follows a submission.
const recordTimeout = 10 * time.Second

type Config struct {
	Domain ticket.Domain
	Policy ticket.Policy
	// LockTTL bounds the whole post-lock pipeline; it must exceed the chain
	// confirmation timeout.
	LockTTL time.Duration
	// MinRelayerBalance is the native balance below which purchases are
	// refused as CHAIN_UNAVAILABLE. Nil or zero disables the check.
	MinRelayerBalance *big.Int
}

// Deps are the service's collaborators. IPLimiter may be nil.
type Deps struct {
	SignerLimiter ratelimit.Limiter
	IPLimiter     ratelimit.Limiter
	Locker        lock.Locker
	Chain         Chain
	Nonces        Nonces
	Ledger        ledger.Ledger
}

// Request is one purchase call from the HTTP boundary.
type Request struct {
	Intent   *ticket.Intent
	ClientIP string
}

// Result is returned for confirmed purchases.
type Result struct {
	TxHash       common.Hash
	TicketID     *big.Int
	RelayerNonce uint64
	Session      *Session
}

type Service struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	// observe, when set, sees every finished session.
	observe func(*Session)
}

func NewService(cfg Config, deps Deps, log *zap.Logger) *Service {
	return &Service{cfg: cfg, deps: deps, log: log, now: time.Now}
}

// Purchase runs the relay state machine for one request. The returned error
// is always a *Error.
//
// Everything after the lock is acquired runs on a context detached from ctx:
// a client that hangs up does not abandon a transaction that already costs
// gas. That context is bounded by LockTTL.
func (s *Service) Purchase(ctx context.Context, req Request) (*Result, error) {
	sess := newSession(req.Intent, req.ClientIP, s.now())
	res, rerr := s.run(ctx, sess)
	sess.Err = rerr
	sess.advance(StateTerminal)
	s.finish(sess)
	if rerr != nil {
		return nil, rerr
	}
	res.Session = sess
	return res, nil
}

func (s *Service) run(ctx context.Context, sess *Session) (*Result, *Error) {
	in := sess.Intent
	log := s.log.With(zap.String("session", sess.ID))

	if err := ticket.Validate(in, s.cfg.Policy, s.now()); err != nil {
		return nil, newError(KindMalformed, err.Error(), err)
	}
	sess.advance(StateValidated)

	signer, err := auth.RecoverTypedData(ticket.TypedData(in, s.cfg.Domain), in.Signature)
	if err != nil || signer != in.Buyer {
		log.Warn("purchase signature rejected",
			zap.Bool("security_event", true),
			zap.String("claimed_signer", in.Buyer.Hex()),
			zap.String("recovered", signer.Hex()),
			zap.String("ip", sess.ClientIP),
			zap.Error(err))
		return nil, newError(KindInvalidSignature, "signature does not match signer", err)
	}
	sess.Signer = signer
	sess.advance(StateSignatureVerified)
	log = log.With(zap.String("signer", signer.Hex()), zap.String("signer_nonce", in.Nonce.String()))

	if rerr := s.admit(ctx, sess, log); rerr != nil {
		return nil, rerr
	}
	sess.advance(StateRateLimitChecked)

	sess.LockKey = lock.Key(signer.Hex())
	token, err := s.deps.Locker.Acquire(ctx, sess.LockKey, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrBusy) {
		return nil, newError(KindAlreadyProcessing, "a purchase for this signer is already in progress", err)
	}
	if err != nil {
		log.Error("lock acquire failed", zap.Error(err))
		return nil, newError(KindInternal, "lock store unavailable", err)
	}
	sess.LockToken = token
	sess.advance(StateLockAcquired)

	relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LockTTL)
	defer cancel()
	defer s.releaseLock(relayCtx, sess, log)

	return s.relay(relayCtx, sess, log)
}

// admit applies the per-signer and per-IP budgets. A limiter store failure
// is logged and the request admitted; the lock still serializes the signer.
func (s *Service) admit(ctx context.Context, sess *Session, log *zap.Logger) *Error {
	check := func(l ratelimit.Limiter, identity string) *Error {
		err := l.Admit(ctx, identity, s.now())
		var denied *ratelimit.DeniedError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &denied):
			return &Error{Kind: KindRateLimited, Msg: "too many requests", RetryAfter: denied.RetryAfter, Err: err}
		default:
			log.Warn("rate limiter unavailable, admitting", zap.String("identity", identity), zap.Error(err))
			return nil
		}
	}
	if rerr := check(s.deps.SignerLimiter, "signer:"+sess.Signer.Hex()); rerr != nil {
		return rerr
	}
	if s.deps.IPLimiter != nil && sess.ClientIP != "" {
		return check(s.deps.IPLimiter, "ip:"+sess.ClientIP)
	}
	return nil
}

// relay runs the locked part of the pipeline: replay checks, gas
// estimation, nonce reservation, submission, and ledger recording.
func (s *Service) relay(ctx context.Context, sess *Session, log *zap.Logger) (*Result, *Error) {
	in := sess.Intent

	recorded, err := s.deps.Chain.SignerNonce(ctx, sess.Signer)
	if err != nil {
		return nil, newError(KindChainUnavailable, "could not read signer nonce", err)
	}
	if recorded.Cmp(in.Nonce) >= 0 {
		log.Info("replay rejected", zap.String("chain_nonce", recorded.String()))
		return nil, newError(KindReplayDetected, "nonce already used", nil)
	}
	if hash, ok := s.unresolved(ctx, sess, log); ok {
		log.Info("earlier transaction for this nonce still pending", zap.String("pending_tx", hash.Hex()))
		return nil, &Error{Kind: KindAlreadyProcessing, Msg: "an earlier transaction for this nonce is still pending", TxHash: hash.Hex()}
	}
	sess.advance(StateReplayChecked)

	if rerr := s.checkBalance(ctx, log); rerr != nil {
		return nil, rerr
	}

	// Estimate before reserving: a call that reverts never holds a nonce
	// other signers are queued behind.
	call, err := s.deps.Chain.PrepareBuyTicket(ctx, in)
	if err != nil {
		log.Warn("purchase not submitted", zap.Error(err))
		return nil, notSubmitted(err)
	}

	n, err := s.deps.Nonces.Reserve(ctx)
	if err != nil {
		return nil, newError(KindChainUnavailable, "could not reserve relayer nonce", err)
	}
	sess.RelayerNonce = &n
	sess.advance(StateNonceReserved)
	log = log.With(zap.Uint64("relayer_nonce", n))

	out, err := s.deps.Chain.Send(ctx, n, call)
	if err != nil {
		if errors.Is(err, chain.ErrNonceTooLow) {
			s.deps.Nonces.Release(n, nonce.Unknown)
		} else {
			s.deps.Nonces.Release(n, nonce.Unused)
		}
		log.Warn("purchase not submitted", zap.Error(err))
		return nil, notSubmitted(err)
	}
	sess.TxHash = out.TxHash
	sess.advance(StateSubmitted)
	log = log.With(zap.String("tx", out.TxHash.Hex()))

	switch out.Status {
	case chain.Confirmed:
		s.deps.Nonces.Release(n, nonce.Consumed)
		sess.TicketID = out.TicketID
		sess.advance(StateConfirmed)
	case chain.Reverted:
		s.deps.Nonces.Release(n, nonce.Consumed)
		sess.advance(StateReverted)
	default:
		s.deps.Nonces.Release(n, nonce.Unknown)
		sess.advance(StateTimedOut)
	}

	s.record(ctx, sess, out, log)

	switch out.Status {
	case chain.Confirmed:
		log.Info("ticket purchased", zap.Stringer("ticket_id", out.TicketID))
		return &Result{TxHash: out.TxHash, TicketID: out.TicketID, RelayerNonce: n}, nil
	case chain.Reverted:
		log.Warn("purchase reverted", zap.String("reason", out.Reason))
		return nil, &Error{Kind: KindReverted, Msg: out.Reason, TxHash: out.TxHash.Hex()}
	default:
		log.Error("purchase confirmation timed out; outcome unknown")
		return nil, &Error{Kind: KindTimedOut, Msg: "transaction submitted but not confirmed", TxHash: out.TxHash.Hex()}
	}
}

// checkBalance refuses to spend gas the relayer does not have.
func (s *Service) checkBalance(ctx context.Context, log *zap.Logger) *Error {
	floor := s.cfg.MinRelayerBalance
	if floor == nil || floor.Sign() == 0 {
		return nil
	}
	bal, err := s.deps.Chain.Balance(ctx)
	if err != nil {
		return newError(KindChainUnavailable, "could not read relayer balance", err)
	}
	metrics.RelayerBalanceWei.Set(weiFloat(bal))
	if bal.Cmp(floor) < 0 {
		log.Error("relayer balance below minimum",
			zap.Bool("alert", true),
			zap.String("balance_wei", bal.String()),
			zap.String("min_wei", floor.String()))
		return newError(KindChainUnavailable, "relayer temporarily unable to pay gas", nil)
	}
	return nil
}

// unresolved reports a timed-out transaction already relayed for this signer
// nonce. A ledger failure is logged and treated as none; the chain check has
// already passed.
func (s *Service) unresolved(ctx context.Context, sess *Session, log *zap.Logger) (common.Hash, bool) {
	hash, ok, err := s.deps.Ledger.UnresolvedTx(ctx, sess.Signer, sess.Intent.Nonce)
	if err != nil {
		log.Warn("ledger unavailable for pending check", zap.Error(err))
		return common.Hash{}, false
	}
	return hash, ok
}

func notSubmitted(err error) *Error {
	if errors.Is(err, chain.ErrWouldRevert) {
		return newError(KindReverted, "contract rejected the purchase", err)
	}
	return newError(KindChainUnavailable, "transaction not submitted", err)
}

// record writes the terminal outcome to the ledger before the caller sees it.
// It gets its own deadline: the relay context may already be spent waiting
// for the receipt.
func (s *Service) record(ctx context.Context, sess *Session, out *chain.Outcome, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	in := sess.Intent
	seen, err := s.deps.Ledger.HasRecordedTx(ctx, out.TxHash)
	if err != nil {
		log.Error("ledger lookup failed", zap.Error(err))
	}
	if seen {
		return
	}
	err = s.deps.Ledger.RecordTicket(ctx, ledger.Record{
		TxHash:       out.TxHash,
		Signer:       sess.Signer,
		Numbers:      in.Numbers,
		PowerNumber:  in.PowerNumber,
		SignerNonce:  in.Nonce,
		RelayerNonce: sess.RelayerNonce,
		TicketID:     out.TicketID,
		Outcome:      out.Status.String(),
	})
	if err != nil {
		log.Error("ledger write failed",
			zap.Bool("alert", true),
			zap.String("outcome", out.Status.String()),
			zap.Ints("numbers", in.Numbers),
			zap.Int("power_number", in.PowerNumber),
			zap.Error(err))
	}
}

func (s *Service) releaseLock(ctx context.Context, sess *Session, log *zap.Logger) {
	ok, err := s.deps.Locker.Release(ctx, sess.LockKey, sess.LockToken)
	switch {
	case err != nil:
		log.Error("lock release failed", zap.Error(err))
	case !ok:
		log.Warn("lock expired before release")
	}
	sess.advance(StateLockReleased)
}

func (s *Service) finish(sess *Session) {
	outcome := sess.Outcome()
	metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
	metrics.RelayLatency.WithLabelValues(outcome).Observe(s.now().Sub(sess.Started).Seconds())
	if s.observe != nil {
		s.observe(sess)
	}
}

func weiFloat(n *big.Int) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}
