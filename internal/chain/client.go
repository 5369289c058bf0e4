// Package chain is the relayer's view of the blockchain: contract reads,
// signed transaction submission, and classification of the result.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/keys"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

var (
	// ErrUnavailable marks RPC failures and operational conditions (such as an
	// unfunded relayer) where retrying the whole request later is safe.
	ErrUnavailable = errors.New("chain unavailable")
	// ErrNotSubmitted marks failures that happened before the transaction
	// could have reached the mempool. The relayer nonce was not consumed.
	ErrNotSubmitted = errors.New("transaction not submitted")
	// ErrWouldRevert is returned when gas estimation shows the call reverts.
	ErrWouldRevert = errors.New("call would revert")
	// ErrNonceTooLow means the node already has a transaction at this nonce;
	// the local nonce counter has drifted and must be resynced.
	ErrNonceTooLow = errors.New("relayer nonce too low")
)

// Backend is the RPC surface the client needs. *ethclient.Client and the
// simulated backend's client both satisfy it.
type Backend interface {
	bind.DeployBackend
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Status is the terminal classification of a submitted transaction.
type Status int

const (
	Confirmed Status = iota + 1
	Reverted
	// TimedOut means delivery is unknown: the transaction may still be mined.
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome describes a transaction that was handed to the node.
type Outcome struct {
	Status  Status
	TxHash  common.Hash
	Receipt *types.Receipt
	// TicketID is set for confirmed purchases that emitted TicketPurchased.
	TicketID *big.Int
	// Reason is the decoded revert reason, if any.
	Reason string
}

type Options struct {
	ChainID        *big.Int
	Contract       common.Address
	ConfirmTimeout time.Duration
	// GasLimitPct scales the node's gas estimate, e.g. 120 adds 20%.
	GasLimitPct int64
}

// Client wraps an RPC backend and the relayer account.
type Client struct {
	backend Backend
	account *keys.Account
	opts    Options
	log     *zap.Logger
}

func NewClient(backend Backend, account *keys.Account, opts Options, log *zap.Logger) *Client {
	if opts.GasLimitPct < 100 {
		opts.GasLimitPct = 100
	}
	return &Client{backend: backend, account: account, opts: opts, log: log}
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.opts.ChainID }

// ContractAddress returns the lottery contract address.
func (c *Client) ContractAddress() common.Address { return c.opts.Contract }

// RelayerAddress returns the address paying gas.
func (c *Client) RelayerAddress() common.Address { return c.account.Address }

// ── reads ─────────────────────────────────────────────────────────────────────

// SignerNonce returns the last nonce the contract recorded for buyer.
func (c *Client) SignerNonce(ctx context.Context, buyer common.Address) (*big.Int, error) {
	return c.callUint256(ctx, "nonces", buyer)
}

// PendingReimbursement returns the wei the contract owes the relayer.
func (c *Client) PendingReimbursement(ctx context.Context) (*big.Int, error) {
	return c.callUint256(ctx, "pendingReimbursement", c.account.Address)
}

// ConfirmedNonce returns the relayer's transaction count in the latest block.
func (c *Client) ConfirmedNonce(ctx context.Context) (uint64, error) {
	n, err := c.backend.NonceAt(ctx, c.account.Address, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: nonce at: %v", ErrUnavailable, err)
	}
	return n, nil
}

// PendingNonce returns the relayer's transaction count including the mempool.
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	n, err := c.backend.PendingNonceAt(ctx, c.account.Address)
	if err != nil {
		return 0, fmt.Errorf("%w: pending nonce at: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Balance returns the relayer's native balance.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	b, err := c.backend.BalanceAt(ctx, c.account.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance at: %v", ErrUnavailable, err)
	}
	return b, nil
}

// Lookup re-checks a previously submitted transaction. A transaction that is
// still unknown to the node is reported as TimedOut.
func (c *Client) Lookup(ctx context.Context, hash common.Hash) (*Outcome, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &Outcome{Status: TimedOut, TxHash: hash}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", ErrUnavailable, hash.Hex(), err)
	}
	return c.classify(receipt), nil
}

func (c *Client) callUint256(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := lotteryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := c.opts.Contract
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", ErrUnavailable, method, err)
	}
	return unpackUint256(method, out)
}

// ── writes ────────────────────────────────────────────────────────────────────

// Call is contract calldata priced and gas-estimated for the relayer. It
// carries no nonce, so preparing one never holds a relayer nonce.
type Call struct {
	data     []byte
	gas      uint64
	gasPrice *big.Int
}

// PrepareBuyTicket packs buyTicketWithSignature for in and estimates it. A
// non-nil error always wraps ErrNotSubmitted.
func (c *Client) PrepareBuyTicket(ctx context.Context, in *ticket.Intent) (*Call, error) {
	data, err := packBuyTicket(in)
	if err != nil {
		return nil, fmt.Errorf("%w: pack buyTicketWithSignature: %v", ErrNotSubmitted, err)
	}
	return c.prepare(ctx, data)
}

// PrepareClaim packs and estimates claimReimbursement.
func (c *Client) PrepareClaim(ctx context.Context) (*Call, error) {
	data, err := packClaim()
	if err != nil {
		return nil, fmt.Errorf("%w: pack claimReimbursement: %v", ErrNotSubmitted, err)
	}
	return c.prepare(ctx, data)
}

// BuyTicket prepares and sends buyTicketWithSignature for in using relayer
// nonce.
func (c *Client) BuyTicket(ctx context.Context, nonce uint64, in *ticket.Intent) (*Outcome, error) {
	call, err := c.PrepareBuyTicket(ctx, in)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, nonce, call)
}

// ClaimReimbursement prepares and sends claimReimbursement using relayer nonce.
func (c *Client) ClaimReimbursement(ctx context.Context, nonce uint64) (*Outcome, error) {
	call, err := c.PrepareClaim(ctx)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, nonce, call)
}

func (c *Client) prepare(ctx context.Context, data []byte) (*Call, error) {
	to := c.opts.Contract
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: suggest gas price: %v", ErrNotSubmitted, ErrUnavailable, err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.account.Address, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSubmitted, classifyEstimateErr(err))
	}
	return &Call{data: data, gas: gas * uint64(c.opts.GasLimitPct) / 100, gasPrice: gasPrice}, nil
}

// Send signs call with nonce, submits it, then waits up to ConfirmTimeout
// for its receipt. A non-nil error always wraps ErrNotSubmitted; once the
// node may hold the transaction the result is an Outcome.
func (c *Client) Send(ctx context.Context, nonce uint64, call *Call) (*Outcome, error) {
	to := c.opts.Contract
	from := c.account.Address
	data := call.data

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      call.gas,
		GasPrice: call.gasPrice,
		Data:     data,
	})
	signed, err := c.account.SignTx(tx, c.opts.ChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: sign tx: %v", ErrNotSubmitted, err)
	}

	hash := signed.Hash()
	log := c.log.With(zap.String("tx", hash.Hex()), zap.Uint64("relayer_nonce", nonce))

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if rejected := classifySendErr(err); rejected != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotSubmitted, rejected)
		}
		// Transport failures leave delivery unknown; fall through and wait
		// so the caller gets TimedOut rather than a false "not submitted".
		log.Warn("send transaction: delivery unknown", zap.Error(err))
	}
	log.Info("transaction submitted")

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, signed)
	if err != nil {
		log.Warn("transaction not confirmed in time", zap.Error(err))
		return &Outcome{Status: TimedOut, TxHash: hash}, nil
	}

	out := c.classify(receipt)
	if out.Status == Reverted {
		out.Reason = c.revertReason(ctx, from, data, receipt.BlockNumber)
	}
	return out, nil
}

func (c *Client) classify(r *types.Receipt) *Outcome {
	if r.Status == types.ReceiptStatusFailed {
		return &Outcome{Status: Reverted, TxHash: r.TxHash, Receipt: r, Reason: "execution reverted"}
	}
	return &Outcome{
		Status:   Confirmed,
		TxHash:   r.TxHash,
		Receipt:  r,
		TicketID: ticketIDFromReceipt(r, c.opts.Contract),
	}
}

// revertReason replays the call at the block it was mined in and decodes
// Error(string) revert data when the node returns it.
func (c *Client) revertReason(ctx context.Context, from common.Address, data []byte, block *big.Int) string {
	to := c.opts.Contract
	_, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, block)
	if err == nil {
		return "execution reverted"
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

// classifyEstimateErr separates "the contract rejects this call" from RPC trouble.
func classifyEstimateErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %v", ErrWouldRevert, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: relayer cannot pay gas: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: estimate gas: %v", ErrUnavailable, err)
	}
}

// classifySendErr returns a non-nil error when the node definitively refused
// the transaction, and nil when delivery is unknown.
func classifySendErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return fmt.Errorf("%w: %v", ErrNonceTooLow, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: relayer cannot pay gas: %v", ErrUnavailable, err)
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "fee cap"):
		return fmt.Errorf("%w: rejected by node: %v", ErrUnavailable, err)
	default:
		return nil
	}
}
