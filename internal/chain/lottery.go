package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

// LotteryABI is the subset of the lottery contract the relayer calls.
const LotteryABI = `[
  {"type":"function","name":"nonces","stateMutability":"view",
   "inputs":[{"name":"buyer","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"pendingReimbursement","stateMutability":"view",
   "inputs":[{"name":"relayer","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"buyTicketWithSignature","stateMutability":"nonpayable",
   "inputs":[
     {"name":"buyer","type":"address"},
     {"name":"numbers","type":"uint8[]"},
     {"name":"powerNumber","type":"uint8"},
     {"name":"nonce","type":"uint256"},
     {"name":"deadline","type":"uint256"},
     {"name":"v","type":"uint8"},
     {"name":"r","type":"bytes32"},
     {"name":"s","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"claimReimbursement","stateMutability":"nonpayable",
   "inputs":[],"outputs":[]},
  {"type":"event","name":"TicketPurchased","anonymous":false,
   "inputs":[
     {"name":"ticketId","type":"uint256","indexed":true},
     {"name":"buyer","type":"address","indexed":true},
     {"name":"nonce","type":"uint256","indexed":false}]}
]`

var lotteryABI = mustParseABI(LotteryABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: parse lottery ABI: %v", err))
	}
	return parsed
}

// packBuyTicket encodes buyTicketWithSignature calldata for a validated intent.
func packBuyTicket(in *ticket.Intent) ([]byte, error) {
	v, r, s, err := ticket.SplitSignature(in.Signature)
	if err != nil {
		return nil, err
	}
	numbers := make([]uint8, len(in.Numbers))
	for i, n := range in.Numbers {
		numbers[i] = uint8(n)
	}
	return lotteryABI.Pack("buyTicketWithSignature",
		in.Buyer,
		numbers,
		uint8(in.PowerNumber),
		in.Nonce,
		big.NewInt(in.Deadline),
		v, r, s,
	)
}

func packClaim() ([]byte, error) {
	return lotteryABI.Pack("claimReimbursement")
}

// unpackUint256 decodes the single uint256 return of a view call.
func unpackUint256(method string, out []byte) (*big.Int, error) {
	vals, err := lotteryABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(vals))
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return n, nil
}

// ticketIDFromReceipt returns the ticketId of the first TicketPurchased log
// emitted by contract, or nil if there is none.
func ticketIDFromReceipt(r *types.Receipt, contract common.Address) *big.Int {
	ev := lotteryABI.Events["TicketPurchased"]
	for _, l := range r.Logs {
		if l.Address != contract || len(l.Topics) < 2 || l.Topics[0] != ev.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes())
	}
	return nil
}
