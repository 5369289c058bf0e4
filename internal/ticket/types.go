package ticket

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MainCount is the number of main numbers on a ticket.
const MainCount = 5

// Intent is a buyer-signed ticket purchase relayed on the buyer's behalf.
// Numbers and PowerNumber are kept as int so out-of-range input survives
// decoding and is rejected by Validate rather than truncated.
type Intent struct {
	Buyer       common.Address `json:"signer"`
	Numbers     []int          `json:"numbers"`
	PowerNumber int            `json:"powerNumber"`
	Nonce       *big.Int       `json:"nonce"`
	Deadline    int64          `json:"deadline"`
	Signature   []byte         `json:"signature"`
}

// Domain is the EIP-712 domain the contract verifies signatures against.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}
