package ticket

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	PrimaryType = "PurchaseTicket"

	purchaseTypeString = "PurchaseTicket(address buyer,uint8[] numbers,uint8 powerNumber,uint256 nonce,uint256 deadline)"
	domainTypeString   = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
)

var (
	purchaseTypeHash = crypto.Keccak256Hash([]byte(purchaseTypeString))
	domainTypeHash   = crypto.Keccak256Hash([]byte(domainTypeString))
)

// TypedData returns the intent as an EIP-712 typed-data document, the form
// wallets sign with eth_signTypedData_v4.
func TypedData(in *Intent, d Domain) apitypes.TypedData {
	numbers := make([]interface{}, len(in.Numbers))
	for i, n := range in.Numbers {
		numbers[i] = (*math.HexOrDecimal256)(big.NewInt(int64(n)))
	}
	nonce := in.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			PrimaryType: []apitypes.Type{
				{Name: "buyer", Type: "address"},
				{Name: "numbers", Type: "uint8[]"},
				{Name: "powerNumber", Type: "uint8"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"buyer":       in.Buyer.Hex(),
			"numbers":     numbers,
			"powerNumber": (*math.HexOrDecimal256)(big.NewInt(int64(in.PowerNumber))),
			"nonce":       (*math.HexOrDecimal256)(nonce),
			"deadline":    (*math.HexOrDecimal256)(big.NewInt(in.Deadline)),
		},
	}
}

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(d Domain) [32]byte {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// Hash returns the EIP-712 digest keccak256(0x1901 || domainSeparator || structHash).
// Numbers must already be within uint8 range (see Validate).
func Hash(in *Intent, d Domain) [32]byte {
	// Arrays are encoded as keccak256 of their concatenated 32-byte elements.
	packed := make([]byte, 32*len(in.Numbers))
	for i, n := range in.Numbers {
		packed[32*i+31] = byte(n)
	}
	numbersHash := crypto.Keccak256Hash(packed)

	encoded := make([]byte, 6*32)
	copy(encoded[0:32], purchaseTypeHash[:])
	copy(encoded[44:64], in.Buyer.Bytes())
	copy(encoded[64:96], numbersHash[:])
	encoded[127] = byte(in.PowerNumber)
	if in.Nonce != nil {
		in.Nonce.FillBytes(encoded[128:160])
	}
	big.NewInt(in.Deadline).FillBytes(encoded[160:192])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(d)

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign signs the intent in-place with key using EIP-712. The buyer field is
// set to the key's address.
func Sign(in *Intent, key *ecdsa.PrivateKey, d Domain) error {
	in.Buyer = crypto.PubkeyToAddress(key.PublicKey)
	digest := Hash(in, d)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	in.Signature = sig
	return nil
}

// SplitSignature returns the (v, r, s) components of a 65-byte signature with
// v normalized to 27/28 as the contract expects.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, errors.New("signature must be 65 bytes")
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// JoinSignature builds a 65-byte R || S || V signature from its components.
func JoinSignature(v uint8, r, s common.Hash) []byte {
	sig := make([]byte, 65)
	copy(sig[0:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v
	return sig
}
