package ticket

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrMalformed is returned for requests that can never succeed as sent.
var ErrMalformed = errors.New("malformed request")

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Policy holds the contract-defined number bounds and the deadline horizon.
type Policy struct {
	MainMin  int
	MainMax  int
	PowerMin int
	PowerMax int
	// MaxDeadline bounds how far in the future a deadline may be; zero disables the check.
	MaxDeadline time.Duration
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Validate runs the cheap structural checks that precede any lock or chain
// interaction. It does not verify the signature itself.
func Validate(in *Intent, p Policy, now time.Time) error {
	if in == nil {
		return malformed("empty intent")
	}
	if in.Buyer == (common.Address{}) {
		return malformed("signer is required")
	}

	if len(in.Numbers) != MainCount {
		return malformed("expected %d numbers, got %d", MainCount, len(in.Numbers))
	}
	seen := make(map[int]struct{}, MainCount)
	for _, n := range in.Numbers {
		if n < p.MainMin || n > p.MainMax || n > 255 {
			return malformed("number %d outside [%d,%d]", n, p.MainMin, p.MainMax)
		}
		if _, dup := seen[n]; dup {
			return malformed("number %d repeated", n)
		}
		seen[n] = struct{}{}
	}
	if in.PowerNumber < p.PowerMin || in.PowerNumber > p.PowerMax || in.PowerNumber > 255 {
		return malformed("power number %d outside [%d,%d]", in.PowerNumber, p.PowerMin, p.PowerMax)
	}

	if in.Nonce == nil {
		return malformed("nonce is required")
	}
	if in.Nonce.Sign() < 0 || in.Nonce.Cmp(maxUint256) > 0 {
		return malformed("nonce out of uint256 range")
	}

	if in.Deadline <= now.Unix() {
		return malformed("deadline %d has passed", in.Deadline)
	}
	if p.MaxDeadline > 0 && in.Deadline > now.Add(p.MaxDeadline).Unix() {
		return malformed("deadline %d too far in future", in.Deadline)
	}

	if len(in.Signature) != 65 {
		return malformed("signature must be 65 bytes, got %d", len(in.Signature))
	}
	switch in.Signature[64] {
	case 0, 1, 27, 28:
	default:
		return malformed("signature v=%d invalid", in.Signature[64])
	}
	return nil
}
