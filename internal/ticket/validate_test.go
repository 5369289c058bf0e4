package ticket

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var testPolicy = Policy{MainMin: 1, MainMax: 69, PowerMin: 1, PowerMax: 26, MaxDeadline: time.Hour}

func validIntent(now time.Time) *Intent {
	sig := make([]byte, 65)
	sig[64] = 27
	return &Intent{
		Buyer:       common.HexToAddress("0xABC0000000000000000000000000000000000001"),
		Numbers:     []int{1, 2, 3, 4, 5},
		PowerNumber: 7,
		Nonce:       big.NewInt(3),
		Deadline:    now.Add(10 * time.Minute).Unix(),
		Signature:   sig,
	}
}

func TestValidate_OK(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if err := Validate(validIntent(now), testPolicy, now); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"nil signer", func(in *Intent) { in.Buyer = common.Address{} }},
		{"four numbers", func(in *Intent) { in.Numbers = []int{1, 2, 3, 4} }},
		{"six numbers", func(in *Intent) { in.Numbers = []int{1, 2, 3, 4, 5, 6} }},
		{"number below range", func(in *Intent) { in.Numbers[0] = 0 }},
		{"number above range", func(in *Intent) { in.Numbers[4] = 70 }},
		{"duplicate number", func(in *Intent) { in.Numbers = []int{1, 1, 3, 4, 5} }},
		{"power below range", func(in *Intent) { in.PowerNumber = 0 }},
		{"power above range", func(in *Intent) { in.PowerNumber = 27 }},
		{"missing nonce", func(in *Intent) { in.Nonce = nil }},
		{"negative nonce", func(in *Intent) { in.Nonce = big.NewInt(-1) }},
		{"nonce overflows uint256", func(in *Intent) { in.Nonce = new(big.Int).Lsh(big.NewInt(1), 256) }},
		{"deadline in past", func(in *Intent) { in.Deadline = now.Add(-time.Second).Unix() }},
		{"deadline equals now", func(in *Intent) { in.Deadline = now.Unix() }},
		{"deadline too far", func(in *Intent) { in.Deadline = now.Add(2 * time.Hour).Unix() }},
		{"short signature", func(in *Intent) { in.Signature = in.Signature[:64] }},
		{"bad v", func(in *Intent) { in.Signature[64] = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validIntent(now)
			tc.mutate(in)
			err := Validate(in, testPolicy, now)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestValidate_NilIntent(t *testing.T) {
	if err := Validate(nil, testPolicy, time.Now()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestValidate_NoDeadlineHorizon(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := testPolicy
	p.MaxDeadline = 0
	in := validIntent(now)
	in.Deadline = now.Add(365 * 24 * time.Hour).Unix()
	if err := Validate(in, p, now); err != nil {
		t.Fatalf("MaxDeadline=0 must disable the horizon check: %v", err)
	}
}
