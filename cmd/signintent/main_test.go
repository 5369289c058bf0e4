package main

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/api"
	"github.com/0gfoundation/0g-lottery-relayer/internal/auth"
	"github.com/0gfoundation/0g-lottery-relayer/internal/relay"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testDomain = ticket.Domain{
	Name:              "0G Lottery",
	Version:           "1",
	ChainID:           big.NewInt(16602),
	VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
}

// recoveringPurchaser checks the relayed intent's signature the same way the
// relay service does.
type recoveringPurchaser struct {
	recovered common.Address
	intent    *ticket.Intent
}

func (p *recoveringPurchaser) Purchase(_ context.Context, req relay.Request) (*relay.Result, error) {
	signer, err := auth.RecoverTypedData(ticket.TypedData(req.Intent, testDomain), req.Intent.Signature)
	if err != nil {
		return nil, &relay.Error{Kind: relay.KindInvalidSignature, Msg: err.Error()}
	}
	p.recovered = signer
	p.intent = req.Intent
	return &relay.Result{TxHash: common.HexToHash("0x01")}, nil
}

func TestParseNumbers(t *testing.T) {
	got, err := parseNumbers(" 3, 14,15 ,42,69 ")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{3, 14, 15, 42, 69}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	for _, bad := range []string{"1,2,3,4", "1,2,3,4,5,6", "1,2,x,4,5", ""} {
		if _, err := parseNumbers(bad); err == nil {
			t.Errorf("parseNumbers(%q): expected error", bad)
		}
	}
}

func TestSubmit_RelayerAcceptsSignedBody(t *testing.T) {
	key, _ := crypto.GenerateKey()
	in := &ticket.Intent{
		Numbers:     []int{3, 14, 15, 42, 69},
		PowerNumber: 7,
		Nonce:       big.NewInt(4),
		Deadline:    time.Now().Add(10 * time.Minute).Unix(),
	}
	if err := ticket.Sign(in, key, testDomain); err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(requestBody(in))
	if err != nil {
		t.Fatal(err)
	}

	p := &recoveringPurchaser{}
	r := gin.New()
	api.NewHandler(p, nil, nil, zap.NewNop()).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	status, resp, err := submit(context.Background(), srv.URL+"/api/purchase", body)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status: got %d (%s)", status, resp)
	}
	if p.recovered != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("recovered %s, want buyer", p.recovered.Hex())
	}
	if p.intent.Nonce.Int64() != 4 || p.intent.PowerNumber != 7 {
		t.Errorf("intent: %+v", p.intent)
	}
}
