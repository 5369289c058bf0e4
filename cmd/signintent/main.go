// cmd/signintent signs a PurchaseTicket intent with a buyer key and prints the
// JSON body the relayer's /api/purchase endpoint expects. With --relayer the
// body is also submitted and the response printed.
//
// When --nonce is negative the buyer's next nonce is read from the contract.
//
// Usage:
//
//	BUYER_PRIVATE_KEY=0x<key> \
//	go run ./cmd/signintent/ \
//	  --rpc      https://evmrpc-testnet.0g.ai \
//	  --chain-id 16602 \
//	  --contract 0x<lottery> \
//	  --numbers  3,14,15,42,69 \
//	  --power    7 \
//	  --relayer  http://localhost:8080
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/chain"
	"github.com/0gfoundation/0g-lottery-relayer/internal/keys"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

func main() {
	rpc := flag.String("rpc", "https://evmrpc-testnet.0g.ai", "RPC endpoint (used to read the buyer nonce)")
	chainID := flag.Int64("chain-id", 16602, "Chain ID")
	contractHex := flag.String("contract", "", "Lottery contract address (required)")
	domainName := flag.String("domain-name", "0G Lottery", "EIP-712 domain name")
	domainVersion := flag.String("domain-version", "1", "EIP-712 domain version")
	numbersStr := flag.String("numbers", "1,2,3,4,5", "Comma-separated main numbers")
	power := flag.Int("power", 1, "Power number")
	nonceFlag := flag.Int64("nonce", -1, "Buyer nonce; negative reads it from the contract")
	ttl := flag.Duration("ttl", 10*time.Minute, "Signature validity")
	relayerURL := flag.String("relayer", "", "Relayer base URL; when set the intent is submitted")
	flag.Parse()

	if !common.IsHexAddress(*contractHex) {
		fatalf("--contract must be an address")
	}
	buyer, err := keys.FromHex(os.Getenv("BUYER_PRIVATE_KEY"))
	if err != nil {
		fatalf("BUYER_PRIVATE_KEY: %v", err)
	}
	numbers, err := parseNumbers(*numbersStr)
	if err != nil {
		fatalf("--numbers: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	d := ticket.Domain{
		Name:              *domainName,
		Version:           *domainVersion,
		ChainID:           big.NewInt(*chainID),
		VerifyingContract: common.HexToAddress(*contractHex),
	}

	nonce := big.NewInt(*nonceFlag)
	if *nonceFlag < 0 {
		eth, err := ethclient.DialContext(ctx, *rpc)
		if err != nil {
			fatalf("dial rpc: %v", err)
		}
		defer eth.Close()
		c := chain.NewClient(eth, buyer, chain.Options{ChainID: d.ChainID, Contract: d.VerifyingContract}, zap.NewNop())
		if nonce, err = c.SignerNonce(ctx, buyer.Address); err != nil {
			fatalf("read buyer nonce: %v", err)
		}
	}

	in := &ticket.Intent{
		Numbers:     numbers,
		PowerNumber: *power,
		Nonce:       nonce,
		Deadline:    time.Now().Add(*ttl).Unix(),
	}
	if err := ticket.Sign(in, buyer.PrivateKey(), d); err != nil {
		fatalf("sign: %v", err)
	}

	body, err := json.MarshalIndent(requestBody(in), "", "  ")
	if err != nil {
		fatalf("encode: %v", err)
	}
	fmt.Println(string(body))

	if *relayerURL == "" {
		return
	}
	status, resp, err := submit(ctx, strings.TrimRight(*relayerURL, "/")+"/api/purchase", body)
	if err != nil {
		fatalf("submit: %v", err)
	}
	fmt.Printf("\nHTTP %d\n%s\n", status, resp)
}

// parseNumbers parses "a,b,c,d,e". Range checks are left to the relayer.
func parseNumbers(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", part)
		}
		out = append(out, n)
	}
	if len(out) != ticket.MainCount {
		return nil, fmt.Errorf("expected %d numbers, got %d", ticket.MainCount, len(out))
	}
	return out, nil
}

func requestBody(in *ticket.Intent) map[string]any {
	return map[string]any{
		"signer":      in.Buyer.Hex(),
		"numbers":     in.Numbers,
		"powerNumber": in.PowerNumber,
		"nonce":       in.Nonce.String(),
		"deadline":    in.Deadline,
		"signature":   hexutil.Encode(in.Signature),
	}
}

func submit(ctx context.Context, url string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(b), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
