// cmd/checkbal prints the relayer's on-chain state: native balance, confirmed
// and pending account nonces, and the reimbursement the lottery contract owes.
// With --buyer it also prints that buyer's next purchase nonce.
//
// Usage:
//
//	RELAYER_PRIVATE_KEY=0x<key> \
//	go run ./cmd/checkbal/ \
//	  --rpc      https://evmrpc-testnet.0g.ai \
//	  --chain-id 16602 \
//	  --contract 0x<lottery> \
//	  --buyer    0x<buyer>
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/chain"
	"github.com/0gfoundation/0g-lottery-relayer/internal/keys"
)

func main() {
	rpc := flag.String("rpc", "https://evmrpc-testnet.0g.ai", "RPC endpoint")
	chainID := flag.Int64("chain-id", 16602, "Chain ID")
	contractHex := flag.String("contract", "", "Lottery contract address (required)")
	buyerHex := flag.String("buyer", "", "Optional buyer address to print the purchase nonce for")
	flag.Parse()

	if !common.IsHexAddress(*contractHex) {
		fatalf("--contract must be an address")
	}
	account, err := keys.FromHex(os.Getenv("RELAYER_PRIVATE_KEY"))
	if err != nil {
		fatalf("RELAYER_PRIVATE_KEY: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, *rpc)
	if err != nil {
		fatalf("dial rpc: %v", err)
	}
	defer eth.Close()

	c := chain.NewClient(eth, account, chain.Options{
		ChainID:  big.NewInt(*chainID),
		Contract: common.HexToAddress(*contractHex),
	}, zap.NewNop())

	balance, err := c.Balance(ctx)
	if err != nil {
		fatalf("balance: %v", err)
	}
	confirmed, err := c.ConfirmedNonce(ctx)
	if err != nil {
		fatalf("confirmed nonce: %v", err)
	}
	pending, err := c.PendingNonce(ctx)
	if err != nil {
		fatalf("pending nonce: %v", err)
	}
	owed, err := c.PendingReimbursement(ctx)
	if err != nil {
		fatalf("pending reimbursement: %v", err)
	}

	fmt.Printf("relayer:        %s\n", account.Address.Hex())
	fmt.Printf("balance:        %s neuron (%s 0G)\n", balance, neuronToOG(balance))
	fmt.Printf("nonce:          confirmed=%d pending=%d\n", confirmed, pending)
	if pending > confirmed {
		fmt.Printf("                %d transaction(s) waiting in the mempool\n", pending-confirmed)
	}
	fmt.Printf("reimbursement:  %s neuron (%s 0G)\n", owed, neuronToOG(owed))

	if *buyerHex != "" {
		if !common.IsHexAddress(*buyerHex) {
			fatalf("--buyer must be an address")
		}
		n, err := c.SignerNonce(ctx, common.HexToAddress(*buyerHex))
		if err != nil {
			fatalf("buyer nonce: %v", err)
		}
		fmt.Printf("buyer nonce:    %s\n", n)
	}
}

func neuronToOG(neuron *big.Int) string {
	// 1 0G = 1e18 neuron
	f := new(big.Float).Quo(new(big.Float).SetInt(neuron), big.NewFloat(1e18))
	return f.Text('f', 6)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
