package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/keys"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

// ── test keys (Anvil default accounts) ────────────────────────────────────────

const (
	relayerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	buyerKeyHex   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	testChainID  = big.NewInt(31337)
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

// ── fake backend ──────────────────────────────────────────────────────────────

type fakeBackend struct {
	mu sync.Mutex

	signerNonces   map[common.Address]*big.Int
	pendingReimb   *big.Int
	confirmedNonce uint64
	pendingNonce   uint64
	balance        *big.Int

	callErr     error // view calls at the latest block
	replayErr   error // historical calls (revert reason lookup)
	estimateErr error
	sendErr     error
	mine        bool   // false → receipts never appear
	status      uint64 // receipt status when mined
	logs        []*types.Log

	sent []*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		signerNonces: make(map[common.Address]*big.Int),
		pendingReimb: big.NewInt(0),
		balance:      big.NewInt(1e18),
		mine:         true,
		status:       types.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if block != nil {
		return nil, f.replayErr
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := lotteryABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method.Name {
	case "nonces":
		n, ok := f.signerNonces[args[0].(common.Address)]
		if !ok {
			n = big.NewInt(0)
		}
		return method.Outputs.Pack(n)
	case "pendingReimbursement":
		return method.Outputs.Pack(f.pendingReimb)
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return f.confirmedNonce, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return f.sendErr
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mine {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{
				Status:      f.status,
				TxHash:      hash,
				BlockNumber: big.NewInt(10),
				Logs:        f.logs,
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

// revertError mimics the JSON-RPC error carrying revert data.
type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorData() interface{} { return e.data }

func errorStringData(t *testing.T, reason string) string {
	t.Helper()
	strTy, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: strTy}}.Pack(reason)
	if err != nil {
		t.Fatal(err)
	}
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestClient(t *testing.T, fb *fakeBackend) *Client {
	t.Helper()
	acc, err := keys.FromHex(relayerKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(fb, acc, Options{
		ChainID:        testChainID,
		Contract:       testContract,
		ConfirmTimeout: 50 * time.Millisecond,
		GasLimitPct:    120,
	}, zap.NewNop())
}

func signedIntent(t *testing.T) *ticket.Intent {
	t.Helper()
	key, _ := crypto.HexToECDSA(buyerKeyHex)
	in := &ticket.Intent{
		Numbers:     []int{1, 2, 3, 4, 5},
		PowerNumber: 7,
		Nonce:       big.NewInt(3),
		Deadline:    time.Now().Add(10 * time.Minute).Unix(),
	}
	d := ticket.Domain{Name: "0G Lottery", Version: "1", ChainID: testChainID, VerifyingContract: testContract}
	if err := ticket.Sign(in, key, d); err != nil {
		t.Fatal(err)
	}
	return in
}

func ticketLog(id int64, buyer common.Address) *types.Log {
	ev := lotteryABI.Events["TicketPurchased"]
	data, _ := ev.Inputs.NonIndexed().Pack(big.NewInt(3))
	return &types.Log{
		Address: testContract,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(id)),
			common.BytesToHash(buyer.Bytes()),
		},
		Data: data,
	}
}

// ── reads ─────────────────────────────────────────────────────────────────────

func TestSignerNonce(t *testing.T) {
	fb := newFakeBackend()
	buyer := common.HexToAddress("0xABC0000000000000000000000000000000000001")
	fb.signerNonces[buyer] = big.NewInt(2)
	c := newTestClient(t, fb)

	n, err := c.SignerNonce(context.Background(), buyer)
	if err != nil {
		t.Fatal(err)
	}
	if n.Int64() != 2 {
		t.Errorf("signer nonce: got %s want 2", n)
	}
}

func TestPendingReimbursement(t *testing.T) {
	fb := newFakeBackend()
	fb.pendingReimb = big.NewInt(5e16)
	c := newTestClient(t, fb)

	n, err := c.PendingReimbursement(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n.Cmp(big.NewInt(5e16)) != 0 {
		t.Errorf("pending: got %s", n)
	}
}

func TestReads_RPCErrorIsUnavailable(t *testing.T) {
	fb := newFakeBackend()
	fb.callErr = errors.New("dial tcp: connection refused")
	c := newTestClient(t, fb)

	_, err := c.SignerNonce(context.Background(), common.Address{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

// ── writes ────────────────────────────────────────────────────────────────────

func TestBuyTicket_Confirmed(t *testing.T) {
	fb := newFakeBackend()
	in := signedIntent(t)
	fb.logs = []*types.Log{ticketLog(42, in.Buyer)}
	c := newTestClient(t, fb)

	out, err := c.BuyTicket(context.Background(), 7, in)
	if err != nil {
		t.Fatalf("BuyTicket: %v", err)
	}
	if out.Status != Confirmed {
		t.Fatalf("status: got %s want confirmed", out.Status)
	}
	if out.TicketID == nil || out.TicketID.Int64() != 42 {
		t.Errorf("ticket id: got %v want 42", out.TicketID)
	}

	if len(fb.sent) != 1 {
		t.Fatalf("sent: got %d want 1", len(fb.sent))
	}
	tx := fb.sent[0]
	if tx.Nonce() != 7 {
		t.Errorf("tx nonce: got %d want 7", tx.Nonce())
	}
	if tx.Gas() != 120_000 {
		t.Errorf("gas: got %d want 120000 (estimate * 1.2)", tx.Gas())
	}
	if *tx.To() != testContract {
		t.Errorf("to: got %s", tx.To().Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	if err != nil || from != c.RelayerAddress() {
		t.Errorf("sender: got %s err=%v", from.Hex(), err)
	}
	if out.TxHash != tx.Hash() {
		t.Errorf("tx hash mismatch")
	}

	// Calldata carries the buyer's intent verbatim.
	args, err := lotteryABI.Methods["buyTicketWithSignature"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if args[0].(common.Address) != in.Buyer {
		t.Errorf("buyer: got %v", args[0])
	}
	if nums := args[1].([]uint8); len(nums) != 5 || nums[4] != 5 {
		t.Errorf("numbers: got %v", nums)
	}
	if args[3].(*big.Int).Int64() != 3 {
		t.Errorf("signer nonce: got %v", args[3])
	}
}

func TestBuyTicket_Reverted(t *testing.T) {
	fb := newFakeBackend()
	fb.status = types.ReceiptStatusFailed
	fb.replayErr = revertError{data: errorStringData(t, "Lottery: nonce used")}
	c := newTestClient(t, fb)

	out, err := c.BuyTicket(context.Background(), 1, signedIntent(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != Reverted {
		t.Fatalf("status: got %s want reverted", out.Status)
	}
	if out.Reason != "Lottery: nonce used" {
		t.Errorf("reason: got %q", out.Reason)
	}
}

func TestBuyTicket_TimedOut(t *testing.T) {
	fb := newFakeBackend()
	fb.mine = false
	c := newTestClient(t, fb)

	out, err := c.BuyTicket(context.Background(), 1, signedIntent(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != TimedOut {
		t.Fatalf("status: got %s want timed_out", out.Status)
	}
	if out.TxHash != fb.sent[0].Hash() {
		t.Error("timed-out outcome must carry the submitted tx hash")
	}
}

func TestBuyTicket_EstimateRevertNotSubmitted(t *testing.T) {
	fb := newFakeBackend()
	fb.estimateErr = errors.New("execution reverted: Lottery: bad signature")
	c := newTestClient(t, fb)

	_, err := c.BuyTicket(context.Background(), 1, signedIntent(t))
	if !errors.Is(err, ErrNotSubmitted) || !errors.Is(err, ErrWouldRevert) {
		t.Fatalf("expected ErrNotSubmitted+ErrWouldRevert, got %v", err)
	}
	if len(fb.sent) != 0 {
		t.Error("nothing must be sent when estimation reverts")
	}
}

// Pricing and estimation happen before a nonce is chosen; the same prepared
// call can then be sent with whatever nonce the caller reserves.
func TestPrepareThenSend(t *testing.T) {
	fb := newFakeBackend()
	c := newTestClient(t, fb)

	call, err := c.PrepareBuyTicket(context.Background(), signedIntent(t))
	if err != nil {
		t.Fatalf("PrepareBuyTicket: %v", err)
	}
	if len(fb.sent) != 0 {
		t.Fatal("prepare must not send anything")
	}

	out, err := c.Send(context.Background(), 9, call)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Status != Confirmed {
		t.Fatalf("status: got %s", out.Status)
	}
	if tx := fb.sent[0]; tx.Nonce() != 9 || tx.Gas() != 120_000 {
		t.Errorf("tx: nonce=%d gas=%d, want 9/120000", tx.Nonce(), tx.Gas())
	}
}

func TestPrepareClaim_EstimateRevert(t *testing.T) {
	fb := newFakeBackend()
	fb.estimateErr = errors.New("execution reverted: nothing to claim")
	c := newTestClient(t, fb)

	if _, err := c.PrepareClaim(context.Background()); !errors.Is(err, ErrWouldRevert) || !errors.Is(err, ErrNotSubmitted) {
		t.Fatalf("expected ErrNotSubmitted+ErrWouldRevert, got %v", err)
	}
}

func TestBuyTicket_SendErrors(t *testing.T) {
	cases := []struct {
		name    string
		sendErr string
		want    error
	}{
		{"nonce too low", "nonce too low: next nonce 9, tx nonce 7", ErrNonceTooLow},
		{"replacement", "replacement transaction underpriced", ErrNonceTooLow},
		{"insufficient funds", "insufficient funds for gas * price + value", ErrUnavailable},
		{"underpriced", "transaction underpriced", ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fb := newFakeBackend()
			fb.sendErr = errors.New(tc.sendErr)
			c := newTestClient(t, fb)

			_, err := c.BuyTicket(context.Background(), 7, signedIntent(t))
			if !errors.Is(err, ErrNotSubmitted) || !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want ErrNotSubmitted and %v", err, tc.want)
			}
		})
	}
}

// A transport error on send leaves delivery unknown; the client must not
// claim the transaction was never submitted.
func TestBuyTicket_SendTransportErrorIsAmbiguous(t *testing.T) {
	fb := newFakeBackend()
	fb.sendErr = errors.New("read tcp: i/o timeout")
	fb.mine = false
	c := newTestClient(t, fb)

	out, err := c.BuyTicket(context.Background(), 7, signedIntent(t))
	if err != nil {
		t.Fatalf("expected an outcome, got error %v", err)
	}
	if out.Status != TimedOut {
		t.Errorf("status: got %s want timed_out", out.Status)
	}
}

func TestBuyTicket_BadSignatureNotSubmitted(t *testing.T) {
	fb := newFakeBackend()
	in := signedIntent(t)
	in.Signature = in.Signature[:10]
	c := newTestClient(t, fb)

	if _, err := c.BuyTicket(context.Background(), 1, in); !errors.Is(err, ErrNotSubmitted) {
		t.Fatalf("expected ErrNotSubmitted, got %v", err)
	}
}

func TestClaimReimbursement_Confirmed(t *testing.T) {
	fb := newFakeBackend()
	c := newTestClient(t, fb)

	out, err := c.ClaimReimbursement(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != Confirmed {
		t.Fatalf("status: got %s", out.Status)
	}
	if out.TicketID != nil {
		t.Error("claim has no ticket id")
	}
	if m, _ := lotteryABI.MethodById(fb.sent[0].Data()[:4]); m == nil || m.Name != "claimReimbursement" {
		t.Errorf("calldata does not call claimReimbursement")
	}
}

func TestLookup(t *testing.T) {
	fb := newFakeBackend()
	c := newTestClient(t, fb)
	out, err := c.BuyTicket(context.Background(), 1, signedIntent(t))
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Lookup(context.Background(), out.TxHash)
	if err != nil || got.Status != Confirmed {
		t.Fatalf("lookup mined: status=%v err=%v", got, err)
	}

	got, err = c.Lookup(context.Background(), common.HexToHash("0xdead"))
	if err != nil || got.Status != TimedOut {
		t.Fatalf("lookup unknown: status=%v err=%v", got, err)
	}
}

func TestTicketIDFromReceipt_IgnoresOtherContracts(t *testing.T) {
	l := ticketLog(9, common.Address{})
	l.Address = common.HexToAddress("0x1")
	if id := ticketIDFromReceipt(&types.Receipt{Logs: []*types.Log{l}}, testContract); id != nil {
		t.Errorf("foreign log must be ignored, got %v", id)
	}
}
