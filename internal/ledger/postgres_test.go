package ledger

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ── fake DB ───────────────────────────────────────────────────────────────────

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execTag string
	execErr error

	rowVals []any
	rowErr  error

	rows    [][]any
	queries []execCall
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql, args})
	return pgconn.NewCommandTag(f.execTag), f.execErr
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, execCall{sql, args})
	return &fakeRows{rows: f.rows, idx: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, execCall{sql, args})
	return fakeRow{vals: f.rowVals, err: f.rowErr}
}

func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return errors.New("scan: column count mismatch")
	}
	for i, v := range vals {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.idx++; return r.idx < len(r.rows) }
func (r *fakeRows) Scan(dest ...any) error                       { return assign(dest, r.rows[r.idx]) }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

// ── tests ─────────────────────────────────────────────────────────────────────

func TestPostgres_RecordTicketIsIdempotentInsert(t *testing.T) {
	db := &fakeDB{execTag: "INSERT 0 1"}
	p := NewPostgres(db)
	r := testRecord("0x01", OutcomeConfirmed)
	r.TicketID = big.NewInt(42)
	relayerNonce := uint64(40)
	r.RelayerNonce = &relayerNonce

	if err := p.RecordTicket(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("exec calls: got %d", len(db.execs))
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, "ON CONFLICT (tx_hash) DO NOTHING") {
		t.Error("insert must ignore duplicate tx hashes")
	}
	if call.args[0] != r.TxHash.Hex() || call.args[1] != r.Signer.Hex() {
		t.Errorf("hash/signer args: %v %v", call.args[0], call.args[1])
	}
	if nums := call.args[2].([]int32); len(nums) != 5 || nums[0] != 1 {
		t.Errorf("numbers arg: %v", call.args[2])
	}
	if call.args[4] != "3" {
		t.Errorf("signer nonce arg: %v", call.args[4])
	}
	if id := call.args[5].(*string); id == nil || *id != "42" {
		t.Errorf("ticket id arg: %v", call.args[5])
	}
	if call.args[6] != OutcomeConfirmed {
		t.Errorf("outcome arg: %v", call.args[6])
	}
	if n := call.args[7].(*int64); n == nil || *n != 40 {
		t.Errorf("relayer nonce arg: %v", call.args[7])
	}
}

func TestPostgres_RecordTicketNilTicketID(t *testing.T) {
	db := &fakeDB{}
	p := NewPostgres(db)
	if err := p.RecordTicket(context.Background(), testRecord("0x01", OutcomeTimedOut)); err != nil {
		t.Fatal(err)
	}
	if id := db.execs[0].args[5].(*string); id != nil {
		t.Errorf("unknown ticket id must be NULL, got %q", *id)
	}
	if n := db.execs[0].args[7].(*int64); n != nil {
		t.Errorf("unknown relayer nonce must be NULL, got %d", *n)
	}
}

func TestPostgres_HasRecordedTx(t *testing.T) {
	db := &fakeDB{rowVals: []any{true}}
	p := NewPostgres(db)

	ok, err := p.HasRecordedTx(context.Background(), common.HexToHash("0x01"))
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}

	db.rowErr = errors.New("conn reset")
	if _, err := p.HasRecordedTx(context.Background(), common.HexToHash("0x01")); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgres_PendingRecords(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	db := &fakeDB{rows: [][]any{{
		common.HexToHash("0x01").Hex(),
		"0xABC0000000000000000000000000000000000001",
		[]int32{1, 2, 3, 4, 5},
		int32(7),
		"3",
		int64Ptr(12),
		created,
	}, {
		common.HexToHash("0x02").Hex(),
		"0xABC0000000000000000000000000000000000001",
		[]int32{1, 2, 3, 4, 5},
		int32(7),
		"4",
		(*int64)(nil),
		created,
	}}}
	p := NewPostgres(db)

	recs, err := p.PendingRecords(context.Background(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: got %d", len(recs))
	}
	r := recs[0]
	if r.TxHash != common.HexToHash("0x01") || r.PowerNumber != 7 || r.SignerNonce.Int64() != 3 {
		t.Errorf("record: %+v", r)
	}
	if len(r.Numbers) != 5 || r.Numbers[4] != 5 {
		t.Errorf("numbers: %v", r.Numbers)
	}
	if r.Outcome != OutcomeTimedOut || !r.CreatedAt.Equal(created) {
		t.Errorf("outcome/created: %s %v", r.Outcome, r.CreatedAt)
	}
	if r.RelayerNonce == nil || *r.RelayerNonce != 12 {
		t.Errorf("relayer nonce: %v", r.RelayerNonce)
	}
	if recs[1].RelayerNonce != nil {
		t.Errorf("NULL relayer nonce: got %d", *recs[1].RelayerNonce)
	}
	if args := db.queries[0].args; args[0] != OutcomeTimedOut || args[2] != "" || args[3] != 100 {
		t.Errorf("query args: %v (start cursor, default limit 100)", args)
	}

	// Next page starts after the last record seen.
	if _, err := p.PendingRecords(context.Background(), After(recs[1]), 50); err != nil {
		t.Fatal(err)
	}
	args := db.queries[1].args
	if !args[1].(time.Time).Equal(created) || args[2] != common.HexToHash("0x02").Hex() || args[3] != 50 {
		t.Errorf("cursor args: %v", args)
	}
	if !strings.Contains(db.queries[1].sql, "(created_at, tx_hash) >") {
		t.Error("paging must compare the (created_at, tx_hash) cursor")
	}
}

func TestPostgres_UnresolvedTx(t *testing.T) {
	db := &fakeDB{rowVals: []any{common.HexToHash("0x0a").Hex()}}
	p := NewPostgres(db)
	signer := common.HexToAddress("0xABC0000000000000000000000000000000000001")

	hash, ok, err := p.UnresolvedTx(context.Background(), signer, big.NewInt(3))
	if err != nil || !ok || hash != common.HexToHash("0x0a") {
		t.Fatalf("hash=%s ok=%v err=%v", hash.Hex(), ok, err)
	}
	if args := db.queries[0].args; args[0] != signer.Hex() || args[1] != "3" || args[2] != OutcomeTimedOut {
		t.Errorf("query args: %v", args)
	}

	db.rowErr = pgx.ErrNoRows
	if _, ok, err := p.UnresolvedTx(context.Background(), signer, big.NewInt(3)); err != nil || ok {
		t.Errorf("no rows: ok=%v err=%v", ok, err)
	}

	db.rowErr = errors.New("conn reset")
	if _, _, err := p.UnresolvedTx(context.Background(), signer, big.NewInt(3)); err == nil {
		t.Error("expected error")
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestPostgres_UpdateOutcome(t *testing.T) {
	db := &fakeDB{execTag: "UPDATE 1"}
	p := NewPostgres(db)
	if err := p.UpdateOutcome(context.Background(), common.HexToHash("0x01"), OutcomeConfirmed, big.NewInt(5)); err != nil {
		t.Fatal(err)
	}

	db.execTag = "UPDATE 0"
	err := p.UpdateOutcome(context.Background(), common.HexToHash("0x02"), OutcomeConfirmed, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestPostgres_Migrate(t *testing.T) {
	db := &fakeDB{}
	if err := NewPostgres(db).Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS lottery_tickets") {
		t.Error("migrate must create the tickets table")
	}
}
