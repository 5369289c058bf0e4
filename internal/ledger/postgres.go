package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS lottery_tickets (
	tx_hash      TEXT PRIMARY KEY,
	signer       TEXT NOT NULL,
	numbers      INTEGER[] NOT NULL,
	power_number INTEGER NOT NULL,
	signer_nonce NUMERIC(78,0) NOT NULL,
	relayer_nonce BIGINT,
	ticket_id    NUMERIC(78,0),
	outcome      TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE lottery_tickets ADD COLUMN IF NOT EXISTS relayer_nonce BIGINT;
CREATE INDEX IF NOT EXISTS lottery_tickets_pending_idx
	ON lottery_tickets (created_at, tx_hash) WHERE outcome = 'timed_out';
CREATE INDEX IF NOT EXISTS lottery_tickets_signer_nonce_idx
	ON lottery_tickets (signer, signer_nonce) WHERE outcome = 'timed_out';
`

// DB is the subset of *pgxpool.Pool the ledger uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the Ledger backed by a lottery_tickets table.
type Postgres struct {
	db   DB
	pool *pgxpool.Pool
}

// Connect opens a pool, pings it and applies the schema.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	p := &Postgres{db: pool, pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

func (p *Postgres) RecordTicket(ctx context.Context, r Record) error {
	numbers := make([]int32, len(r.Numbers))
	for i, n := range r.Numbers {
		numbers[i] = int32(n)
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO lottery_tickets
			(tx_hash, signer, numbers, power_number, signer_nonce, ticket_id, outcome, relayer_nonce)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8)
		ON CONFLICT (tx_hash) DO NOTHING`,
		r.TxHash.Hex(), r.Signer.Hex(), numbers, int32(r.PowerNumber),
		bigString(r.SignerNonce), nullableBig(r.TicketID), r.Outcome, nullableNonce(r.RelayerNonce),
	)
	if err != nil {
		return fmt.Errorf("record ticket %s: %w", r.TxHash.Hex(), err)
	}
	return nil
}

func (p *Postgres) HasRecordedTx(ctx context.Context, txHash common.Hash) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM lottery_tickets WHERE tx_hash = $1)", txHash.Hex(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup tx %s: %w", txHash.Hex(), err)
	}
	return exists, nil
}

func (p *Postgres) PendingRecords(ctx context.Context, after *Cursor, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if after == nil {
		after = &Cursor{}
	}
	rows, err := p.db.Query(ctx, `
		SELECT tx_hash, signer, numbers, power_number, signer_nonce::text, relayer_nonce, created_at
		FROM lottery_tickets
		WHERE outcome = $1 AND (created_at, tx_hash) > ($2, $3)
		ORDER BY created_at, tx_hash
		LIMIT $4`, OutcomeTimedOut, after.CreatedAt, cursorHash(after), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			txHash, signer, nonce string
			numbers               []int32
			power                 int32
			relayerNonce          *int64
			createdAt             time.Time
		)
		if err := rows.Scan(&txHash, &signer, &numbers, &power, &nonce, &relayerNonce, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		r := Record{
			TxHash:      common.HexToHash(txHash),
			Signer:      common.HexToAddress(signer),
			PowerNumber: int(power),
			Outcome:     OutcomeTimedOut,
			CreatedAt:   createdAt,
		}
		r.Numbers = make([]int, len(numbers))
		for i, n := range numbers {
			r.Numbers[i] = int(n)
		}
		r.SignerNonce, _ = new(big.Int).SetString(nonce, 10)
		if relayerNonce != nil {
			n := uint64(*relayerNonce)
			r.RelayerNonce = &n
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out, nil
}

func (p *Postgres) UnresolvedTx(ctx context.Context, signer common.Address, signerNonce *big.Int) (common.Hash, bool, error) {
	var txHash string
	err := p.db.QueryRow(ctx, `
		SELECT tx_hash FROM lottery_tickets
		WHERE signer = $1 AND signer_nonce = $2::numeric AND outcome = $3
		ORDER BY created_at DESC
		LIMIT 1`,
		signer.Hex(), bigString(signerNonce), OutcomeTimedOut,
	).Scan(&txHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("lookup unresolved %s/%s: %w", signer.Hex(), bigString(signerNonce), err)
	}
	return common.HexToHash(txHash), true, nil
}

func (p *Postgres) UpdateOutcome(ctx context.Context, txHash common.Hash, outcome string, ticketID *big.Int) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE lottery_tickets
		SET outcome = $2, ticket_id = COALESCE($3::numeric, ticket_id), updated_at = now()
		WHERE tx_hash = $1`,
		txHash.Hex(), outcome, nullableBig(ticketID),
	)
	if err != nil {
		return fmt.Errorf("update outcome %s: %w", txHash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func nullableNonce(n *uint64) *int64 {
	if n == nil {
		return nil
	}
	v := int64(*n)
	return &v
}

// cursorHash is the empty string for a zero cursor so it sorts before every
// stored hash.
func cursorHash(c *Cursor) string {
	if c.TxHash == (common.Hash{}) {
		return ""
	}
	return c.TxHash.Hex()
}

func nullableBig(n *big.Int) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}
