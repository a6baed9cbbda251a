package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS lots (
	lot_id       BIGINT PRIMARY KEY,
	keycode      TEXT NOT NULL,
	version      SMALLINT NOT NULL,
	seller       TEXT NOT NULL,
	base_symbol  TEXT NOT NULL,
	quote_symbol TEXT NOT NULL,
	capacity     NUMERIC(78, 0) NOT NULL,
	start_at     BIGINT NOT NULL,
	conclusion   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS bids (
	lot_id   BIGINT NOT NULL,
	bid_id   BIGINT NOT NULL,
	bidder   TEXT NOT NULL,
	referrer TEXT NOT NULL,
	amount   NUMERIC(78, 0) NOT NULL,
	PRIMARY KEY (lot_id, bid_id)
);

CREATE TABLE IF NOT EXISTS settlements (
	lot_id     BIGINT PRIMARY KEY,
	cleared    BOOLEAN NOT NULL,
	total_in   NUMERIC(78, 0) NOT NULL,
	total_out  NUMERIC(78, 0) NOT NULL,
	settled_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
	receipt_id UUID PRIMARY KEY,
	lot_id     BIGINT NOT NULL,
	bid_id     BIGINT NOT NULL,
	bidder     TEXT NOT NULL,
	paid       NUMERIC(78, 0) NOT NULL,
	refund     NUMERIC(78, 0) NOT NULL,
	payout     NUMERIC(78, 0) NOT NULL,
	claimed_at BIGINT NOT NULL
);
`

// Postgres archives records in a relational schema sized for 256-bit
// amounts (NUMERIC(78,0)).
type Postgres struct {
	db *sql.DB
}

var _ Archive = (*Postgres)(nil)

func OpenPostgres(url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// EnsureSchema creates the archive tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating archive schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveLot(ctx context.Context, r LotRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO lots (lot_id, keycode, version, seller, base_symbol, quote_symbol, capacity, start_at, conclusion)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.LotID, r.Keycode, r.Version, r.Seller, r.BaseSymbol, r.QuoteSymbol, r.Capacity, r.Start, r.Conclusion)
	if err != nil {
		return fmt.Errorf("archiving lot %d: %w", r.LotID, err)
	}
	return nil
}

func (p *Postgres) SaveBid(ctx context.Context, r BidRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO bids (lot_id, bid_id, bidder, referrer, amount)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.LotID, r.BidID, r.Bidder, r.Referrer, r.Amount)
	if err != nil {
		return fmt.Errorf("archiving bid %d/%d: %w", r.LotID, r.BidID, err)
	}
	return nil
}

func (p *Postgres) SaveSettlement(ctx context.Context, r SettlementRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO settlements (lot_id, cleared, total_in, total_out, settled_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.LotID, r.Cleared, r.TotalIn, r.TotalOut, r.SettledAt)
	if err != nil {
		return fmt.Errorf("archiving settlement %d: %w", r.LotID, err)
	}
	return nil
}

func (p *Postgres) SaveClaim(ctx context.Context, r ClaimRecord) (string, error) {
	receipt := newReceiptID()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO claims (receipt_id, lot_id, bid_id, bidder, paid, refund, payout, claimed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		receipt, r.LotID, r.BidID, r.Bidder, r.Paid, r.Refund, r.Payout, r.ClaimedAt)
	if err != nil {
		return "", fmt.Errorf("archiving claim %d/%d: %w", r.LotID, r.BidID, err)
	}
	return receipt, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func newReceiptID() string { return uuid.New().String() }
