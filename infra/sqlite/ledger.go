package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewcall/crewcall/core/ledger"
	"github.com/crewcall/crewcall/infra/logger"
)

// LedgerStore implements ledger.Ledger on SQLite. Consume and Refund run in a
// single immediate write transaction, so concurrent debits for the same owner
// serialize on the database writer lock and can never double-spend a grant.
type LedgerStore struct {
	db  *sql.DB
	log logger.Logger
	now func() time.Time
}

// NewLedgerStore creates a LedgerStore on the given database.
func NewLedgerStore(db *sql.DB, log logger.Logger) *LedgerStore {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &LedgerStore{db: db, log: log, now: time.Now}
}

// Grant implements ledger.Ledger.
func (s *LedgerStore) Grant(ctx context.Context, ownerID string, source ledger.SourceType, amount int, sourceRef string, expiresAt *time.Time) (ledger.CreditGrant, error) {
	if amount <= 0 {
		return ledger.CreditGrant{}, ledger.ErrInvalidAmount
	}
	g := ledger.CreditGrant{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Source:    source,
		SourceRef: sourceRef,
		Granted:   amount,
		Remaining: amount,
		ExpiresAt: expiresAt,
		CreatedAt: s.now(),
	}
	var exp any
	if expiresAt != nil {
		exp = expiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_grants (id, owner_id, source_type, source_ref, granted, consumed, remaining, expires_at, created_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		g.ID, g.OwnerID, string(g.Source), g.SourceRef, g.Granted, g.Remaining, exp, g.CreatedAt.Unix())
	if err != nil {
		return ledger.CreditGrant{}, fmt.Errorf("insert grant: %w", err)
	}
	s.log.Infof("granted %d credits to %s (%s)", amount, ownerID, source)
	return g, nil
}

// Available implements ledger.Ledger.
func (s *LedgerStore) Available(ctx context.Context, ownerID string) (int, error) {
	var sum int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(remaining), 0) FROM credit_grants
         WHERE owner_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		ownerID, s.now().Unix()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum remaining: %w", err)
	}
	return sum, nil
}

// Consume implements ledger.Ledger. Grants are debited in FIFO-by-expiry
// order: soonest expiry first, non-expiring grants last, ties broken by
// creation time.
func (s *LedgerStore) Consume(ctx context.Context, ownerID string, amount int, reason, messageID string) ([]ledger.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, remaining FROM credit_grants
         WHERE owner_id = ? AND remaining > 0 AND (expires_at IS NULL OR expires_at > ?)
         ORDER BY expires_at IS NULL, expires_at ASC, created_at ASC`,
		ownerID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("select grants: %w", err)
	}
	type slot struct {
		id        string
		remaining int
	}
	var grants []slot
	total := 0
	for rows.Next() {
		var g slot
		if err := rows.Scan(&g.id, &g.remaining); err != nil {
			_ = rows.Close()
			return nil, err
		}
		grants = append(grants, g)
		total += g.remaining
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if total < amount {
		return nil, ledger.ErrInsufficientCredits
	}

	var txs []ledger.CreditTransaction
	want := amount
	for _, g := range grants {
		if want == 0 {
			break
		}
		take := want
		if take > g.remaining {
			take = g.remaining
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE credit_grants SET consumed = consumed + ?, remaining = remaining - ?
             WHERE id = ? AND remaining >= ?`,
			take, take, g.id, take)
		if err != nil {
			return nil, fmt.Errorf("debit grant %s: %w", g.id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ledger.ErrInsufficientCredits
		}
		t := ledger.CreditTransaction{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			GrantID:   g.id,
			MessageID: messageID,
			Delta:     -take,
			Reason:    reason,
			CreatedAt: now,
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return nil, err
		}
		txs = append(txs, t)
		want -= take
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return txs, nil
}

// Refund implements ledger.Ledger. All transaction ids are validated before
// any reversal is applied; a single invalid id fails the whole call. A
// consumption carries at most one reversing transaction, so repeating a
// refund (or listing the same id twice) fails instead of minting credits.
func (s *LedgerStore) Refund(ctx context.Context, ownerID string, transactionIDs []string, reason string) ([]ledger.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	type target struct {
		txID    string
		grantID string
		delta   int
	}
	seen := make(map[string]bool, len(transactionIDs))
	targets := make([]target, 0, len(transactionIDs))
	for _, id := range transactionIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyRefunded, id)
		}
		seen[id] = true
		var (
			owner   string
			grantID string
			delta   int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT owner_id, grant_id, delta FROM credit_transactions WHERE id = ?`, id).
			Scan(&owner, &grantID, &delta)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("select transaction %s: %w", id, err)
		}
		if owner != ownerID {
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotOwnedByOwner, id)
		}
		if delta >= 0 {
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotAConsumption, id)
		}
		var reversed int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credit_transactions WHERE refunds_tx_id = ?`, id).
			Scan(&reversed); err != nil {
			return nil, fmt.Errorf("check reversal %s: %w", id, err)
		}
		if reversed > 0 {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyRefunded, id)
		}
		targets = append(targets, target{txID: id, grantID: grantID, delta: delta})
	}

	now := s.now()
	var txs []ledger.CreditTransaction
	for _, tgt := range targets {
		back := -tgt.delta
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_grants SET consumed = consumed - ?, remaining = remaining + ? WHERE id = ?`,
			back, back, tgt.grantID); err != nil {
			return nil, fmt.Errorf("credit grant %s: %w", tgt.grantID, err)
		}
		t := ledger.CreditTransaction{
			ID:          uuid.NewString(),
			OwnerID:     ownerID,
			GrantID:     tgt.grantID,
			Delta:       back,
			Reason:      reason,
			RefundsTxID: tgt.txID,
			CreatedAt:   now,
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return txs, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t ledger.CreditTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, owner_id, grant_id, message_id, delta, reason, refunds_tx_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.GrantID, t.MessageID, t.Delta, t.Reason, t.RefundsTxID, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetGrant returns a grant by id. Used by admin tooling and tests.
func (s *LedgerStore) GetGrant(ctx context.Context, id string) (ledger.CreditGrant, error) {
	var (
		g   ledger.CreditGrant
		src string
		exp sql.NullInt64
		cr  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, source_type, source_ref, granted, consumed, remaining, expires_at, created_at
         FROM credit_grants WHERE id = ?`, id).
		Scan(&g.ID, &g.OwnerID, &src, &g.SourceRef, &g.Granted, &g.Consumed, &g.Remaining, &exp, &cr)
	if err != nil {
		return ledger.CreditGrant{}, err
	}
	g.Source = ledger.SourceType(src)
	g.CreatedAt = time.Unix(cr, 0)
	if exp.Valid {
		t := time.Unix(exp.Int64, 0)
		g.ExpiresAt = &t
	}
	return g, nil
}
