// Package ledger defines the credit ledger gating all outbound messages.
// Grants are bounded pools of sendable-message credits; consumptions and
// refunds are immutable transactions against those pools. Credits closest to
// expiry are always spent first.
package ledger

import (
	"context"
	"time"
)

// SourceType identifies where a grant came from.
type SourceType string

const (
	SourceTrial        SourceType = "trial"
	SourceSubscription SourceType = "subscription"
	SourceBundle       SourceType = "bundle"
	SourceAdmin        SourceType = "admin"
)

// CreditGrant is a pool of message credits. A grant is never deleted; it
// becomes inert once Remaining reaches zero or ExpiresAt passes.
//
// Invariant: Consumed + Remaining == Granted and Remaining >= 0, at all times
// and under any interleaving of operations.
type CreditGrant struct {
	ID        string
	OwnerID   string
	Source    SourceType
	SourceRef string
	Granted   int
	Consumed  int
	Remaining int
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the grant can no longer be consumed from.
func (g CreditGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// CreditTransaction is an immutable ledger entry. Delta is negative for
// consumption and positive for refunds. Every transaction references exactly
// one grant.
type CreditTransaction struct {
	ID        string
	OwnerID   string
	GrantID   string
	MessageID string
	Delta     int
	Reason    string
	// RefundsTxID is set on refund transactions and names the consumption
	// being reversed. A consumption can be reversed at most once.
	RefundsTxID string
	CreatedAt   time.Time
}

// Ledger owns all CreditGrant and CreditTransaction mutation. Consume and
// Refund are atomic: concurrent calls for the same owner serialize and can
// never double-spend a grant.
type Ledger interface {
	// Grant creates a new credit pool. amount must be positive.
	Grant(ctx context.Context, ownerID string, source SourceType, amount int, sourceRef string, expiresAt *time.Time) (CreditGrant, error)

	// Consume debits amount credits from the owner's non-expired grants,
	// spending credits closest to expiry first (non-expiring last, ties by
	// creation time). It returns one transaction per grant touched, or
	// ErrInsufficientCredits without any partial debit.
	Consume(ctx context.Context, ownerID string, amount int, reason, messageID string) ([]CreditTransaction, error)

	// Refund reverses previously recorded consumptions against their original
	// grants. Any invalid id fails the whole call; a consumption that was
	// already reversed (or listed twice) fails with ErrAlreadyRefunded.
	Refund(ctx context.Context, ownerID string, transactionIDs []string, reason string) ([]CreditTransaction, error)

	// Available returns the sum of Remaining over the owner's non-expired grants.
	Available(ctx context.Context, ownerID string) (int, error)
}
