package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no opportunity or contribution row exists.
	ErrNotFound = errors.New("ledger: not found")
	// ErrOutOfBounds signals the amount is outside [min, max] for the opportunity.
	ErrOutOfBounds = errors.New("ledger: amount out of contribution bounds")
	// ErrCapacityExceeded signals the pledge would push total_raised past target_amount.
	ErrCapacityExceeded = errors.New("ledger: target capacity exceeded")
	// ErrOpportunityNotFundable signals the opportunity is not accepting pledges.
	ErrOpportunityNotFundable = errors.New("ledger: opportunity not fundable")
	// ErrForbidden signals the caller may not act on this record.
	ErrForbidden = errors.New("ledger: forbidden")
	// ErrNotCancelable signals the contribution has already left pending_payment.
	ErrNotCancelable = errors.New("ledger: contribution no longer cancelable")
	// ErrInvalidStatus signals a status move that the opportunity lifecycle forbids.
	ErrInvalidStatus = errors.New("ledger: invalid opportunity status transition")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ReservePledge atomically claims capacity on the opportunity. The existence
// check, status check, bounds check, and increment are one conditional UPDATE
// so two concurrent pledges can never both pass against a stale total. The
// first accepted pledge also moves the opportunity from active to funding.
func (r *Repository) ReservePledge(ctx context.Context, tx pgx.Tx, opportunityID string, amount int64) (issuerID string, err error) {
	const reserveSQL = `
UPDATE opportunities
SET total_raised = total_raised + $2,
    status = CASE WHEN status = 'active' THEN 'funding'::opportunity_status ELSE status END,
    updated_at = now()
WHERE id = $1
  AND status IN ('active', 'funding')
  AND $2 >= min_contribution
  AND $2 <= max_contribution
  AND total_raised + $2 <= target_amount
RETURNING issuer_id::text
`
	err = tx.QueryRow(ctx, reserveSQL, opportunityID, amount).Scan(&issuerID)
	if err == nil {
		return issuerID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("ledger: reserve pledge: %w", err)
	}

	// Zero rows: classify the refusal from the current row. The read runs
	// after the failed UPDATE under read committed, so a concurrent status
	// change can shift which refusal is reported. Any answer reflects a
	// state the opportunity actually held; callers must not branch on the
	// exact refusal for correctness.
	var (
		status OpportunityStatus
		minC   int64
		maxC   int64
		raised int64
		target int64
	)
	err = tx.QueryRow(ctx, `
SELECT status::text, min_contribution, max_contribution, total_raised, target_amount
FROM opportunities
WHERE id = $1
`, opportunityID).Scan(&status, &minC, &maxC, &raised, &target)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ledger: classify refusal: %w", err)
	}

	switch {
	case status != StatusActive && status != StatusFunding:
		return "", ErrOpportunityNotFundable
	case amount < minC || amount > maxC:
		return "", ErrOutOfBounds
	default:
		return "", ErrCapacityExceeded
	}
}

// InsertContribution records the accepted pledge in pending_payment.
func (r *Repository) InsertContribution(ctx context.Context, tx pgx.Tx, opportunityID, investorID string, amount int64) (Contribution, error) {
	const insertSQL = `
INSERT INTO contributions (opportunity_id, investor_id, amount, status)
VALUES ($1, $2, $3, 'pending_payment')
RETURNING id, opportunity_id, investor_id, amount, status::text, created_at, updated_at
`
	var c Contribution
	err := tx.QueryRow(ctx, insertSQL, opportunityID, investorID, amount).Scan(
		&c.ID, &c.OpportunityID, &c.InvestorID, &c.Amount, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Contribution{}, fmt.Errorf("ledger: insert contribution: %w", err)
	}
	return c, nil
}

// ReleasePledge undoes a pending pledge: it locks the escrow shell and
// the contribution, verifies ownership and state, removes both rows, and
// gives the capacity back.
func (r *Repository) ReleasePledge(ctx context.Context, tx pgx.Tx, contributionID, investorID string) (Contribution, error) {
	// Lock order agrees with the funding confirmation path: escrow row
	// first, then the contribution, so the two cannot deadlock.
	var shellID string
	err := tx.QueryRow(ctx, `
SELECT id::text FROM escrow_transactions WHERE contribution_id = $1 FOR UPDATE
`, contributionID).Scan(&shellID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Contribution{}, fmt.Errorf("ledger: lock escrow shell: %w", err)
	}

	var c Contribution
	err = tx.QueryRow(ctx, `
SELECT id, opportunity_id, investor_id, amount, status::text, created_at, updated_at
FROM contributions
WHERE id = $1
FOR UPDATE
`, contributionID).Scan(&c.ID, &c.OpportunityID, &c.InvestorID, &c.Amount, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contribution{}, ErrNotFound
		}
		return Contribution{}, fmt.Errorf("ledger: lock contribution: %w", err)
	}

	if c.InvestorID != investorID {
		return Contribution{}, ErrForbidden
	}
	if c.Status != ContributionPendingPayment {
		return Contribution{}, ErrNotCancelable
	}

	// The paired escrow transaction is still an unfunded shell at this point;
	// discard it with the pledge.
	if _, err := tx.Exec(ctx, `
DELETE FROM escrow_audit_events
WHERE transaction_id IN (SELECT id FROM escrow_transactions WHERE contribution_id = $1)
`, contributionID); err != nil {
		return Contribution{}, fmt.Errorf("ledger: drop escrow audit: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM escrow_transactions WHERE contribution_id = $1`, contributionID); err != nil {
		return Contribution{}, fmt.Errorf("ledger: drop escrow shell: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM contributions WHERE id = $1`, contributionID); err != nil {
		return Contribution{}, fmt.Errorf("ledger: delete contribution: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE opportunities
SET total_raised = total_raised - $2,
    updated_at = now()
WHERE id = $1
`, c.OpportunityID, c.Amount); err != nil {
		return Contribution{}, fmt.Errorf("ledger: release capacity: %w", err)
	}

	return c, nil
}

// PGStore exposes the pool-backed reads the ledger service needs outside a
// mutation transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// GetOpportunity fetches one opportunity row.
func (s *PGStore) GetOpportunity(ctx context.Context, opportunityID string) (Opportunity, error) {
	var o Opportunity
	err := s.pool.QueryRow(ctx, `
SELECT id, issuer_id, title, target_amount, min_contribution, max_contribution,
       expected_return_rate, term_months, term_deadline, collateral_type,
       collateral_location, appraised_value, status::text, total_raised,
       created_at, updated_at
FROM opportunities
WHERE id = $1
`, opportunityID).Scan(
		&o.ID, &o.IssuerID, &o.Title, &o.TargetAmount, &o.MinContribution, &o.MaxContribution,
		&o.ExpectedReturnRate, &o.TermMonths, &o.TermDeadline, &o.CollateralType,
		&o.CollateralLocation, &o.AppraisedValue, &o.Status, &o.TotalRaised,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Opportunity{}, ErrNotFound
		}
		return Opportunity{}, fmt.Errorf("ledger: get opportunity: %w", err)
	}
	return o, nil
}

// Snapshot reads the funding position and all contributions in one
// transaction so the totals and the rows agree with each other.
func (s *PGStore) Snapshot(ctx context.Context, opportunityID string) (Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var snap Snapshot
	snap.OpportunityID = opportunityID
	err = tx.QueryRow(ctx, `
SELECT status::text, target_amount, total_raised
FROM opportunities
WHERE id = $1
`, opportunityID).Scan(&snap.Status, &snap.TargetAmount, &snap.TotalRaised)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("ledger: snapshot opportunity: %w", err)
	}
	snap.RemainingCapacity = snap.TargetAmount - snap.TotalRaised

	rows, err := tx.Query(ctx, `
SELECT id, opportunity_id, investor_id, amount, status::text, created_at, updated_at
FROM contributions
WHERE opportunity_id = $1
ORDER BY created_at
`, opportunityID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: snapshot contributions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Contribution
		if err := rows.Scan(&c.ID, &c.OpportunityID, &c.InvestorID, &c.Amount, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return Snapshot{}, fmt.Errorf("ledger: scan contribution: %w", err)
		}
		snap.Contributions = append(snap.Contributions, c)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("ledger: iterate contributions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("ledger: commit snapshot: %w", err)
	}
	return snap, nil
}
