package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/identity"
	"escrowflow/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PledgeRepository defines the transactional data access required by the service.
type PledgeRepository interface {
	ReservePledge(ctx context.Context, tx pgx.Tx, opportunityID string, amount int64) (issuerID string, err error)
	InsertContribution(ctx context.Context, tx pgx.Tx, opportunityID, investorID string, amount int64) (Contribution, error)
	ReleasePledge(ctx context.Context, tx pgx.Tx, contributionID, investorID string) (Contribution, error)
}

// EventSink appends domain events inside the caller's transaction.
type EventSink interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type outboxSink struct{}

func (outboxSink) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return outbox.Enqueue(ctx, tx, topic, payload)
}

// Service is the only path by which funding totals change.
type Service struct {
	pool   TxBeginner
	repo   PledgeRepository
	events EventSink
}

func NewService(pool TxBeginner, repo PledgeRepository, events EventSink) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if events == nil {
		events = outboxSink{}
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		events: events,
	}
}

// Pledge stakes amount on an opportunity for the calling investor. The
// capacity reservation, the contribution insert, and the pledge event commit
// atomically; on any refusal no state changes.
func (s *Service) Pledge(ctx context.Context, actor identity.Actor, opportunityID string, amount int64) (Contribution, error) {
	if actor.Role != identity.RoleInvestor {
		return Contribution{}, ErrForbidden
	}
	if opportunityID == "" {
		return Contribution{}, fmt.Errorf("ledger: missing opportunity id")
	}
	if amount <= 0 {
		return Contribution{}, ErrOutOfBounds
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contribution{}, fmt.Errorf("ledger: begin pledge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	issuerID, err := s.repo.ReservePledge(ctx, tx, opportunityID, amount)
	if err != nil {
		return Contribution{}, err
	}

	contribution, err := s.repo.InsertContribution(ctx, tx, opportunityID, actor.UserID, amount)
	if err != nil {
		return Contribution{}, err
	}

	payload := map[string]any{
		"contribution_id": contribution.ID,
		"opportunity_id":  opportunityID,
		"investor_id":     actor.UserID,
		"issuer_id":       issuerID,
		"amount":          amount,
	}
	if err := s.events.Enqueue(ctx, tx, TopicContributionPledged, payload); err != nil {
		return Contribution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contribution{}, fmt.Errorf("ledger: commit pledge: %w", err)
	}

	return contribution, nil
}

// CancelPledge withdraws a pledge that has not been funded yet. Once the
// contribution leaves pending_payment the operation is refused.
func (s *Service) CancelPledge(ctx context.Context, actor identity.Actor, contributionID string) error {
	if actor.Role != identity.RoleInvestor {
		return ErrForbidden
	}
	if contributionID == "" {
		return fmt.Errorf("ledger: missing contribution id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contribution, err := s.repo.ReleasePledge(ctx, tx, contributionID, actor.UserID)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"contribution_id": contribution.ID,
		"opportunity_id":  contribution.OpportunityID,
		"investor_id":     contribution.InvestorID,
		"amount":          contribution.Amount,
	}
	if err := s.events.Enqueue(ctx, tx, TopicContributionCancelled, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit cancel: %w", err)
	}
	return nil
}

// CreateOpportunityParams enumerates the issuer-supplied fields.
type CreateOpportunityParams struct {
	Title              string
	TargetAmount       int64
	MinContribution    int64
	MaxContribution    int64
	ExpectedReturnRate float64
	TermMonths         int
	TermDeadline       time.Time
	CollateralType     string
	CollateralLocation string
	AppraisedValue     int64
}

// OpportunityService owns opportunity lifecycle moves that are not settlement
// outcomes: creation by the issuer and activation by an arbiter. Completion
// and default belong to the settlement coordinator.
type OpportunityService struct {
	pool TxBeginner
}

func NewOpportunityService(pool TxBeginner) *OpportunityService {
	return &OpportunityService{pool: pool}
}

func (s *OpportunityService) Create(ctx context.Context, actor identity.Actor, params CreateOpportunityParams) (Opportunity, error) {
	if actor.Role != identity.RoleIssuer {
		return Opportunity{}, ErrForbidden
	}
	if params.Title == "" {
		return Opportunity{}, fmt.Errorf("ledger: title required")
	}
	if params.TargetAmount <= 0 {
		return Opportunity{}, fmt.Errorf("ledger: target amount must be positive")
	}
	if params.MinContribution <= 0 || params.MaxContribution < params.MinContribution {
		return Opportunity{}, fmt.Errorf("ledger: invalid contribution bounds")
	}
	if params.TermDeadline.IsZero() {
		return Opportunity{}, fmt.Errorf("ledger: term deadline required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Opportunity{}, fmt.Errorf("ledger: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO opportunities (
    issuer_id, title, target_amount, min_contribution, max_contribution,
    expected_return_rate, term_months, term_deadline, collateral_type,
    collateral_location, appraised_value, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending_approval')
RETURNING id, issuer_id, title, target_amount, min_contribution, max_contribution,
          expected_return_rate, term_months, term_deadline, collateral_type,
          collateral_location, appraised_value, status::text, total_raised,
          created_at, updated_at
`
	var o Opportunity
	err = tx.QueryRow(ctx, insertSQL,
		actor.UserID, params.Title, params.TargetAmount, params.MinContribution,
		params.MaxContribution, params.ExpectedReturnRate, params.TermMonths,
		params.TermDeadline, params.CollateralType, params.CollateralLocation,
		params.AppraisedValue,
	).Scan(
		&o.ID, &o.IssuerID, &o.Title, &o.TargetAmount, &o.MinContribution, &o.MaxContribution,
		&o.ExpectedReturnRate, &o.TermMonths, &o.TermDeadline, &o.CollateralType,
		&o.CollateralLocation, &o.AppraisedValue, &o.Status, &o.TotalRaised,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Opportunity{}, fmt.Errorf("ledger: insert opportunity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Opportunity{}, fmt.Errorf("ledger: commit create: %w", err)
	}
	return o, nil
}

// Approve moves a pending opportunity to active so it can accept pledges.
func (s *OpportunityService) Approve(ctx context.Context, actor identity.Actor, opportunityID string) error {
	if actor.Role != identity.RoleArbiter {
		return ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin approve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE opportunities
SET status = 'active', updated_at = now()
WHERE id = $1 AND status = 'pending_approval'
`, opportunityID)
	if err != nil {
		return fmt.Errorf("ledger: approve opportunity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM opportunities WHERE id = $1)`, opportunityID).Scan(&exists); err != nil {
			return fmt.Errorf("ledger: approve lookup: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidStatus
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit approve: %w", err)
	}
	return nil
}
