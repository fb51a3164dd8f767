package collateral

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/identity"
	"escrowflow/outbox"
)

var (
	// ErrNotFound is returned when no submission or opportunity row exists.
	ErrNotFound = errors.New("collateral: not found")
	// ErrForbidden signals the caller lacks the role or ownership for the operation.
	ErrForbidden = errors.New("collateral: forbidden")
	// ErrAlreadyDecided signals the submission is no longer pending.
	ErrAlreadyDecided = errors.New("collateral: submission already decided")
	// ErrPendingExists signals the opportunity already has an undecided submission.
	ErrPendingExists = errors.New("collateral: pending submission already exists")
	// ErrInvalidOutcome signals an outcome other than verified/rejected.
	ErrInvalidOutcome = errors.New("collateral: invalid outcome")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventSink appends domain events inside the caller's transaction.
type EventSink interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type outboxSink struct{}

func (outboxSink) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return outbox.Enqueue(ctx, tx, topic, payload)
}

// Service tracks collateral submissions from issuers through arbiter decisions.
type Service struct {
	pool   TxBeginner
	events EventSink
}

func NewService(pool TxBeginner, events EventSink) *Service {
	if events == nil {
		events = outboxSink{}
	}
	return &Service{pool: pool, events: events}
}

// SubmitParams carries the issuer-supplied document descriptor.
type SubmitParams struct {
	OpportunityID string
	DocumentRef   string
	DocumentKind  string
}

// Submit opens a new verification attempt. Only the opportunity's issuer may
// submit, and only while no other submission is pending.
func (s *Service) Submit(ctx context.Context, actor identity.Actor, params SubmitParams) (Submission, error) {
	if actor.Role != identity.RoleIssuer {
		return Submission{}, ErrForbidden
	}
	if params.OpportunityID == "" || params.DocumentRef == "" {
		return Submission{}, fmt.Errorf("collateral: opportunity id and document ref required")
	}
	if params.DocumentKind == "" {
		params.DocumentKind = "title_deed"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Submission{}, fmt.Errorf("collateral: begin submit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Ownership gate: the insert only matches when the caller issued the
	// opportunity, mirroring the guarded-insert idiom used elsewhere.
	const insertSQL = `
INSERT INTO collateral_submissions (opportunity_id, issuer_id, document_ref, document_kind)
SELECT o.id, $2, $3, $4
FROM opportunities o
WHERE o.id = $1 AND o.issuer_id = $2
RETURNING id, opportunity_id, issuer_id, document_ref, document_kind, status::text, arbiter_id, note, decided_at, created_at
`
	var sub Submission
	err = tx.QueryRow(ctx, insertSQL, params.OpportunityID, actor.UserID, params.DocumentRef, params.DocumentKind).Scan(
		&sub.ID, &sub.OpportunityID, &sub.IssuerID, &sub.DocumentRef, &sub.DocumentKind,
		&sub.Status, &sub.ArbiterID, &sub.Note, &sub.DecidedAt, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Submission{}, ErrForbidden
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Submission{}, ErrPendingExists
		}
		return Submission{}, fmt.Errorf("collateral: insert submission: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Submission{}, fmt.Errorf("collateral: commit submit: %w", err)
	}
	return sub, nil
}

// Decide records the arbiter's verdict exactly once and emits the
// corresponding event for the settlement fan-out in the same transaction.
func (s *Service) Decide(ctx context.Context, actor identity.Actor, submissionID string, outcome Status, note string) (Submission, error) {
	if actor.Role != identity.RoleArbiter {
		return Submission{}, ErrForbidden
	}
	if outcome != StatusVerified && outcome != StatusRejected {
		return Submission{}, ErrInvalidOutcome
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Submission{}, fmt.Errorf("collateral: begin decide tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	if err := tx.QueryRow(ctx, `
SELECT status::text FROM collateral_submissions WHERE id = $1 FOR UPDATE
`, submissionID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		return Submission{}, fmt.Errorf("collateral: lock submission: %w", err)
	}
	if current != StatusPendingVerification {
		return Submission{}, ErrAlreadyDecided
	}

	const decideSQL = `
UPDATE collateral_submissions
SET status = $2::submission_status,
    arbiter_id = $3,
    note = $4,
    decided_at = now()
WHERE id = $1
RETURNING id, opportunity_id, issuer_id, document_ref, document_kind, status::text, arbiter_id, note, decided_at, created_at
`
	var sub Submission
	err = tx.QueryRow(ctx, decideSQL, submissionID, outcome, actor.UserID, note).Scan(
		&sub.ID, &sub.OpportunityID, &sub.IssuerID, &sub.DocumentRef, &sub.DocumentKind,
		&sub.Status, &sub.ArbiterID, &sub.Note, &sub.DecidedAt, &sub.CreatedAt)
	if err != nil {
		return Submission{}, fmt.Errorf("collateral: record decision: %w", err)
	}

	topic := TopicCollateralVerified
	if outcome == StatusRejected {
		topic = TopicCollateralRejected
	}
	payload := map[string]any{
		"submission_id":  sub.ID,
		"opportunity_id": sub.OpportunityID,
		"arbiter_id":     actor.UserID,
		"note":           note,
	}
	if err := s.events.Enqueue(ctx, tx, topic, payload); err != nil {
		return Submission{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Submission{}, fmt.Errorf("collateral: commit decide: %w", err)
	}
	return sub, nil
}

// Store exposes the pool-backed reads for submissions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Current returns the opportunity's newest pending submission, or the newest
// decided one when nothing is pending.
func (s *Store) Current(ctx context.Context, opportunityID string) (Submission, error) {
	const q = `
SELECT id, opportunity_id, issuer_id, document_ref, document_kind, status::text, arbiter_id, note, decided_at, created_at
FROM collateral_submissions
WHERE opportunity_id = $1
ORDER BY (status = 'pending_verification') DESC,
         COALESCE(decided_at, created_at) DESC
LIMIT 1
`
	var sub Submission
	err := s.pool.QueryRow(ctx, q, opportunityID).Scan(
		&sub.ID, &sub.OpportunityID, &sub.IssuerID, &sub.DocumentRef, &sub.DocumentKind,
		&sub.Status, &sub.ArbiterID, &sub.Note, &sub.DecidedAt, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		return Submission{}, fmt.Errorf("collateral: current submission: %w", err)
	}
	return sub, nil
}
