package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/collateral"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/outbox"
)

// Outbox topics emitted by the coordinator itself.
const (
	TopicOpportunityCompleted = "opportunity.completed"
	TopicOpportunityDefaulted = "opportunity.defaulted"
)

// EscrowEngine is the slice of the escrow service the coordinator drives.
// Every method must be idempotent; outbox delivery is at-least-once.
type EscrowEngine interface {
	CreateFromPledge(ctx context.Context, params escrow.CreateParams) (string, error)
	ApplyCollateralVerified(ctx context.Context, transactionID, submissionID string) error
	ApplyCollateralRejected(ctx context.Context, transactionID, reason string) error
	MarkDefaulted(ctx context.Context, transactionID, note string) error
}

// Coordinator reacts to domain events and keeps the ledger, collateral,
// and escrow aggregates converging: it opens custody records for new
// pledges, fans collateral decisions out to every waiting transaction,
// and closes opportunities once all their transactions settle.
type Coordinator struct {
	pool   *pgxpool.Pool
	engine EscrowEngine
	log    *zap.Logger
}

func NewCoordinator(pool *pgxpool.Pool, engine EscrowEngine, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{pool: pool, engine: engine, log: log}
}

// Register wires the coordinator's handlers into the dispatcher.
func (c *Coordinator) Register(d *outbox.Dispatcher) {
	d.Register(ledger.TopicContributionPledged, c.handleContributionPledged)
	d.Register(collateral.TopicCollateralVerified, c.handleCollateralVerified)
	d.Register(collateral.TopicCollateralRejected, c.handleCollateralRejected)
	d.Register(escrow.TopicStateChanged, c.handleStateChanged)
}

type pledgedEvent struct {
	ContributionID string `json:"contribution_id"`
	OpportunityID  string `json:"opportunity_id"`
	InvestorID     string `json:"investor_id"`
	IssuerID       string `json:"issuer_id"`
	Amount         int64  `json:"amount"`
}

func (c *Coordinator) handleContributionPledged(ctx context.Context, msg outbox.Message) error {
	var ev pledgedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("settlement: decode pledged event: %w", err)
	}

	txnID, err := c.engine.CreateFromPledge(ctx, escrow.CreateParams{
		ContributionID: ev.ContributionID,
		OpportunityID:  ev.OpportunityID,
		InvestorID:     ev.InvestorID,
		IssuerID:       ev.IssuerID,
		Amount:         ev.Amount,
	})
	if errors.Is(err, escrow.ErrContributionGone) {
		// The pledge was cancelled before this event was delivered.
		// Nothing to open; retrying would never succeed.
		c.log.Info("pledge cancelled before custody opened",
			zap.String("contribution_id", ev.ContributionID))
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Info("escrow transaction opened",
		zap.String("transaction_id", txnID),
		zap.String("contribution_id", ev.ContributionID))
	return nil
}

type collateralEvent struct {
	SubmissionID  string `json:"submission_id"`
	OpportunityID string `json:"opportunity_id"`
	Note          string `json:"note"`
}

func (c *Coordinator) handleCollateralVerified(ctx context.Context, msg outbox.Message) error {
	var ev collateralEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("settlement: decode collateral event: %w", err)
	}

	ids, err := c.waitingTransactions(ctx, ev.OpportunityID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.engine.ApplyCollateralVerified(ctx, id, ev.SubmissionID); err != nil {
			return err
		}
	}
	c.log.Info("collateral verification fanned out",
		zap.String("opportunity_id", ev.OpportunityID),
		zap.Int("transactions", len(ids)))
	return nil
}

func (c *Coordinator) handleCollateralRejected(ctx context.Context, msg outbox.Message) error {
	var ev collateralEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("settlement: decode collateral event: %w", err)
	}

	reason := ev.Note
	if reason == "" {
		reason = "collateral rejected"
	}
	ids, err := c.waitingTransactions(ctx, ev.OpportunityID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.engine.ApplyCollateralRejected(ctx, id, reason); err != nil {
			return err
		}
	}
	c.log.Info("collateral rejection fanned out",
		zap.String("opportunity_id", ev.OpportunityID),
		zap.Int("transactions", len(ids)))
	return nil
}

// waitingTransactions lists the transactions still parked on the
// collateral decision. Each is advanced in its own tx by the engine, so a
// crash mid-fanout resumes cleanly on redelivery.
func (c *Coordinator) waitingTransactions(ctx context.Context, opportunityID string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
        SELECT id::text FROM escrow_transactions
        WHERE opportunity_id=$1 AND state='awaiting_collateral'
        ORDER BY created_at
    `, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list waiting transactions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("settlement: scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type stateChangedEvent struct {
	TransactionID string `json:"transaction_id"`
	OpportunityID string `json:"opportunity_id"`
	To            string `json:"to"`
	Terminal      bool   `json:"terminal"`
}

// handleStateChanged watches for transactions reaching completed and
// closes the opportunity once every sibling has as well.
func (c *Coordinator) handleStateChanged(ctx context.Context, msg outbox.Message) error {
	var ev stateChangedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("settlement: decode state-changed event: %w", err)
	}
	if ev.To != string(escrow.StateCompleted) {
		return nil
	}
	return c.completeOpportunity(ctx, ev.OpportunityID)
}

// completeOpportunity flips the opportunity to completed once every
// transaction has finished (completed or failed) and at least one
// completed. The guarded UPDATE keeps redeliveries and concurrent
// completions from double-firing the event.
func (c *Coordinator) completeOpportunity(ctx context.Context, opportunityID string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        UPDATE opportunities SET status='completed', updated_at=now()
        WHERE id=$1 AND status IN ('active','funding')
          AND EXISTS (
              SELECT 1 FROM escrow_transactions e
              WHERE e.opportunity_id=$1 AND e.state = 'completed')
          AND NOT EXISTS (
              SELECT 1 FROM escrow_transactions e
              WHERE e.opportunity_id=$1 AND e.state NOT IN ('completed','failed'))
    `, opportunityID)
	if err != nil {
		return fmt.Errorf("settlement: complete opportunity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if err := outbox.Enqueue(ctx, tx, TopicOpportunityCompleted, map[string]any{
		"opportunity_id": opportunityID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit completion: %w", err)
	}
	c.log.Info("opportunity settled", zap.String("opportunity_id", opportunityID))
	return nil
}
