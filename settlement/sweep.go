package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"escrowflow/outbox"
)

// Sweeper defaults opportunities that blew past their term deadline. It
// runs on a cron schedule rather than per-opportunity timers so a restart
// never loses a pending default.
type Sweeper struct {
	pool   *pgxpool.Pool
	engine EscrowEngine
	log    *zap.Logger
}

func NewSweeper(pool *pgxpool.Pool, engine EscrowEngine, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{pool: pool, engine: engine, log: log}
}

// Schedule registers the sweep on c. The schedule uses the standard
// five-field cron syntax.
func (s *Sweeper) Schedule(c *cron.Cron, schedule string) (cron.EntryID, error) {
	return c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if n, err := s.SweepOnce(ctx); err != nil {
			s.log.Warn("default sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("default sweep finished", zap.Int("defaulted", n))
		}
	})
}

// SweepOnce defaults every overdue opportunity and returns how many it
// touched. Safe to rerun; terminal transactions and already-defaulted
// opportunities are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id::text FROM opportunities
        WHERE status IN ('active','funding') AND term_deadline < now()
        ORDER BY term_deadline
    `)
	if err != nil {
		return 0, fmt.Errorf("settlement: list overdue opportunities: %w", err)
	}
	var overdue []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("settlement: scan opportunity id: %w", err)
		}
		overdue = append(overdue, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("settlement: iterate overdue: %w", err)
	}

	swept := 0
	for _, opportunityID := range overdue {
		if err := s.defaultOpportunity(ctx, opportunityID); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (s *Sweeper) defaultOpportunity(ctx context.Context, opportunityID string) error {
	ids, err := s.openTransactions(ctx, opportunityID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.engine.MarkDefaulted(ctx, id, "term deadline passed"); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        UPDATE opportunities SET status='defaulted', updated_at=now()
        WHERE id=$1 AND status IN ('active','funding')
          AND NOT EXISTS (
              SELECT 1 FROM escrow_transactions e
              WHERE e.opportunity_id=$1
                AND e.state NOT IN ('completed','failed','defaulted'))
    `, opportunityID)
	if err != nil {
		return fmt.Errorf("settlement: default opportunity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if err := outbox.Enqueue(ctx, tx, TopicOpportunityDefaulted, map[string]any{
		"opportunity_id": opportunityID,
		"transactions":   len(ids),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit default: %w", err)
	}
	s.log.Info("opportunity defaulted",
		zap.String("opportunity_id", opportunityID),
		zap.Int("transactions", len(ids)))
	return nil
}

func (s *Sweeper) openTransactions(ctx context.Context, opportunityID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id::text FROM escrow_transactions
        WHERE opportunity_id=$1 AND state NOT IN ('completed','failed','defaulted')
        ORDER BY created_at
    `, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list open transactions: %w", err)
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
