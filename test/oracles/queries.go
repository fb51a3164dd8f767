package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks the stress run evaluates on a ticker.
// Each query must return zero rows on a healthy database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_capacity_bounds",
			SQL: `SELECT id, total_raised, target_amount FROM opportunities
                  WHERE total_raised < 0 OR total_raised > target_amount`,
		},
		{
			Name: "O2_ledger_sum",
			SQL: `SELECT o.id, o.total_raised, COALESCE(s.total, 0) AS contributed
                  FROM opportunities o
                  LEFT JOIN (SELECT opportunity_id, SUM(amount) AS total
                             FROM contributions GROUP BY opportunity_id) s
                    ON s.opportunity_id = o.id
                  WHERE o.total_raised <> COALESCE(s.total, 0)`,
		},
		{
			Name: "O3_audit_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT transaction_id, seq,
                             LAG(seq) OVER (PARTITION BY transaction_id ORDER BY seq) AS prev
                      FROM escrow_audit_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O4_terminal_immobility",
			SQL: `SELECT transaction_id, prior_state, next_state FROM escrow_audit_events
                  WHERE prior_state IN ('completed','failed','defaulted')`,
		},
		{
			Name: "O5_transition_legality",
			SQL: `SELECT transaction_id, prior_state, next_state FROM escrow_audit_events
                  WHERE (prior_state::text, next_state::text) NOT IN (
                      ('pending_payment','awaiting_collateral'),
                      ('awaiting_collateral','collateral_verified'),
                      ('awaiting_collateral','failed'),
                      ('collateral_verified','release_authorized'),
                      ('release_authorized','funds_released'),
                      ('funds_released','return_paid'),
                      ('return_paid','completed'),
                      ('pending_payment','defaulted'),
                      ('awaiting_collateral','defaulted'),
                      ('collateral_verified','defaulted'),
                      ('release_authorized','defaulted'),
                      ('funds_released','defaulted'),
                      ('return_paid','defaulted'))`,
		},
		{
			Name: "O6_single_release",
			SQL: `SELECT transaction_id, COUNT(*) FROM escrow_audit_events
                  WHERE next_state = 'funds_released'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_contribution_pairing",
			SQL: `SELECT e.id, e.state, c.status FROM escrow_transactions e
                  JOIN contributions c ON c.id = e.contribution_id
                  WHERE (e.state <> 'pending_payment' AND c.status = 'pending_payment')
                     OR (e.state = 'defaulted' AND c.status <> 'collateral_transferred')
                     OR (e.state = 'failed' AND c.status <> 'refunded')`,
		},
		{
			Name: "O8_terminal_stamp",
			SQL: `SELECT id, state FROM escrow_transactions
                  WHERE (state IN ('completed','failed','defaulted')) <> (terminal_at IS NOT NULL)`,
		},
		{
			Name: "O9_single_pending_submission",
			SQL: `SELECT opportunity_id, COUNT(*) FROM collateral_submissions
                  WHERE status = 'pending_verification'
                  GROUP BY opportunity_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O10_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
