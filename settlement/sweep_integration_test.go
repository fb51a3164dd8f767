package settlement

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
)

// TestSweep_Integration seeds an overdue opportunity with one in-flight
// and one completed transaction, runs the sweep against a real PostgreSQL
// (DATABASE_URL), and verifies only the in-flight one defaults.
func TestSweep_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='escrow_transactions')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/0001_core.sql first")
	}

	nano := time.Now().UnixNano()
	var investorID, issuerID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Sweep Investor','investor') RETURNING id::text`,
		fmt.Sprintf("sweep-inv+%d@example.com", nano)).Scan(&investorID); err != nil {
		t.Fatalf("seed investor: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Sweep Issuer','issuer') RETURNING id::text`,
		fmt.Sprintf("sweep-iss+%d@example.com", nano)).Scan(&issuerID); err != nil {
		t.Fatalf("seed issuer: %v", err)
	}

	var opportunityID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO opportunities (issuer_id, title, target_amount, min_contribution, max_contribution, term_deadline, status, total_raised)
        VALUES ($1, $2, 100000, 1000, 80000, now() - interval '1 day', 'funding', 50000)
        RETURNING id::text
    `, issuerID, fmt.Sprintf("Overdue opportunity %d", nano)).Scan(&opportunityID); err != nil {
		t.Fatalf("seed opportunity: %v", err)
	}

	seedTxn := func(state string) string {
		var contributionID, txnID string
		if err := pool.QueryRow(ctx, `INSERT INTO contributions (opportunity_id, investor_id, amount, status) VALUES ($1,$2,25000,'funded') RETURNING id::text`,
			opportunityID, investorID).Scan(&contributionID); err != nil {
			t.Fatalf("seed contribution: %v", err)
		}
		if err := pool.QueryRow(ctx, `
            INSERT INTO escrow_transactions (contribution_id, opportunity_id, investor_id, issuer_id, amount, state, terminal_at)
            VALUES ($1,$2,$3,$4,25000,$5::escrow_state, CASE WHEN $5 IN ('completed','failed','defaulted') THEN now() END)
            RETURNING id::text
        `, contributionID, opportunityID, investorID, issuerID, state).Scan(&txnID); err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
		return txnID
	}
	openTxn := seedTxn("funds_released")
	doneTxn := seedTxn("completed")

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM escrow_audit_events WHERE transaction_id IN ($1,$2)`, openTxn, doneTxn)
		pool.Exec(ctx2, `DELETE FROM escrow_transactions WHERE opportunity_id=$1`, opportunityID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'opportunity_id' = $1`, opportunityID)
		pool.Exec(ctx2, `DELETE FROM contributions WHERE opportunity_id=$1`, opportunityID)
		pool.Exec(ctx2, `DELETE FROM opportunities WHERE id=$1`, opportunityID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1,$2)`, investorID, issuerID)
	})

	engine := escrow.NewService(pool, escrow.NewRepository(pool))
	sweeper := NewSweeper(pool, engine, nil)

	swept, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept < 1 {
		t.Fatalf("expected at least one opportunity swept, got %d", swept)
	}

	var openState, doneState, oppStatus string
	if err := pool.QueryRow(ctx, `SELECT state::text FROM escrow_transactions WHERE id=$1`, openTxn).Scan(&openState); err != nil {
		t.Fatalf("verify open txn: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT state::text FROM escrow_transactions WHERE id=$1`, doneTxn).Scan(&doneState); err != nil {
		t.Fatalf("verify done txn: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT status::text FROM opportunities WHERE id=$1`, opportunityID).Scan(&oppStatus); err != nil {
		t.Fatalf("verify opportunity: %v", err)
	}
	if openState != "defaulted" {
		t.Fatalf("expected open transaction defaulted, got %s", openState)
	}
	if doneState != "completed" {
		t.Fatalf("completed transaction must not move, got %s", doneState)
	}
	if oppStatus != "defaulted" {
		t.Fatalf("expected defaulted opportunity, got %s", oppStatus)
	}

	// Rerunning the sweep is a no-op.
	if _, err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("rerun sweep: %v", err)
	}
	var eventCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic=$1 AND payload->>'opportunity_id'=$2`,
		TopicOpportunityDefaulted, opportunityID).Scan(&eventCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected exactly one defaulted event, got %d", eventCount)
	}
}
