package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/collateral"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

// fatal returns ctx.Err() when the run is shutting down. Every other
// actor error is tolerated: domain refusals and invalid-transition
// rejections are expected under contention, and chaos kills backends
// mid-query. Correctness is asserted by the oracles, not by the actors.
func fatal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Pledger stakes random amounts on the opportunity, occasionally outside
// the allowed bounds, and sometimes cancels one of its pending pledges.
func Pledger(ctx context.Context, pool *pgxpool.Pool, investorID, opportunityID string, stop <-chan struct{}) error {
	svc := ledger.NewService(pool, nil, nil)
	actor := identity.Actor{UserID: investorID, Role: identity.RoleInvestor}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(1_000 * (1 + rand.Intn(100)))
		if _, err := svc.Pledge(ctx, actor, opportunityID, amount); err != nil {
			if e := fatal(ctx, err); e != nil {
				return fmt.Errorf("pledger: %w", e)
			}
		}

		if rand.Intn(4) == 0 {
			var contributionID string
			err := pool.QueryRow(ctx, `
                SELECT id::text FROM contributions
                WHERE investor_id=$1 AND status='pending_payment'
                ORDER BY random() LIMIT 1
            `, investorID).Scan(&contributionID)
			if err == nil {
				if err := svc.CancelPledge(ctx, actor, contributionID); err != nil {
					if e := fatal(ctx, err); e != nil {
						return fmt.Errorf("pledger cancel: %w", e)
					}
				}
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// PaymentConfirmer plays the payment provider: it confirms settlement for
// random pending transactions, replaying some confirmations to exercise
// the idempotency key path.
func PaymentConfirmer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	svc := escrow.NewService(pool, escrow.NewRepository(pool))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var txnID string
		err := pool.QueryRow(ctx, `
            SELECT id::text FROM escrow_transactions
            WHERE state='pending_payment' ORDER BY random() LIMIT 1
        `).Scan(&txnID)
		if err == nil {
			req := escrow.ConfirmFundingRequest{
				TransactionID:  txnID,
				IdempotencyKey: "stress-pay-" + txnID,
				PaymentRef:     fmt.Sprintf("wire-%d", rand.Int63()),
			}
			attempts := 1 + rand.Intn(2)
			for i := 0; i < attempts; i++ {
				if err := svc.ConfirmFunding(ctx, req); err != nil {
					if e := fatal(ctx, err); e != nil {
						return fmt.Errorf("payment confirmer: %w", e)
					}
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// CollateralOfficer drives the verification workflow: the issuer submits
// documents whenever no submission is pending and the arbiter verifies
// (or occasionally rejects) the current one.
func CollateralOfficer(ctx context.Context, pool *pgxpool.Pool, issuerID, arbiterID, opportunityID string, stop <-chan struct{}) error {
	svc := collateral.NewService(pool, nil)
	store := collateral.NewStore(pool)
	issuer := identity.Actor{UserID: issuerID, Role: identity.RoleIssuer}
	arbiter := identity.Actor{UserID: arbiterID, Role: identity.RoleArbiter}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.Submit(ctx, issuer, collateral.SubmitParams{
			OpportunityID: opportunityID,
			DocumentRef:   fmt.Sprintf("doc://deed-%d", rand.Int63()),
		}); err != nil {
			if e := fatal(ctx, err); e != nil {
				return fmt.Errorf("collateral submit: %w", e)
			}
		}

		sub, err := store.Current(ctx, opportunityID)
		if err == nil && sub.Status == collateral.StatusPendingVerification {
			outcome := collateral.StatusVerified
			if rand.Intn(10) == 0 {
				outcome = collateral.StatusRejected
			}
			if _, err := svc.Decide(ctx, arbiter, sub.ID, outcome, "stress decision"); err != nil {
				if e := fatal(ctx, err); e != nil {
					return fmt.Errorf("collateral decide: %w", e)
				}
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Releaser walks verified transactions forward: the owning investor
// authorizes release and the arbiter pays out, with replayed release
// calls to exercise stored-result idempotency.
func Releaser(ctx context.Context, pool *pgxpool.Pool, arbiterID string, stop <-chan struct{}) error {
	svc := escrow.NewService(pool, escrow.NewRepository(pool))
	arbiter := identity.Actor{UserID: arbiterID, Role: identity.RoleArbiter}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var txnID, investorID string
		err := pool.QueryRow(ctx, `
            SELECT id::text, investor_id::text FROM escrow_transactions
            WHERE state='collateral_verified' ORDER BY random() LIMIT 1
        `).Scan(&txnID, &investorID)
		if err == nil {
			investor := identity.Actor{UserID: investorID, Role: identity.RoleInvestor}
			if _, err := svc.AuthorizeRelease(ctx, investor, txnID); err != nil {
				if e := fatal(ctx, err); e != nil {
					return fmt.Errorf("authorize release: %w", e)
				}
			}
		}

		err = pool.QueryRow(ctx, `
            SELECT id::text FROM escrow_transactions
            WHERE state='release_authorized' ORDER BY random() LIMIT 1
        `).Scan(&txnID)
		if err == nil {
			key := "stress-rel-" + txnID
			attempts := 1 + rand.Intn(2)
			for i := 0; i < attempts; i++ {
				if _, err := svc.ReleaseFunds(ctx, arbiter, txnID, key); err != nil {
					if e := fatal(ctx, err); e != nil {
						return fmt.Errorf("release funds: %w", e)
					}
				}
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// ReturnRecorder plays the issuer paying investors back with a 10% return
// once funds have been released, then the arbiter completes settlement.
func ReturnRecorder(ctx context.Context, pool *pgxpool.Pool, arbiterID string, stop <-chan struct{}) error {
	svc := escrow.NewService(pool, escrow.NewRepository(pool))
	arbiter := identity.Actor{UserID: arbiterID, Role: identity.RoleArbiter}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var txnID, issuerID string
		var amount int64
		err := pool.QueryRow(ctx, `
            SELECT id::text, issuer_id::text, amount FROM escrow_transactions
            WHERE state='funds_released' ORDER BY random() LIMIT 1
        `).Scan(&txnID, &issuerID, &amount)
		if err == nil {
			issuer := identity.Actor{UserID: issuerID, Role: identity.RoleIssuer}
			if _, err := svc.RecordReturn(ctx, issuer, txnID, amount+amount/10, "stress-ret-"+txnID); err != nil {
				if e := fatal(ctx, err); e != nil {
					return fmt.Errorf("record return: %w", e)
				}
			}
		}

		err = pool.QueryRow(ctx, `
            SELECT id::text FROM escrow_transactions
            WHERE state='return_paid' ORDER BY random() LIMIT 1
        `).Scan(&txnID)
		if err == nil {
			if _, err := svc.Complete(ctx, arbiter, txnID, "stress complete"); err != nil {
				if e := fatal(ctx, err); e != nil {
					return fmt.Errorf("complete: %w", e)
				}
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker runs the real dispatcher with the settlement coordinator
// registered, so pledged events open escrow transactions and collateral
// decisions fan out exactly as they do in production.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	engine := escrow.NewService(pool, escrow.NewRepository(pool))
	dispatcher := outbox.NewDispatcher(pool, nil, outbox.DispatcherConfig{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    16,
		MaxAttempts:  5,
	}, nil)
	settlement.NewCoordinator(pool, engine, nil).Register(dispatcher)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := dispatcher.DrainOnce(ctx); err != nil {
			if e := fatal(ctx, err); e != nil {
				return fmt.Errorf("outbox worker: %w", e)
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Sweeper runs the default sweep on a tight loop. With the seeded
// deadline in the future it mostly verifies the sweep never touches
// healthy rows.
func Sweeper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	engine := escrow.NewService(pool, escrow.NewRepository(pool))
	sweeper := settlement.NewSweeper(pool, engine, nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := sweeper.SweepOnce(ctx); err != nil {
			if e := fatal(ctx, err); e != nil {
				return fmt.Errorf("sweeper: %w", e)
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
}
