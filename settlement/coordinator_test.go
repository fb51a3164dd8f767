package settlement

import (
	"context"
	"encoding/json"
	"testing"

	"escrowflow/escrow"
	"escrowflow/outbox"
)

func TestHandleContributionPledged_OpensTransaction(t *testing.T) {
	engine := &fakeEngine{}
	c := NewCoordinator(nil, engine, nil)

	payload, _ := json.Marshal(map[string]any{
		"contribution_id": "c-1",
		"opportunity_id":  "opp-1",
		"investor_id":     "inv-1",
		"issuer_id":       "iss-1",
		"amount":          int64(40_000),
	})
	err := c.handleContributionPledged(context.Background(), outbox.Message{Topic: "contribution.pledged", Payload: payload})
	if err != nil {
		t.Fatalf("handle pledged: %v", err)
	}
	if len(engine.created) != 1 {
		t.Fatalf("expected one create, got %d", len(engine.created))
	}
	got := engine.created[0]
	if got.ContributionID != "c-1" || got.Amount != 40_000 || got.IssuerID != "iss-1" {
		t.Fatalf("unexpected params: %+v", got)
	}
}

func TestHandleContributionPledged_CancelledPledgeIsSkipped(t *testing.T) {
	engine := &fakeEngine{createErr: escrow.ErrContributionGone}
	c := NewCoordinator(nil, engine, nil)

	payload, _ := json.Marshal(map[string]any{
		"contribution_id": "c-gone",
		"opportunity_id":  "opp-1",
		"investor_id":     "inv-1",
		"issuer_id":       "iss-1",
		"amount":          int64(5_000),
	})
	err := c.handleContributionPledged(context.Background(), outbox.Message{Topic: "contribution.pledged", Payload: payload})
	if err != nil {
		t.Fatalf("a cancelled pledge must not be retried, got %v", err)
	}
}

func TestHandleContributionPledged_BadPayload(t *testing.T) {
	c := NewCoordinator(nil, &fakeEngine{}, nil)
	err := c.handleContributionPledged(context.Background(), outbox.Message{Payload: []byte("{")})
	if err == nil {
		t.Fatal("expected decode error so the message is retried")
	}
}

func TestHandleStateChanged_IgnoresNonCompleted(t *testing.T) {
	// pool is nil; touching it would panic, proving the early return.
	c := NewCoordinator(nil, &fakeEngine{}, nil)

	payload, _ := json.Marshal(map[string]any{
		"transaction_id": "txn-1",
		"opportunity_id": "opp-1",
		"to":             string(escrow.StateFundsReleased),
		"terminal":       false,
	})
	if err := c.handleStateChanged(context.Background(), outbox.Message{Payload: payload}); err != nil {
		t.Fatalf("expected nil for non-completed transition, got %v", err)
	}
}

type fakeEngine struct {
	created   []escrow.CreateParams
	createErr error
	verified  []string
	rejected  []string
	defaulted []string
}

func (f *fakeEngine) CreateFromPledge(ctx context.Context, params escrow.CreateParams) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, params)
	return "txn-1", nil
}

func (f *fakeEngine) ApplyCollateralVerified(ctx context.Context, transactionID, submissionID string) error {
	f.verified = append(f.verified, transactionID)
	return nil
}

func (f *fakeEngine) ApplyCollateralRejected(ctx context.Context, transactionID, reason string) error {
	f.rejected = append(f.rejected, transactionID)
	return nil
}

func (f *fakeEngine) MarkDefaulted(ctx context.Context, transactionID, note string) error {
	f.defaulted = append(f.defaulted, transactionID)
	return nil
}
