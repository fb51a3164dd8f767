package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/identity"
)

func newTestTxn(state State) Transaction {
	return Transaction{
		ID:             "txn-1",
		ContributionID: "c-1",
		OpportunityID:  "opp-1",
		InvestorID:     "inv-1",
		IssuerID:       "iss-1",
		Amount:         25_000,
		State:          state,
	}
}

func TestCreateFromPledge_AssignsID(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StatePendingPayment))
	svc := NewService(pool, store).WithIDGenerator(func() string { return "txn-gen-1" })

	id, err := svc.CreateFromPledge(context.Background(), CreateParams{
		ContributionID: "c-9",
		OpportunityID:  "opp-1",
		InvestorID:     "inv-1",
		IssuerID:       "iss-1",
		Amount:         10_000,
	})
	if err != nil {
		t.Fatalf("create from pledge: %v", err)
	}
	if id != "txn-gen-1" {
		t.Fatalf("expected generated id, got %q", id)
	}
	if len(store.created) != 1 || store.created[0].ID != "txn-gen-1" {
		t.Fatalf("unexpected create params: %+v", store.created)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestConfirmFunding_HappyPath(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StatePendingPayment))
	svc := NewService(pool, store)

	err := svc.ConfirmFunding(context.Background(), ConfirmFundingRequest{
		TransactionID:  "txn-1",
		IdempotencyKey: "pay-1",
		PaymentRef:     "provider-ref-9",
	})
	if err != nil {
		t.Fatalf("confirm funding: %v", err)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(store.applied) != 1 || store.applied[0].Next != StateAwaitingCollateral {
		t.Fatalf("unexpected transitions: %+v", store.applied)
	}
	if len(store.contribStatuses) != 1 || store.contribStatuses[0] != "funded" {
		t.Fatalf("expected contribution funded, got %v", store.contribStatuses)
	}
	if len(store.eventTopics) != 1 || store.eventTopics[0] != TopicContributionFunded {
		t.Fatalf("expected funded event, got %v", store.eventTopics)
	}
}

func TestConfirmFunding_DuplicateKeyIsNoop(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StatePendingPayment))
	store.keys["pay-1"] = true
	svc := NewService(pool, store)

	err := svc.ConfirmFunding(context.Background(), ConfirmFundingRequest{
		TransactionID:  "txn-1",
		IdempotencyKey: "pay-1",
	})
	if err != nil {
		t.Fatalf("replayed webhook should succeed silently, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Fatalf("expected no transition on replay, got %+v", store.applied)
	}
	if pool.tx.committed {
		t.Error("expected no commit on replay")
	}
}

func TestAuthorizeRelease_OwnershipEnforced(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateCollateralVerified))
	svc := NewService(pool, store)

	stranger := identity.Actor{UserID: "inv-2", Role: identity.RoleInvestor}
	if _, err := svc.AuthorizeRelease(context.Background(), stranger, "txn-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Fatal("expected no transition")
	}
}

func TestAuthorizeRelease_WrongStateCarriesID(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateAwaitingCollateral))
	svc := NewService(pool, store)

	owner := identity.Actor{UserID: "inv-1", Role: identity.RoleInvestor}
	_, err := svc.AuthorizeRelease(context.Background(), owner, "txn-1")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.TransactionID != "txn-1" {
		t.Fatalf("expected transaction id on error, got %q", ite.TransactionID)
	}
	if pool.tx.committed {
		t.Error("expected rollback")
	}
}

func TestReleaseFunds_IssuerMustOwn(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateReleaseAuthorized))
	svc := NewService(pool, store)

	otherIssuer := identity.Actor{UserID: "iss-9", Role: identity.RoleIssuer}
	if _, err := svc.ReleaseFunds(context.Background(), otherIssuer, "txn-1", "rel-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestReleaseFunds_ArbiterSucceedsAndStoresResult(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateReleaseAuthorized))
	svc := NewService(pool, store)

	arbiter := identity.Actor{UserID: "arb-1", Role: identity.RoleArbiter}
	res, err := svc.ReleaseFunds(context.Background(), arbiter, "txn-1", "rel-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.State != StateFundsReleased || res.Amount != 25_000 || res.Replayed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := store.results["rel-1"]; !ok {
		t.Fatal("expected stored idempotency result")
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestReleaseFunds_ReplayReturnsStoredResult(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateFundsReleased))
	store.keys["rel-1"] = true
	stored, _ := json.Marshal(ReleaseResult{TransactionID: "txn-1", State: StateFundsReleased, Amount: 25_000})
	store.results["rel-1"] = stored
	svc := NewService(pool, store)

	arbiter := identity.Actor{UserID: "arb-1", Role: identity.RoleArbiter}
	res, err := svc.ReleaseFunds(context.Background(), arbiter, "txn-1", "rel-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Replayed {
		t.Error("expected replay flag")
	}
	if res.Amount != 25_000 || res.State != StateFundsReleased {
		t.Fatalf("unexpected replayed result: %+v", res)
	}
	if len(store.applied) != 0 {
		t.Fatal("replay must not touch the row")
	}
}

func TestRecordReturn_RejectsNonPositiveAmount(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateFundsReleased))
	svc := NewService(pool, store)

	issuer := identity.Actor{UserID: "iss-1", Role: identity.RoleIssuer}
	if _, err := svc.RecordReturn(context.Background(), issuer, "txn-1", 0, "ret-1"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if pool.tx != nil {
		t.Fatal("expected no transaction for invalid amount")
	}
}

func TestRecordReturn_Success(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateFundsReleased))
	svc := NewService(pool, store)

	issuer := identity.Actor{UserID: "iss-1", Role: identity.RoleIssuer}
	res, err := svc.RecordReturn(context.Background(), issuer, "txn-1", 27_500, "ret-1")
	if err != nil {
		t.Fatalf("record return: %v", err)
	}
	if res.State != StateReturnPaid || res.ReturnAmount != 27_500 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.applied[0].ReturnAmount == nil || *store.applied[0].ReturnAmount != 27_500 {
		t.Fatalf("expected return amount on transition, got %+v", store.applied[0])
	}
}

func TestComplete_FlipsContributionAndRequestsDocuments(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateReturnPaid))
	svc := NewService(pool, store)

	arbiter := identity.Actor{UserID: "arb-1", Role: identity.RoleArbiter}
	txn, err := svc.Complete(context.Background(), arbiter, "txn-1", "settled in full")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if txn.State != StateCompleted {
		t.Fatalf("expected completed, got %s", txn.State)
	}
	if len(store.contribStatuses) != 1 || store.contribStatuses[0] != "completed" {
		t.Fatalf("expected contribution completed, got %v", store.contribStatuses)
	}
	if len(store.eventTopics) != 1 || store.eventTopics[0] != TopicReleaseDocuments {
		t.Fatalf("expected release-documents event, got %v", store.eventTopics)
	}
}

func TestApplyCollateralVerified_SkipsAlreadyAdvanced(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateCollateralVerified))
	svc := NewService(pool, store)

	if err := svc.ApplyCollateralVerified(context.Background(), "txn-1", "sub-1"); err != nil {
		t.Fatalf("expected silent skip, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Fatal("expected no transition for already-advanced row")
	}
}

func TestApplyCollateralVerified_NeverRevivesFailedRow(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateFailed))
	svc := NewService(pool, store)

	if err := svc.ApplyCollateralVerified(context.Background(), "txn-1", "sub-2"); err != nil {
		t.Fatalf("expected silent skip, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Fatal("a failed row must stay failed when a later submission verifies")
	}
}

func TestApplyCollateralRejected_RefundsContribution(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateAwaitingCollateral))
	svc := NewService(pool, store)

	if err := svc.ApplyCollateralRejected(context.Background(), "txn-1", "deed mismatch"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if store.applied[0].Next != StateFailed {
		t.Fatalf("expected failed, got %s", store.applied[0].Next)
	}
	if len(store.contribStatuses) != 1 || store.contribStatuses[0] != "refunded" {
		t.Fatalf("expected refunded contribution, got %v", store.contribStatuses)
	}
}

func TestMarkDefaulted_TerminalRowsLeftAlone(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateCompleted))
	svc := NewService(pool, store)

	if err := svc.MarkDefaulted(context.Background(), "txn-1", "past deadline"); err != nil {
		t.Fatalf("expected noop on terminal row, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Fatal("terminal rows must never move")
	}
}

func TestMarkDefaulted_TransfersCollateral(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(newTestTxn(StateFundsReleased))
	svc := NewService(pool, store)

	if err := svc.MarkDefaulted(context.Background(), "txn-1", "past deadline"); err != nil {
		t.Fatalf("default: %v", err)
	}
	if store.applied[0].Next != StateDefaulted {
		t.Fatalf("expected defaulted, got %s", store.applied[0].Next)
	}
	if len(store.contribStatuses) != 1 || store.contribStatuses[0] != "collateral_transferred" {
		t.Fatalf("expected collateral_transferred, got %v", store.contribStatuses)
	}
}

type fakeStore struct {
	txn     Transaction
	keys    map[string]bool
	results map[string][]byte

	created         []CreateParams
	applied         []ApplyTransitionParams
	contribStatuses []string
	eventTopics     []string
	eventPayloads   []map[string]any
}

func newFakeStore(txn Transaction) *fakeStore {
	return &fakeStore{
		txn:     txn,
		keys:    map[string]bool{},
		results: map[string][]byte{},
	}
}

func (f *fakeStore) LockTransaction(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	if id != f.txn.ID {
		return Transaction{}, ErrNotFound
	}
	return f.txn, nil
}

func (f *fakeStore) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (string, bool, error) {
	f.created = append(f.created, params)
	return params.ID, true, nil
}

func (f *fakeStore) ApplyTransition(ctx context.Context, tx pgx.Tx, params ApplyTransitionParams) (Transaction, error) {
	f.applied = append(f.applied, params)
	updated := params.Txn
	updated.State = params.Next
	f.txn = updated
	return updated, nil
}

func (f *fakeStore) UpdateContributionStatus(ctx context.Context, tx pgx.Tx, contributionID, status string) error {
	f.contribStatuses = append(f.contribStatuses, status)
	return nil
}

func (f *fakeStore) EnqueueEvent(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.eventTopics = append(f.eventTopics, topic)
	f.eventPayloads = append(f.eventPayloads, payload)
	return nil
}

func (f *fakeStore) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if f.keys[key] {
		return ErrDuplicateIdempotencyKey
	}
	f.keys[key] = true
	return nil
}

func (f *fakeStore) SaveIdempotencyResult(ctx context.Context, tx pgx.Tx, key string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	f.results[key] = b
	return nil
}

func (f *fakeStore) LookupIdempotencyResult(ctx context.Context, key string) ([]byte, error) {
	return f.results[key], nil
}

func (f *fakeStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	if id != f.txn.ID {
		return Transaction{}, ErrNotFound
	}
	return f.txn, nil
}

func (f *fakeStore) AuditTrail(ctx context.Context, transactionID string) ([]AuditEvent, error) {
	return nil, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
