package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/identity"
	"escrowflow/ledger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the state machine requires. All mutating
// methods run inside a caller-owned tx so the transition, the audit
// append, the contribution flip, and the outbox write commit together.
type Store interface {
	LockTransaction(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (id string, created bool, err error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, params ApplyTransitionParams) (Transaction, error)
	UpdateContributionStatus(ctx context.Context, tx pgx.Tx, contributionID, status string) error
	EnqueueEvent(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	SaveIdempotencyResult(ctx context.Context, tx pgx.Tx, key string, result any) error
	LookupIdempotencyResult(ctx context.Context, key string) ([]byte, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	AuditTrail(ctx context.Context, transactionID string) ([]AuditEvent, error)
}

// Service drives every escrow transition. It is the only writer of
// escrow_transactions.
type Service struct {
	pool  TxBeginner
	store Store
	idGen func() string
}

func NewService(pool TxBeginner, store Store) *Service {
	return &Service{
		pool:  pool,
		store: store,
		idGen: func() string { return uuid.NewString() },
	}
}

// WithIDGenerator overrides transaction id generation, for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// CreateFromPledge opens the custody record for a freshly pledged
// contribution. Safe to replay; the existing transaction id is returned.
func (s *Service) CreateFromPledge(ctx context.Context, params CreateParams) (string, error) {
	if params.ID == "" {
		params.ID = s.idGen()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, _, err := s.store.Create(ctx, tx, params)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("escrow: commit create: %w", err)
	}
	return id, nil
}

// ConfirmFundingRequest is the payment provider's settlement confirmation
// normalized for the service.
type ConfirmFundingRequest struct {
	TransactionID  string
	IdempotencyKey string
	PaymentRef     string
	ActorID        *string
}

// ConfirmFunding moves a transaction out of pending_payment once the
// provider confirms settlement, and flips the contribution to funded in
// the same commit. Provider retries with the same key are absorbed.
func (s *Service) ConfirmFunding(ctx context.Context, req ConfirmFundingRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("escrow: missing idempotency key")
	}
	if req.TransactionID == "" {
		return fmt.Errorf("escrow: missing transaction id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	txn, err := s.store.LockTransaction(ctx, tx, req.TransactionID)
	if err != nil {
		return err
	}
	next, err := Next(txn.State, OpConfirmFunding, identity.RoleSystem)
	if err != nil {
		return withTransactionID(err, txn.ID)
	}

	updated, err := s.store.ApplyTransition(ctx, tx, ApplyTransitionParams{
		Txn:       txn,
		Next:      next,
		ActorID:   req.ActorID,
		ActorRole: string(identity.RoleSystem),
		Note:      "payment confirmed",
		EventPayload: map[string]any{
			"payment_ref": req.PaymentRef,
		},
	})
	if err != nil {
		return err
	}
	if err := s.store.UpdateContributionStatus(ctx, tx, txn.ContributionID, string(ledger.ContributionFunded)); err != nil {
		return err
	}
	if err := s.store.EnqueueEvent(ctx, tx, TopicContributionFunded, map[string]any{
		"transaction_id":  updated.ID,
		"contribution_id": updated.ContributionID,
		"opportunity_id":  updated.OpportunityID,
		"amount":          updated.Amount,
		"payment_ref":     req.PaymentRef,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit confirm funding: %w", err)
	}
	return nil
}

// AuthorizeRelease records the investor's go-ahead after collateral has
// been verified. Only the transaction's own investor may call it.
func (s *Service) AuthorizeRelease(ctx context.Context, actor identity.Actor, transactionID string) (Transaction, error) {
	if actor.Role != identity.RoleInvestor {
		return Transaction{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.store.LockTransaction(ctx, tx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if txn.InvestorID != actor.UserID {
		return Transaction{}, ErrForbidden
	}
	next, err := Next(txn.State, OpAuthorizeRelease, actor.Role)
	if err != nil {
		return Transaction{}, withTransactionID(err, txn.ID)
	}

	updated, err := s.store.ApplyTransition(ctx, tx, ApplyTransitionParams{
		Txn:       txn,
		Next:      next,
		ActorID:   &actor.UserID,
		ActorRole: string(actor.Role),
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit authorize release: %w", err)
	}
	return updated, nil
}

// ReleaseResult is what ReleaseFunds returns, and what a replay of the
// same idempotency key returns again.
type ReleaseResult struct {
	TransactionID string `json:"transaction_id"`
	State         State  `json:"state"`
	Amount        int64  `json:"amount"`
	Replayed      bool   `json:"-"`
}

// ReleaseFunds pays the principal out to the issuer. Arbiters may release
// any authorized transaction; issuers only their own. A replayed key
// returns the stored first result without touching the row.
func (s *Service) ReleaseFunds(ctx context.Context, actor identity.Actor, transactionID, idempotencyKey string) (ReleaseResult, error) {
	if actor.Role != identity.RoleArbiter && actor.Role != identity.RoleIssuer {
		return ReleaseResult{}, ErrForbidden
	}
	if idempotencyKey == "" {
		return ReleaseResult{}, fmt.Errorf("escrow: missing idempotency key")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertIdempotencyKey(ctx, tx, idempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return s.replayResult(ctx, idempotencyKey)
		}
		return ReleaseResult{}, err
	}

	txn, err := s.store.LockTransaction(ctx, tx, transactionID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if actor.Role == identity.RoleIssuer && txn.IssuerID != actor.UserID {
		return ReleaseResult{}, ErrForbidden
	}
	next, err := Next(txn.State, OpReleaseFunds, actor.Role)
	if err != nil {
		return ReleaseResult{}, withTransactionID(err, txn.ID)
	}

	updated, err := s.store.ApplyTransition(ctx, tx, ApplyTransitionParams{
		Txn:       txn,
		Next:      next,
		ActorID:   &actor.UserID,
		ActorRole: string(actor.Role),
		EventPayload: map[string]any{
			"released_amount": txn.Amount,
		},
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	result := ReleaseResult{TransactionID: updated.ID, State: updated.State, Amount: updated.Amount}
	if err := s.store.SaveIdempotencyResult(ctx, tx, idempotencyKey, result); err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: commit release funds: %w", err)
	}
	return result, nil
}

func (s *Service) replayResult(ctx context.Context, key string) (ReleaseResult, error) {
	raw, err := s.store.LookupIdempotencyResult(ctx, key)
	if err != nil {
		return ReleaseResult{}, err
	}
	if len(raw) == 0 {
		return ReleaseResult{}, fmt.Errorf("escrow: idempotency key %s has no stored result", key)
	}
	var result ReleaseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: decode stored result: %w", err)
	}
	result.Replayed = true
	return result, nil
}

// ReturnResult mirrors ReleaseResult for the return-payment leg.
type ReturnResult struct {
	TransactionID string `json:"transaction_id"`
	State         State  `json:"state"`
	ReturnAmount  int64  `json:"return_amount"`
	Replayed      bool   `json:"-"`
}

// RecordReturn books the issuer's principal-plus-return payment back to
// the investor. Idempotent under the supplied key.
func (s *Service) RecordReturn(ctx context.Context, actor identity.Actor, transactionID string, amount int64, idempotencyKey string) (ReturnResult, error) {
	if actor.Role != identity.RoleIssuer {
		return ReturnResult{}, ErrForbidden
	}
	if amount <= 0 {
		return ReturnResult{}, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return ReturnResult{}, fmt.Errorf("escrow: missing idempotency key")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReturnResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertIdempotencyKey(ctx, tx, idempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return s.replayReturn(ctx, idempotencyKey)
		}
		return ReturnResult{}, err
	}

	txn, err := s.store.LockTransaction(ctx, tx, transactionID)
	if err != nil {
		return ReturnResult{}, err
	}
	if txn.IssuerID != actor.UserID {
		return ReturnResult{}, ErrForbidden
	}
	next, err := Next(txn.State, OpRecordReturn, actor.Role)
	if err != nil {
		return ReturnResult{}, withTransactionID(err, txn.ID)
	}

	updated, err := s.store.ApplyTransition(ctx, tx, ApplyTransitionParams{
		Txn:          txn,
		Next:         next,
		ActorID:      &actor.UserID,
		ActorRole:    string(actor.Role),
		ReturnAmount: &amount,
		EventPayload: map[string]any{
			"return_amount": amount,
		},
	})
	if err != nil {
		return ReturnResult{}, err
	}

	result := ReturnResult{TransactionID: updated.ID, State: updated.State, ReturnAmount: amount}
	if err := s.store.SaveIdempotencyResult(ctx, tx, idempotencyKey, result); err != nil {
		return ReturnResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ReturnResult{}, fmt.Errorf("escrow: commit record return: %w", err)
	}
	return result, nil
}

func (s *Service) replayReturn(ctx context.Context, key string) (ReturnResult, error) {
	raw, err := s.store.LookupIdempotencyResult(ctx, key)
	if err != nil {
		return ReturnResult{}, err
	}
	if len(raw) == 0 {
		return ReturnResult{}, fmt.Errorf("escrow: idempotency key %s has no stored result", key)
	}
	var result ReturnResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ReturnResult{}, fmt.Errorf("escrow: decode stored result: %w", err)
	}
	result.Replayed = true
	return result, nil
}

// Complete closes out a fully returned transaction, flips the
// contribution to completed, and asks for the collateral documents to be
// handed back. Arbiter only.
func (s *Service) Complete(ctx context.Context, actor identity.Actor, transactionID, note string) (Transaction, error) {
	if actor.Role != identity.RoleArbiter {
		return Transaction{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.store.LockTransaction(ctx, tx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	next, err := Next(txn.State, OpComplete, actor.Role)
	if err != nil {
		return Transaction{}, withTransactionID(err, txn.ID)
	}

	updated, err := s.store.ApplyTransition(ctx, tx, ApplyTransitionParams{
		Txn:       txn,
		Next:      next,
		ActorID:   &actor.UserID,
		ActorRole: string(actor.Role),
		Note:      note,
		AdminNote: &note,
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := s.store.UpdateContributionStatus(ctx, tx, txn.ContributionID, string(ledger.ContributionCompleted)); err != nil {
		return Transaction{}, err
	}
	if err := s.store.EnqueueEvent(ctx, tx, TopicReleaseDocuments, map[string]any{
		"transaction_id": updated.ID,
		"opportunity_id": updated.OpportunityID,
		"issuer_id":      updated.IssuerID,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit complete: %w", err)
	}
	return updated, nil
}

// ApplyCollateralVerified advances one transaction after the arbiter
// verified the opportunity's collateral. Transactions no longer waiting
// are skipped so event replays stay harmless.
func (s *Service) ApplyCollateralVerified(ctx context.Context, transactionID, submissionID string) error {
	return s.applyCollateralOutcome(ctx, transactionID, OpVerifyCollateral, &submissionID, "collateral verified")
}

// ApplyCollateralRejected fails one transaction after a rejection. The
// contribution is marked refunded in the same commit.
func (s *Service) ApplyCollateralRejected(ctx context.Context, transactionID, reason string) error {
	return s.applyCollateralOutcome(ctx, transactionID, OpRejectCollateral, nil, reason)
}

func (s *Service) applyCollateralOutcome(ctx context.Context, transactionID string, op Op, submissionID *string, note string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.store.LockTransaction(ctx, tx, transactionID)
	if err != nil {
		return err
	}
	if txn.State != StateAwaitingCollateral {
		// Already advanced by a previous delivery, or not yet funded.
		return nil
	}
	next, err := Next(txn.State, op, identity.RoleSystem)
	if err != nil {
		return withTransactionID(err, txn.ID)
	}

	if _, err := s.store.ApplyTransition(ctx, tx, ApplyTransitionParams{
		Txn:           txn,
		Next:          next,
		ActorRole:     string(identity.RoleSystem),
		Note:          note,
		CollateralRef: submissionID,
	}); err != nil {
		return err
	}
	if op == OpRejectCollateral {
		if err := s.store.UpdateContributionStatus(ctx, tx, txn.ContributionID, string(ledger.ContributionRefunded)); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit collateral outcome: %w", err)
	}
	return nil
}

// MarkDefaulted forces a transaction into the defaulted terminal state
// once its opportunity blew past the term deadline. Terminal rows are
// left alone so the sweep can rerun freely.
func (s *Service) MarkDefaulted(ctx context.Context, transactionID, note string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.store.LockTransaction(ctx, tx, transactionID)
	if err != nil {
		return err
	}
	if txn.State.Terminal() {
		return nil
	}
	next, err := Next(txn.State, OpDefault, identity.RoleSystem)
	if err != nil {
		return withTransactionID(err, txn.ID)
	}

	if _, err := s.store.ApplyTransition(ctx, tx, ApplyTransitionParams{
		Txn:       txn,
		Next:      next,
		ActorRole: string(identity.RoleSystem),
		Note:      note,
	}); err != nil {
		return err
	}
	if err := s.store.UpdateContributionStatus(ctx, tx, txn.ContributionID, string(ledger.ContributionCollateralTransferred)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit default: %w", err)
	}
	return nil
}

// Get loads a transaction for display.
func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// AuditTrail returns the transition log in order.
func (s *Service) AuditTrail(ctx context.Context, transactionID string) ([]AuditEvent, error) {
	return s.store.AuditTrail(ctx, transactionID)
}

// withTransactionID stamps the id onto transition errors so handlers can
// log which row refused the move.
func withTransactionID(err error, id string) error {
	var ite *InvalidTransitionError
	if errors.As(err, &ite) {
		ite.TransactionID = id
	}
	return err
}
