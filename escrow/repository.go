package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/outbox"
)

var (
	// ErrNotFound is returned when no escrow transaction exists for the
	// provided identifier.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrForbidden signals the caller's role or ownership does not permit
	// the attempted operation.
	ErrForbidden = errors.New("escrow: forbidden")
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an
	// existing key.
	ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")
	// ErrInvalidAmount rejects non-positive money amounts.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrContributionGone signals the paired contribution was cancelled
	// before the custody record could be opened.
	ErrContributionGone = errors.New("escrow: contribution no longer exists")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const transactionColumns = `
id::text, contribution_id::text, opportunity_id::text, investor_id::text, issuer_id::text,
amount, state, collateral_ref::text, return_amount, return_paid_at, admin_note,
created_at, updated_at, terminal_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.ContributionID, &t.OpportunityID, &t.InvestorID, &t.IssuerID,
		&t.Amount, &t.State, &t.CollateralRef, &t.ReturnAmount, &t.ReturnPaidAt, &t.AdminNote,
		&t.CreatedAt, &t.UpdatedAt, &t.TerminalAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: scan transaction: %w", err)
	}
	return t, nil
}

// LockTransaction fetches the row under FOR UPDATE so the transition is
// serialized against concurrent callers for the life of the tx.
func (r *Repository) LockTransaction(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	row := tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id=$1 FOR UPDATE`, id)
	return scanTransaction(row)
}

// CreateParams seeds a new escrow transaction from a pledge. ID is
// assigned by the service before the insert.
type CreateParams struct {
	ID             string
	ContributionID string
	OpportunityID  string
	InvestorID     string
	IssuerID       string
	Amount         int64
}

// Create inserts the custody record for a contribution. The unique
// constraint on contribution_id makes replays of the pledged event a
// no-op; created reports whether this call inserted the row. A pledge
// cancelled before its event was delivered surfaces as
// ErrContributionGone via the foreign key.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (id string, created bool, err error) {
	err = tx.QueryRow(ctx, `
        INSERT INTO escrow_transactions (id, contribution_id, opportunity_id, investor_id, issuer_id, amount)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (contribution_id) DO NOTHING
        RETURNING id::text
    `, params.ID, params.ContributionID, params.OpportunityID, params.InvestorID, params.IssuerID, params.Amount).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return "", false, ErrContributionGone
		}
		return "", false, fmt.Errorf("escrow: create transaction: %w", err)
	}
	err = tx.QueryRow(ctx, `SELECT id::text FROM escrow_transactions WHERE contribution_id=$1`, params.ContributionID).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("escrow: fetch existing transaction: %w", err)
	}
	return id, false, nil
}

// ApplyTransitionParams captures the single-row mutation plus the audit
// and outbox writes that must land in the same tx.
type ApplyTransitionParams struct {
	Txn       Transaction
	Next      State
	ActorID   *string
	ActorRole string
	Note      string

	// Optional column updates tied to specific ops.
	CollateralRef *string
	ReturnAmount  *int64
	AdminNote     *string

	// Extra fields merged into the audit payload and the outbox event.
	EventPayload map[string]any
}

// ApplyTransition moves the already-locked row to params.Next, appends
// the audit event with the next sequence number, and enqueues the
// state-changed outbox message. The caller commits.
func (r *Repository) ApplyTransition(ctx context.Context, tx pgx.Tx, params ApplyTransitionParams) (Transaction, error) {
	row := tx.QueryRow(ctx, `
        UPDATE escrow_transactions
        SET state=$2::escrow_state,
            collateral_ref = COALESCE($3::uuid, collateral_ref),
            return_amount = COALESCE($4::bigint, return_amount),
            return_paid_at = CASE WHEN $4::bigint IS NOT NULL THEN now() ELSE return_paid_at END,
            admin_note = COALESCE($5, admin_note),
            terminal_at = CASE WHEN $6 THEN now() ELSE terminal_at END,
            updated_at = now()
        WHERE id=$1
        RETURNING `+transactionColumns+`
    `, params.Txn.ID, params.Next, params.CollateralRef, params.ReturnAmount, params.AdminNote, params.Next.Terminal())
	updated, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, err
	}

	auditPayload := map[string]any{}
	for k, v := range params.EventPayload {
		auditPayload[k] = v
	}
	payloadBytes, err := json.Marshal(auditPayload)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: marshal audit payload: %w", err)
	}

	var actorID any
	if params.ActorID != nil {
		actorID = *params.ActorID
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO escrow_audit_events (transaction_id, seq, prior_state, next_state, actor_id, actor_role, note, payload)
        VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM escrow_audit_events WHERE transaction_id=$1),
                $2, $3, $4, $5, $6, $7)
    `, params.Txn.ID, params.Txn.State, params.Next, actorID, params.ActorRole, params.Note, payloadBytes); err != nil {
		return Transaction{}, fmt.Errorf("escrow: insert audit event: %w", err)
	}

	event := map[string]any{
		"transaction_id":  updated.ID,
		"contribution_id": updated.ContributionID,
		"opportunity_id":  updated.OpportunityID,
		"from":            string(params.Txn.State),
		"to":              string(params.Next),
		"actor_id":        params.ActorID,
		"actor_role":      params.ActorRole,
		"terminal":        params.Next.Terminal(),
		"ts":              updated.UpdatedAt,
	}
	for k, v := range params.EventPayload {
		event[k] = v
	}
	if err := outbox.Enqueue(ctx, tx, TopicStateChanged, event); err != nil {
		return Transaction{}, err
	}

	return updated, nil
}

// UpdateContributionStatus flips the contribution row the transaction is
// paired with, keeping both aggregates consistent inside one commit.
func (r *Repository) UpdateContributionStatus(ctx context.Context, tx pgx.Tx, contributionID, status string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE contributions SET status=$2::contribution_status, updated_at=now() WHERE id=$1
    `, contributionID, status)
	if err != nil {
		return fmt.Errorf("escrow: update contribution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: contribution %s not found", contributionID)
	}
	return nil
}

// EnqueueEvent adds a message to the transactional outbox.
func (r *Repository) EnqueueEvent(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return outbox.Enqueue(ctx, tx, topic, payload)
}

// InsertIdempotencyKey attempts to reserve the key inside the active tx.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}
	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}
	return nil
}

// SaveIdempotencyResult stores the operation's response next to the key
// so a replay can return the original outcome verbatim.
func (r *Repository) SaveIdempotencyResult(ctx context.Context, tx pgx.Tx, key string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("escrow: marshal idempotency result: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE idempotency SET result=$2::jsonb WHERE key=$1`, key, b); err != nil {
		return fmt.Errorf("escrow: save idempotency result: %w", err)
	}
	return nil
}

// LookupIdempotencyResult loads the stored response for a replayed key.
func (r *Repository) LookupIdempotencyResult(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := r.pool.QueryRow(ctx, `SELECT result FROM idempotency WHERE key=$1`, key).Scan(&result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("escrow: idempotency key %s vanished", key)
		}
		return nil, fmt.Errorf("escrow: lookup idempotency result: %w", err)
	}
	return result, nil
}

// GetTransaction loads a transaction outside any transition.
func (r *Repository) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id=$1`, id)
	return scanTransaction(row)
}

// AuditTrail returns the full transition log for a transaction in seq
// order.
func (r *Repository) AuditTrail(ctx context.Context, transactionID string) ([]AuditEvent, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, transaction_id::text, seq, prior_state, next_state, actor_id::text, actor_role, note, payload, ts
        FROM escrow_audit_events
        WHERE transaction_id=$1
        ORDER BY seq
    `, transactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow: query audit trail: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e       AuditEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Seq, &e.PriorState, &e.NextState, &e.ActorID, &e.ActorRole, &e.Note, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("escrow: decode audit payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
