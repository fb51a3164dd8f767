package escrow

import "time"

// State is the custody position of one contribution's funds.
type State string

const (
	StatePendingPayment     State = "pending_payment"
	StateAwaitingCollateral State = "awaiting_collateral"
	StateCollateralVerified State = "collateral_verified"
	StateReleaseAuthorized  State = "release_authorized"
	StateFundsReleased      State = "funds_released"
	StateReturnPaid         State = "return_paid"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateDefaulted          State = "defaulted"
)

// Terminal reports whether no transition may ever leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDefaulted:
		return true
	default:
		return false
	}
}

// Transaction is the custody record paired 1:1 with a contribution. It is
// owned exclusively by this package; no other component mutates it.
type Transaction struct {
	ID             string
	ContributionID string
	OpportunityID  string
	InvestorID     string
	IssuerID       string
	Amount         int64
	State          State
	CollateralRef  *string
	ReturnAmount   *int64
	ReturnPaidAt   *time.Time
	AdminNote      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	TerminalAt     *time.Time
}

// AuditEvent is one immutable entry in a transaction's transition log.
// Seq increases monotonically per transaction and is never reused.
type AuditEvent struct {
	ID            int64
	TransactionID string
	Seq           int
	PriorState    State
	NextState     State
	ActorID       *string
	ActorRole     string
	Note          string
	Payload       map[string]any
	CreatedAt     time.Time
}

// Outbox topics emitted by the state machine.
const (
	// TopicStateChanged fires on every transition; the settlement
	// coordinator watches it for terminal states and collaborators consume
	// it for notifications and UI refresh.
	TopicStateChanged = "escrow.state_changed"
	// TopicContributionFunded fires when a payment confirmation lands.
	TopicContributionFunded = "contribution.funded"
	// TopicReleaseDocuments asks the document store to hand the collateral
	// papers back to the issuer after settlement completes.
	TopicReleaseDocuments = "collateral.release_documents"
)
