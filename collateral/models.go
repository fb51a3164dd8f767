package collateral

import "time"

// Status represents the lifecycle of a collateral submission. Decisions are
// immutable; a rejected issuer starts over with a new submission.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusVerified            Status = "verified"
	StatusRejected            Status = "rejected"
)

// Submission is one verification attempt for an opportunity's collateral.
// DocumentRef is an opaque reference into the external document store.
type Submission struct {
	ID            string
	OpportunityID string
	IssuerID      string
	DocumentRef   string
	DocumentKind  string
	Status        Status
	ArbiterID     *string
	Note          string
	DecidedAt     *time.Time
	CreatedAt     time.Time
}

// Outbox topics emitted on arbiter decisions. Both are consumed by the
// settlement coordinator for the escrow fan-out.
const (
	TopicCollateralVerified = "collateral.verified"
	TopicCollateralRejected = "collateral.rejected"
)
