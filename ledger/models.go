package ledger

import "time"

// OpportunityStatus tracks an investment opportunity through its lifecycle.
type OpportunityStatus string

const (
	StatusPendingApproval OpportunityStatus = "pending_approval"
	StatusActive          OpportunityStatus = "active"
	StatusFunding         OpportunityStatus = "funding"
	StatusCompleted       OpportunityStatus = "completed"
	StatusDefaulted       OpportunityStatus = "defaulted"
	StatusCancelled       OpportunityStatus = "cancelled"
)

// ContributionStatus tracks one investor stake. The ledger owns creation and
// amount validation; the escrow state machine owns every move after that.
type ContributionStatus string

const (
	ContributionPendingPayment        ContributionStatus = "pending_payment"
	ContributionFunded                ContributionStatus = "funded"
	ContributionCompleted             ContributionStatus = "completed"
	ContributionRefunded              ContributionStatus = "refunded"
	ContributionCollateralTransferred ContributionStatus = "collateral_transferred"
)

// Opportunity mirrors the opportunities table columns touched by the ledger.
// Amounts are minor units.
type Opportunity struct {
	ID                 string
	IssuerID           string
	Title              string
	TargetAmount       int64
	MinContribution    int64
	MaxContribution    int64
	ExpectedReturnRate float64
	TermMonths         int
	TermDeadline       time.Time
	CollateralType     string
	CollateralLocation string
	AppraisedValue     int64
	Status             OpportunityStatus
	TotalRaised        int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Contribution is one investor's stake in one opportunity.
type Contribution struct {
	ID            string
	OpportunityID string
	InvestorID    string
	Amount        int64
	Status        ContributionStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot is a consistent read of an opportunity's funding position.
type Snapshot struct {
	OpportunityID     string
	Status            OpportunityStatus
	TargetAmount      int64
	TotalRaised       int64
	RemainingCapacity int64
	Contributions     []Contribution
}

// Outbox topics emitted by the ledger.
const (
	// TopicContributionPledged is consumed by the settlement coordinator to
	// create the paired escrow transaction.
	TopicContributionPledged = "contribution.pledged"
	// TopicContributionCancelled notifies collaborators a pending pledge was
	// withdrawn.
	TopicContributionCancelled = "contribution.cancelled"
)
