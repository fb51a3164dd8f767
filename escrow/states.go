package escrow

import (
	"fmt"
	"sort"
	"strings"

	"escrowflow/identity"
)

// Op names a transition a caller may attempt on a transaction.
type Op string

const (
	OpConfirmFunding   Op = "confirm_funding"
	OpVerifyCollateral Op = "verify_collateral"
	OpRejectCollateral Op = "reject_collateral"
	OpAuthorizeRelease Op = "authorize_release"
	OpReleaseFunds     Op = "release_funds"
	OpRecordReturn     Op = "record_return"
	OpComplete         Op = "complete"
	OpDefault          Op = "default"
)

// rule is one row of the transition table: an op moves a transaction from
// exactly one state to exactly one state, and only the listed roles may
// perform it.
type rule struct {
	from  State
	to    State
	roles []identity.Role
}

var transitions = map[Op]rule{
	OpConfirmFunding:   {StatePendingPayment, StateAwaitingCollateral, []identity.Role{identity.RoleInvestor, identity.RoleSystem}},
	OpVerifyCollateral: {StateAwaitingCollateral, StateCollateralVerified, []identity.Role{identity.RoleSystem}},
	OpRejectCollateral: {StateAwaitingCollateral, StateFailed, []identity.Role{identity.RoleSystem}},
	OpAuthorizeRelease: {StateCollateralVerified, StateReleaseAuthorized, []identity.Role{identity.RoleInvestor}},
	OpReleaseFunds:     {StateReleaseAuthorized, StateFundsReleased, []identity.Role{identity.RoleArbiter, identity.RoleIssuer}},
	OpRecordReturn:     {StateFundsReleased, StateReturnPaid, []identity.Role{identity.RoleIssuer}},
	OpComplete:         {StateReturnPaid, StateCompleted, []identity.Role{identity.RoleArbiter}},
	// OpDefault is special-cased in Next: it applies from any
	// non-terminal state. The from field here is informational only.
	OpDefault: {StateAwaitingCollateral, StateDefaulted, []identity.Role{identity.RoleSystem}},
}

// AllowedOps returns the ops that may legally fire from s, sorted for
// stable error messages. Terminal states allow nothing.
func AllowedOps(s State) []Op {
	if s.Terminal() {
		return nil
	}
	ops := []Op{OpDefault}
	for op, r := range transitions {
		if op != OpDefault && r.from == s {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Next validates op against the current state and the caller's role and
// returns the destination state. State mismatches surface as
// *InvalidTransitionError; role mismatches as ErrForbidden.
func Next(current State, op Op, role identity.Role) (State, error) {
	r, ok := transitions[op]
	if !ok {
		return "", fmt.Errorf("escrow: unknown op %q", op)
	}
	if !roleAllowed(r.roles, role) {
		return "", ErrForbidden
	}
	if op == OpDefault {
		if current.Terminal() {
			return "", &InvalidTransitionError{Current: current, Op: op, Allowed: AllowedOps(current)}
		}
		return StateDefaulted, nil
	}
	if current != r.from {
		return "", &InvalidTransitionError{Current: current, Op: op, Allowed: AllowedOps(current)}
	}
	return r.to, nil
}

func roleAllowed(roles []identity.Role, role identity.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a transition attempted from a state that
// does not permit it. Allowed carries the ops the state does permit so
// callers can render an actionable message.
type InvalidTransitionError struct {
	TransactionID string
	Current       State
	Op            Op
	Allowed       []Op
}

func (e *InvalidTransitionError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, op := range e.Allowed {
		names[i] = string(op)
	}
	allowed := "none"
	if len(names) > 0 {
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("escrow: cannot %s from state %s (allowed: %s)", e.Op, e.Current, allowed)
}
