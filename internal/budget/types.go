package budget

import (
	"errors"
	"fmt"
	"time"
)

// Amount is money in microdollars (minor units). No floats anywhere in
// accounting: one USD is 1_000_000.
type Amount int64

func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Lease status values. A lease that is not active accepts no further
// spend, unconditionally.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Ledger is the monthly spending pool for a paying owner: the ultimate
// source of budget that limits all leases.
type Ledger struct {
	OwnerID        string  `json:"owner_id"`
	MonthlyCap     *Amount `json:"monthly_cap"` // nil = unlimited
	SpentThisMonth Amount  `json:"spent_this_month"`
}

// Remaining returns how much of the pool is left, floored at zero.
// Unlimited pools report ok=false.
func (l Ledger) Remaining() (Amount, bool) {
	if l.MonthlyCap == nil {
		return 0, false
	}
	rem := *l.MonthlyCap - l.SpentThisMonth
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// Agent is a provisioned autonomous agent. The owner is the paying
// party whose ledger ultimately backs the agent's spend.
type Agent struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentBudget mirrors ledger deductions at agent granularity.
// Invariant: BudgetRemaining == TotalAllocated - TotalSpent, always >= 0.
type AgentBudget struct {
	AgentID         string    `json:"agent_id"`
	TotalAllocated  Amount    `json:"total_allocated"`
	TotalSpent      Amount    `json:"total_spent"`
	BudgetRemaining Amount    `json:"budget_remaining"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Lease is a bounded, revocable grant of spending authority carved out
// of an agent's budget for one usage session.
type Lease struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	PoolID         string     `json:"budget_pool_id"`
	BudgetGranted  Amount     `json:"budget_granted"`
	BudgetSpent    Amount     `json:"budget_spent"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ReturnedAmount *Amount    `json:"returned_amount,omitempty"`
}

// Remaining is the unspent part of the grant.
func (l Lease) Remaining() Amount { return l.BudgetGranted - l.BudgetSpent }

// TimedOut reports whether the lease deadline has passed. The interval
// is closed: a lease whose deadline equals now is already out of time.
func (l Lease) TimedOut(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// UsageResult is the outcome of a recorded usage report.
type UsageResult struct {
	BudgetRemaining Amount // agent-wide remaining after the deduction
	Replayed        bool   // true when the request_id was already recorded
}

// RefreshResult is the outcome of a lease refresh. A denial is a valid
// protocol answer, not an error.
type RefreshResult struct {
	Denied          bool
	Reason          string
	NewLease        Lease
	BudgetRemaining Amount
}

// CloseResult is the outcome of returning a lease.
type CloseResult struct {
	Returned Amount
}

// Sentinel errors shared by all Service implementations. The HTTP layer
// owns the mapping to wire status codes.
var (
	ErrNotFound       = errors.New("not found")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrLeaseNotFound  = errors.New("lease not found")
	ErrNoLedger       = errors.New("no budget policy configured for owner")
	ErrLeaseExpired   = errors.New("lease expired")
	ErrLeaseRevoked   = errors.New("lease has been revoked")
	ErrLeaseNotActive = errors.New("lease is not active")
	ErrLeaseBudget    = errors.New("insufficient lease budget")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrExists         = errors.New("already provisioned")
	ErrNotLeaseOwner  = errors.New("lease belongs to a different agent")
)

// ErrBudgetExceeded is the target for errors.Is checks against
// ExceededError values.
var ErrBudgetExceeded = errors.New("budget limit exceeded")

// ExceededError carries the numeric budget state behind a rejection.
// The figures are shown only to the authenticated owner of the budget.
type ExceededError struct {
	Scope     string // "pool" or "agent"
	Limit     Amount
	Spent     Amount
	Remaining Amount
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget limit exceeded: %s limit=%d spent=%d remaining=%d",
		e.Scope, e.Limit, e.Spent, e.Remaining)
}

func (e *ExceededError) Is(target error) bool { return target == ErrBudgetExceeded }
