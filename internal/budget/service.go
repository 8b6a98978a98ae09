package budget

import (
	"context"
	"sync"
	"time"

	"leasebank.org/internal/ids"
)

// Service defines the lease-accounting operations of the control plane.
// Every mutating call executes as one atomic unit with respect to the
// other calls: the pool, the agent account and the lease can never go
// negative no matter how many callers race.
type Service interface {
	// Provisioning.
	ProvisionOwner(ctx context.Context, ownerID string, monthlyCap *Amount) (Ledger, error)
	ProvisionAgent(ctx context.Context, ownerID, name string, allocation Amount) (Agent, error)

	// Reads.
	OwnerLedger(ctx context.Context, ownerID string) (Ledger, error)
	Agent(ctx context.Context, agentID string) (Agent, error)
	BudgetStatus(ctx context.Context, agentID string) (AgentBudget, error)
	Lease(ctx context.Context, leaseID string) (Lease, error)

	// OpenLease atomically carves amount out of the owner pool and the
	// agent account and materializes an active lease. Either all three
	// effects commit or none do.
	OpenLease(ctx context.Context, agentID, poolID string, amount Amount, expiresAt *time.Time) (Lease, error)

	// RecordUsage is the atomic check-then-deduct against one lease plus
	// the mirroring agent-account deduction. A requestID seen before is
	// replayed, not double-counted.
	RecordUsage(ctx context.Context, leaseID, requestID string, cost Amount) (UsageResult, error)

	// RefreshLease reserves the requested amount, opens a replacement
	// lease and expires the old one. Insufficient budget is a denial,
	// not an error.
	RefreshLease(ctx context.Context, leaseID, agentID string, requested Amount) (RefreshResult, error)

	// CloseLease ends an active lease, records the returned remainder
	// and restores it to the agent account.
	CloseLease(ctx context.Context, leaseID string, reportedSpent Amount) (CloseResult, error)

	// ExpireLease and RevokeLease transition an active lease to a
	// terminal state. Both are no-ops on an already-terminal lease and
	// report whether this call performed the transition.
	ExpireLease(ctx context.Context, leaseID string) (bool, error)
	RevokeLease(ctx context.Context, leaseID string) (bool, error)
}

// InMemory implements Service with in-process concurrency safety.
// Used by tests and local development; production runs the Postgres
// store, where the same guarantees come from row locks.
type InMemory struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger
	agents  map[string]*Agent
	budgets map[string]*AgentBudget
	leases  map[string]*Lease
	reports map[string]string // request_id -> lease_id
	now     func() time.Time
}

// NewInMemory creates an empty in-memory control plane.
func NewInMemory() *InMemory {
	return &InMemory{
		ledgers: make(map[string]*Ledger),
		agents:  make(map[string]*Agent),
		budgets: make(map[string]*AgentBudget),
		leases:  make(map[string]*Lease),
		reports: make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test use only.
func (s *InMemory) SetClock(now func() time.Time) { s.now = now }

func (s *InMemory) ProvisionOwner(ctx context.Context, ownerID string, monthlyCap *Amount) (Ledger, error) {
	if monthlyCap != nil && monthlyCap.IsNegative() {
		return Ledger{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ownerID == "" {
		ownerID = ids.New(ids.KindOwner)
	} else if _, ok := s.ledgers[ownerID]; ok {
		return Ledger{}, ErrExists
	}
	led := &Ledger{OwnerID: ownerID, MonthlyCap: monthlyCap}
	s.ledgers[ownerID] = led
	return *led, nil
}

func (s *InMemory) ProvisionAgent(ctx context.Context, ownerID, name string, allocation Amount) (Agent, error) {
	if allocation.IsNegative() {
		return Agent{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledgers[ownerID]; !ok {
		return Agent{}, ErrNoLedger
	}
	ag := &Agent{
		ID:        ids.New(ids.KindAgent),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: s.now(),
	}
	s.agents[ag.ID] = ag
	s.budgets[ag.ID] = &AgentBudget{
		AgentID:         ag.ID,
		TotalAllocated:  allocation,
		BudgetRemaining: allocation,
		UpdatedAt:       ag.CreatedAt,
	}
	return *ag, nil
}

func (s *InMemory) OwnerLedger(ctx context.Context, ownerID string) (Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	led, ok := s.ledgers[ownerID]
	if !ok {
		return Ledger{}, ErrNoLedger
	}
	return *led, nil
}

func (s *InMemory) Agent(ctx context.Context, agentID string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ag, ok := s.agents[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return *ag, nil
}

func (s *InMemory) BudgetStatus(ctx context.Context, agentID string) (AgentBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[agentID]
	if !ok {
		return AgentBudget{}, ErrAgentNotFound
	}
	return *b, nil
}

func (s *InMemory) Lease(ctx context.Context, leaseID string) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[leaseID]
	if !ok {
		return Lease{}, ErrLeaseNotFound
	}
	return *l, nil
}

func (s *InMemory) OpenLease(ctx context.Context, agentID, poolID string, amount Amount, expiresAt *time.Time) (Lease, error) {
	if !amount.IsPositive() {
		return Lease{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ag, ok := s.agents[agentID]
	if !ok {
		return Lease{}, ErrAgentNotFound
	}
	led, ok := s.ledgers[ag.OwnerID]
	if !ok {
		return Lease{}, ErrNoLedger
	}

	// Pool check-then-deduct. Unlimited pools skip the cap check but
	// still account the spend.
	if led.MonthlyCap != nil && led.SpentThisMonth+amount > *led.MonthlyCap {
		rem, _ := led.Remaining()
		return Lease{}, &ExceededError{
			Scope:     "pool",
			Limit:     *led.MonthlyCap,
			Spent:     led.SpentThisMonth,
			Remaining: rem,
		}
	}

	// Agent check-then-deduct.
	b := s.budgets[agentID]
	if b.BudgetRemaining < amount {
		return Lease{}, &ExceededError{
			Scope:     "agent",
			Limit:     b.TotalAllocated,
			Spent:     b.TotalSpent,
			Remaining: b.BudgetRemaining,
		}
	}

	now := s.now()
	led.SpentThisMonth += amount
	b.TotalSpent += amount
	b.BudgetRemaining -= amount
	b.UpdatedAt = now

	l := &Lease{
		ID:            ids.New(ids.KindLease),
		AgentID:       agentID,
		PoolID:        poolID,
		BudgetGranted: amount,
		Status:        StatusActive,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	s.leases[l.ID] = l
	return *l, nil
}

func (s *InMemory) RecordUsage(ctx context.Context, leaseID, requestID string, cost Amount) (UsageResult, error) {
	if cost.IsNegative() {
		return UsageResult{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return UsageResult{}, ErrLeaseNotFound
	}

	// Replayed delivery of an already-recorded report: answer with the
	// current figure, mutate nothing.
	if requestID != "" {
		if _, seen := s.reports[requestID]; seen {
			remaining := Amount(0)
			if b, ok := s.budgets[l.AgentID]; ok {
				remaining = b.BudgetRemaining
			}
			return UsageResult{BudgetRemaining: remaining, Replayed: true}, nil
		}
	}

	if err := activeLeaseGate(l, s.now()); err != nil {
		return UsageResult{}, err
	}
	if l.Remaining() < cost {
		return UsageResult{}, ErrLeaseBudget
	}

	b, ok := s.budgets[l.AgentID]
	if !ok {
		return UsageResult{}, ErrAgentNotFound
	}
	if b.BudgetRemaining < cost {
		return UsageResult{}, &ExceededError{
			Scope:     "agent",
			Limit:     b.TotalAllocated,
			Spent:     b.TotalSpent,
			Remaining: b.BudgetRemaining,
		}
	}

	l.BudgetSpent += cost
	b.TotalSpent += cost
	b.BudgetRemaining -= cost
	b.UpdatedAt = s.now()
	if requestID != "" {
		s.reports[requestID] = leaseID
	}
	return UsageResult{BudgetRemaining: b.BudgetRemaining}, nil
}

func (s *InMemory) RefreshLease(ctx context.Context, leaseID, agentID string, requested Amount) (RefreshResult, error) {
	if !requested.IsPositive() {
		return RefreshResult{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.leases[leaseID]
	if !ok {
		return RefreshResult{}, ErrLeaseNotFound
	}
	if old.AgentID != agentID {
		return RefreshResult{}, ErrNotLeaseOwner
	}
	if err := activeLeaseGate(old, s.now()); err != nil {
		return RefreshResult{}, err
	}

	b := s.budgets[agentID]
	if b == nil {
		return RefreshResult{}, ErrAgentNotFound
	}
	if b.BudgetRemaining < requested {
		return RefreshResult{
			Denied:          true,
			Reason:          "insufficient_budget",
			BudgetRemaining: b.BudgetRemaining,
		}, nil
	}

	now := s.now()
	b.TotalSpent += requested
	b.BudgetRemaining -= requested
	b.UpdatedAt = now

	fresh := &Lease{
		ID:            ids.New(ids.KindLease),
		AgentID:       agentID,
		PoolID:        old.PoolID,
		BudgetGranted: requested,
		Status:        StatusActive,
		CreatedAt:     now,
	}
	s.leases[fresh.ID] = fresh

	// The old lease is superseded; its spend history is preserved.
	old.Status = StatusExpired
	old.ClosedAt = &now

	return RefreshResult{NewLease: *fresh, BudgetRemaining: b.BudgetRemaining}, nil
}

func (s *InMemory) CloseLease(ctx context.Context, leaseID string, reportedSpent Amount) (CloseResult, error) {
	if reportedSpent.IsNegative() {
		return CloseResult{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return CloseResult{}, ErrLeaseNotFound
	}
	if l.Status != StatusActive {
		return CloseResult{}, ErrLeaseNotActive
	}

	returned := l.BudgetGranted - reportedSpent
	if returned < 0 {
		returned = 0
	}

	now := s.now()
	l.Status = StatusExpired
	l.ClosedAt = &now
	l.ReturnedAmount = &returned

	// Restore the unused remainder to the agent account. The owner
	// ledger is never credited here: it only ever decreases by
	// administrative correction.
	if returned > 0 {
		if b, ok := s.budgets[l.AgentID]; ok && b.TotalSpent >= returned {
			b.TotalSpent -= returned
			b.BudgetRemaining += returned
			b.UpdatedAt = now
		}
	}
	return CloseResult{Returned: returned}, nil
}

func (s *InMemory) ExpireLease(ctx context.Context, leaseID string) (bool, error) {
	return s.terminate(leaseID, StatusExpired)
}

func (s *InMemory) RevokeLease(ctx context.Context, leaseID string) (bool, error) {
	return s.terminate(leaseID, StatusRevoked)
}

func (s *InMemory) terminate(leaseID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[leaseID]
	if !ok {
		return false, ErrLeaseNotFound
	}
	if l.Status != StatusActive {
		return false, nil // already terminal, idempotent
	}
	now := s.now()
	l.Status = status
	l.ClosedAt = &now
	return true, nil
}

// activeLeaseGate rejects any spend or refresh against a lease that is
// not active or whose deadline has passed.
func activeLeaseGate(l *Lease, now time.Time) error {
	switch l.Status {
	case StatusRevoked:
		return ErrLeaseRevoked
	case StatusExpired:
		return ErrLeaseExpired
	}
	if l.TimedOut(now) {
		return ErrLeaseExpired
	}
	return nil
}
