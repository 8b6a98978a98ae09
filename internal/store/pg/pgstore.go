package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"leasebank.org/internal/budget"
	"leasebank.org/internal/ids"
)

// Store implements budget.Service over PostgreSQL. All cross-request
// coordination happens through conditional updates inside one
// transaction per call; there are no application-level locks.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ budget.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db), nil
}

// NewStore wraps an existing handle (tests use sqlmock here).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ProvisionOwner(ctx context.Context, ownerID string, monthlyCap *budget.Amount) (budget.Ledger, error) {
	if monthlyCap != nil && monthlyCap.IsNegative() {
		return budget.Ledger{}, budget.ErrInvalidAmount
	}
	if ownerID == "" {
		ownerID = ids.New(ids.KindOwner)
	}
	var capArg any
	if monthlyCap != nil {
		capArg = int64(*monthlyCap)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into owner_ledgers(owner_id, monthly_cap, spent_this_month)
		values ($1, $2, 0)
		on conflict (owner_id) do nothing
	`, ownerID, capArg)
	if err != nil {
		return budget.Ledger{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return budget.Ledger{}, budget.ErrExists
	}
	return budget.Ledger{OwnerID: ownerID, MonthlyCap: monthlyCap}, nil
}

func (s *Store) ProvisionAgent(ctx context.Context, ownerID, name string, allocation budget.Amount) (budget.Agent, error) {
	if allocation.IsNegative() {
		return budget.Agent{}, budget.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return budget.Agent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from owner_ledgers where owner_id=$1`, ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Agent{}, budget.ErrNoLedger
	}
	if err != nil {
		return budget.Agent{}, err
	}

	ag := budget.Agent{
		ID:        ids.New(ids.KindAgent),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into agents(id, owner_id, name, created_at) values ($1,$2,$3,$4)
	`, ag.ID, ag.OwnerID, ag.Name, ag.CreatedAt); err != nil {
		return budget.Agent{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into agent_budgets(agent_id, total_allocated, total_spent, budget_remaining, updated_at)
		values ($1,$2,0,$2,$3)
	`, ag.ID, int64(allocation), ag.CreatedAt); err != nil {
		return budget.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return budget.Agent{}, err
	}
	return ag, nil
}

func (s *Store) OwnerLedger(ctx context.Context, ownerID string) (budget.Ledger, error) {
	var (
		led budget.Ledger
		cap sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		select owner_id, monthly_cap, spent_this_month from owner_ledgers where owner_id=$1
	`, ownerID).Scan(&led.OwnerID, &cap, &led.SpentThisMonth)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Ledger{}, budget.ErrNoLedger
	}
	if err != nil {
		return budget.Ledger{}, err
	}
	if cap.Valid {
		v := budget.Amount(cap.Int64)
		led.MonthlyCap = &v
	}
	return led, nil
}

func (s *Store) Agent(ctx context.Context, agentID string) (budget.Agent, error) {
	var ag budget.Agent
	err := s.db.QueryRowContext(ctx, `
		select id, owner_id, name, created_at from agents where id=$1
	`, agentID).Scan(&ag.ID, &ag.OwnerID, &ag.Name, &ag.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Agent{}, budget.ErrAgentNotFound
	}
	if err != nil {
		return budget.Agent{}, err
	}
	return ag, nil
}

func (s *Store) BudgetStatus(ctx context.Context, agentID string) (budget.AgentBudget, error) {
	return scanAgentBudget(s.db.QueryRowContext(ctx, `
		select agent_id, total_allocated, total_spent, budget_remaining, updated_at
		from agent_budgets where agent_id=$1
	`, agentID))
}

func (s *Store) Lease(ctx context.Context, leaseID string) (budget.Lease, error) {
	return scanLease(s.db.QueryRowContext(ctx, leaseSelect+` where id=$1`, leaseID))
}

func (s *Store) OpenLease(ctx context.Context, agentID, poolID string, amount budget.Amount, expiresAt *time.Time) (budget.Lease, error) {
	if !amount.IsPositive() {
		return budget.Lease{}, budget.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return budget.Lease{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	err = tx.QueryRowContext(ctx, `select owner_id from agents where id=$1`, agentID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Lease{}, budget.ErrAgentNotFound
	}
	if err != nil {
		return budget.Lease{}, err
	}

	// Pool check-then-deduct: one conditional update, never a
	// read-modify-write at the application layer.
	res, err := tx.ExecContext(ctx, `
		update owner_ledgers set spent_this_month = spent_this_month + $2
		where owner_id=$1 and (monthly_cap is null or spent_this_month + $2 <= monthly_cap)
	`, ownerID, int64(amount))
	if err != nil {
		return budget.Lease{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return budget.Lease{}, err
	} else if n == 0 {
		return budget.Lease{}, s.poolExceeded(ctx, tx, ownerID)
	}

	// Agent check-then-deduct.
	res, err = tx.ExecContext(ctx, `
		update agent_budgets
		set total_spent = total_spent + $2,
		    budget_remaining = budget_remaining - $2,
		    updated_at = $3
		where agent_id=$1 and budget_remaining >= $2
	`, agentID, int64(amount), s.now())
	if err != nil {
		return budget.Lease{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return budget.Lease{}, err
	} else if n == 0 {
		return budget.Lease{}, s.agentExceeded(ctx, tx, agentID)
	}

	l := budget.Lease{
		ID:            ids.New(ids.KindLease),
		AgentID:       agentID,
		PoolID:        poolID,
		BudgetGranted: amount,
		Status:        budget.StatusActive,
		CreatedAt:     s.now(),
		ExpiresAt:     expiresAt,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into leases(id, agent_id, pool_id, budget_granted, budget_spent, status, created_at, expires_at)
		values ($1,$2,$3,$4,0,$5,$6,$7)
	`, l.ID, l.AgentID, l.PoolID, int64(l.BudgetGranted), l.Status, l.CreatedAt, expiresAt); err != nil {
		return budget.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return budget.Lease{}, err
	}
	return l, nil
}

func (s *Store) RecordUsage(ctx context.Context, leaseID, requestID string, cost budget.Amount) (budget.UsageResult, error) {
	if cost.IsNegative() {
		return budget.UsageResult{}, budget.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return budget.UsageResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanLease(tx.QueryRowContext(ctx, leaseSelect+` where id=$1 for update`, leaseID))
	if err != nil {
		return budget.UsageResult{}, err
	}

	// Dedup first: a retried report after a dropped response replays,
	// it never double-spends.
	if requestID != "" {
		var seen int
		err := tx.QueryRowContext(ctx, `select 1 from usage_reports where request_id=$1`, requestID).Scan(&seen)
		if err == nil {
			return s.replayResult(ctx, l.AgentID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return budget.UsageResult{}, err
		}
	}

	if err := leaseGate(l, s.now()); err != nil {
		return budget.UsageResult{}, err
	}

	res, err := tx.ExecContext(ctx, `
		update leases set budget_spent = budget_spent + $2
		where id=$1 and status='active' and budget_granted - budget_spent >= $2
	`, leaseID, int64(cost))
	if err != nil {
		return budget.UsageResult{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return budget.UsageResult{}, err
	} else if n == 0 {
		return budget.UsageResult{}, budget.ErrLeaseBudget
	}

	res, err = tx.ExecContext(ctx, `
		update agent_budgets
		set total_spent = total_spent + $2,
		    budget_remaining = budget_remaining - $2,
		    updated_at = $3
		where agent_id=$1 and budget_remaining >= $2
	`, l.AgentID, int64(cost), s.now())
	if err != nil {
		return budget.UsageResult{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return budget.UsageResult{}, err
	} else if n == 0 {
		return budget.UsageResult{}, s.agentExceeded(ctx, tx, l.AgentID)
	}

	if requestID != "" {
		res, err := tx.ExecContext(ctx, `
			insert into usage_reports(request_id, lease_id, cost, created_at)
			values ($1,$2,$3,$4) on conflict (request_id) do nothing
		`, requestID, leaseID, int64(cost), s.now())
		if err != nil {
			return budget.UsageResult{}, err
		}
		// Lost the insert race to a concurrent retry: drop our
		// deductions and answer as a replay.
		if n, err := res.RowsAffected(); err != nil {
			return budget.UsageResult{}, err
		} else if n == 0 {
			_ = tx.Rollback()
			return s.replayResult(ctx, l.AgentID)
		}
	}

	var remaining int64
	if err := tx.QueryRowContext(ctx, `
		select budget_remaining from agent_budgets where agent_id=$1
	`, l.AgentID).Scan(&remaining); err != nil {
		return budget.UsageResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return budget.UsageResult{}, err
	}
	return budget.UsageResult{BudgetRemaining: budget.Amount(remaining)}, nil
}

func (s *Store) RefreshLease(ctx context.Context, leaseID, agentID string, requested budget.Amount) (budget.RefreshResult, error) {
	if !requested.IsPositive() {
		return budget.RefreshResult{}, budget.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return budget.RefreshResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanLease(tx.QueryRowContext(ctx, leaseSelect+` where id=$1 for update`, leaseID))
	if err != nil {
		return budget.RefreshResult{}, err
	}
	if old.AgentID != agentID {
		return budget.RefreshResult{}, budget.ErrNotLeaseOwner
	}
	if err := leaseGate(old, s.now()); err != nil {
		return budget.RefreshResult{}, err
	}

	res, err := tx.ExecContext(ctx, `
		update agent_budgets
		set total_spent = total_spent + $2,
		    budget_remaining = budget_remaining - $2,
		    updated_at = $3
		where agent_id=$1 and budget_remaining >= $2
	`, agentID, int64(requested), s.now())
	if err != nil {
		return budget.RefreshResult{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return budget.RefreshResult{}, err
	} else if n == 0 {
		var remaining int64
		err := tx.QueryRowContext(ctx, `
			select budget_remaining from agent_budgets where agent_id=$1
		`, agentID).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return budget.RefreshResult{}, budget.ErrAgentNotFound
		}
		if err != nil {
			return budget.RefreshResult{}, err
		}
		return budget.RefreshResult{
			Denied:          true,
			Reason:          "insufficient_budget",
			BudgetRemaining: budget.Amount(remaining),
		}, nil
	}

	now := s.now()
	fresh := budget.Lease{
		ID:            ids.New(ids.KindLease),
		AgentID:       agentID,
		PoolID:        old.PoolID,
		BudgetGranted: requested,
		Status:        budget.StatusActive,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into leases(id, agent_id, pool_id, budget_granted, budget_spent, status, created_at)
		values ($1,$2,$3,$4,0,$5,$6)
	`, fresh.ID, fresh.AgentID, fresh.PoolID, int64(fresh.BudgetGranted), fresh.Status, now); err != nil {
		return budget.RefreshResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update leases set status='expired', closed_at=$2 where id=$1 and status='active'
	`, leaseID, now); err != nil {
		return budget.RefreshResult{}, err
	}

	var remaining int64
	if err := tx.QueryRowContext(ctx, `
		select budget_remaining from agent_budgets where agent_id=$1
	`, agentID).Scan(&remaining); err != nil {
		return budget.RefreshResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return budget.RefreshResult{}, err
	}
	return budget.RefreshResult{NewLease: fresh, BudgetRemaining: budget.Amount(remaining)}, nil
}

func (s *Store) CloseLease(ctx context.Context, leaseID string, reportedSpent budget.Amount) (budget.CloseResult, error) {
	if reportedSpent.IsNegative() {
		return budget.CloseResult{}, budget.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return budget.CloseResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanLease(tx.QueryRowContext(ctx, leaseSelect+` where id=$1 for update`, leaseID))
	if err != nil {
		return budget.CloseResult{}, err
	}
	if l.Status != budget.StatusActive {
		return budget.CloseResult{}, budget.ErrLeaseNotActive
	}

	returned := l.BudgetGranted - reportedSpent
	if returned < 0 {
		returned = 0
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update leases set status='expired', closed_at=$2, returned_amount=$3 where id=$1
	`, leaseID, now, int64(returned)); err != nil {
		return budget.CloseResult{}, err
	}
	if returned > 0 {
		if _, err := tx.ExecContext(ctx, `
			update agent_budgets
			set total_spent = total_spent - $2,
			    budget_remaining = budget_remaining + $2,
			    updated_at = $3
			where agent_id=$1 and total_spent >= $2
		`, l.AgentID, int64(returned), now); err != nil {
			return budget.CloseResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return budget.CloseResult{}, err
	}
	return budget.CloseResult{Returned: returned}, nil
}

func (s *Store) ExpireLease(ctx context.Context, leaseID string) (bool, error) {
	return s.terminate(ctx, leaseID, budget.StatusExpired)
}

func (s *Store) RevokeLease(ctx context.Context, leaseID string) (bool, error) {
	return s.terminate(ctx, leaseID, budget.StatusRevoked)
}

func (s *Store) terminate(ctx context.Context, leaseID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update leases set status=$2, closed_at=$3 where id=$1 and status='active'
	`, leaseID, status, s.now())
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}
	// No active row: either the lease is already terminal (idempotent
	// no-op) or it never existed.
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from leases where id=$1`, leaseID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, budget.ErrLeaseNotFound
	}
	return false, err
}

// --- helpers ---

const leaseSelect = `
	select id, agent_id, pool_id, budget_granted, budget_spent, status,
	       created_at, expires_at, closed_at, returned_amount
	from leases`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (budget.Lease, error) {
	var (
		l        budget.Lease
		expires  sql.NullTime
		closed   sql.NullTime
		returned sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.AgentID, &l.PoolID, &l.BudgetGranted, &l.BudgetSpent,
		&l.Status, &l.CreatedAt, &expires, &closed, &returned)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Lease{}, budget.ErrLeaseNotFound
	}
	if err != nil {
		return budget.Lease{}, err
	}
	if expires.Valid {
		t := expires.Time
		l.ExpiresAt = &t
	}
	if closed.Valid {
		t := closed.Time
		l.ClosedAt = &t
	}
	if returned.Valid {
		v := budget.Amount(returned.Int64)
		l.ReturnedAmount = &v
	}
	return l, nil
}

func scanAgentBudget(row rowScanner) (budget.AgentBudget, error) {
	var b budget.AgentBudget
	err := row.Scan(&b.AgentID, &b.TotalAllocated, &b.TotalSpent, &b.BudgetRemaining, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.AgentBudget{}, budget.ErrAgentNotFound
	}
	if err != nil {
		return budget.AgentBudget{}, err
	}
	return b, nil
}

func leaseGate(l budget.Lease, now time.Time) error {
	switch l.Status {
	case budget.StatusRevoked:
		return budget.ErrLeaseRevoked
	case budget.StatusExpired:
		return budget.ErrLeaseExpired
	}
	if l.TimedOut(now) {
		return budget.ErrLeaseExpired
	}
	return nil
}

func (s *Store) poolExceeded(ctx context.Context, tx *sql.Tx, ownerID string) error {
	var (
		cap   sql.NullInt64
		spent int64
	)
	err := tx.QueryRowContext(ctx, `
		select monthly_cap, spent_this_month from owner_ledgers where owner_id=$1
	`, ownerID).Scan(&cap, &spent)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.ErrNoLedger
	}
	if err != nil {
		return err
	}
	e := &budget.ExceededError{Scope: "pool", Spent: budget.Amount(spent)}
	if cap.Valid {
		e.Limit = budget.Amount(cap.Int64)
		if rem := e.Limit - e.Spent; rem > 0 {
			e.Remaining = rem
		}
	}
	return e
}

func (s *Store) agentExceeded(ctx context.Context, tx *sql.Tx, agentID string) error {
	b, err := scanAgentBudget(tx.QueryRowContext(ctx, `
		select agent_id, total_allocated, total_spent, budget_remaining, updated_at
		from agent_budgets where agent_id=$1
	`, agentID))
	if err != nil {
		return err
	}
	return &budget.ExceededError{
		Scope:     "agent",
		Limit:     b.TotalAllocated,
		Spent:     b.TotalSpent,
		Remaining: b.BudgetRemaining,
	}
}

func (s *Store) replayResult(ctx context.Context, agentID string) (budget.UsageResult, error) {
	var remaining int64
	err := s.db.QueryRowContext(ctx, `
		select budget_remaining from agent_budgets where agent_id=$1
	`, agentID).Scan(&remaining)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return budget.UsageResult{}, err
	}
	return budget.UsageResult{BudgetRemaining: budget.Amount(remaining), Replayed: true}, nil
}
