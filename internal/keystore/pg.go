package keystore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"leasebank.org/internal/ids"
	"leasebank.org/internal/sealer"
)

// PG is the Postgres-backed Store used in production.
type PG struct {
	db   *sql.DB
	seal *sealer.Sealer
}

func NewPG(db *sql.DB, seal *sealer.Sealer) *PG {
	return &PG{db: db, seal: seal}
}

var _ Store = (*PG)(nil)

func (p *PG) Add(ctx context.Context, provider, label, plaintext string) (Credential, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return Credential{}, errors.New("provider is required")
	}
	if plaintext == "" {
		return Credential{}, errors.New("secret is required")
	}
	sealed, err := p.seal.Seal(plaintext)
	if err != nil {
		return Credential{}, err
	}
	c := Credential{
		ID:         ids.New(ids.KindCredential),
		Provider:   provider,
		Label:      label,
		Enabled:    true,
		Ciphertext: sealed,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = p.db.ExecContext(ctx, `
		insert into provider_credentials(id, provider, label, enabled, ciphertext, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.Provider, c.Label, c.Enabled, c.Ciphertext, c.CreatedAt)
	if err != nil {
		return Credential{}, err
	}
	return c, nil
}

func (p *PG) Get(ctx context.Context, id string) (Credential, error) {
	return scanCredential(p.db.QueryRowContext(ctx, `
		select id, provider, label, enabled, ciphertext, created_at
		from provider_credentials where id=$1
	`, id))
}

func (p *PG) List(ctx context.Context) ([]Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		select id, provider, label, enabled, ciphertext, created_at
		from provider_credentials order by created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.Provider, &c.Label, &c.Enabled, &c.Ciphertext, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PG) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := p.db.ExecContext(ctx, `
		update provider_credentials set enabled=$2 where id=$1
	`, id, enabled)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PG) Resolve(ctx context.Context, provider string) (Credential, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	c, err := scanCredential(p.db.QueryRowContext(ctx, `
		select id, provider, label, enabled, ciphertext, created_at
		from provider_credentials
		where provider=$1 and enabled
		order by created_at
		limit 1
	`, provider))
	if errors.Is(err, ErrNotFound) {
		return Credential{}, ErrNoCredential
	}
	return c, err
}

func scanCredential(row *sql.Row) (Credential, error) {
	var c Credential
	err := row.Scan(&c.ID, &c.Provider, &c.Label, &c.Enabled, &c.Ciphertext, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	return c, nil
}
