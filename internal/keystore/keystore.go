// Package keystore holds the provider API keys the control plane
// guards. Secrets are sealed before they touch storage and only leave
// the package in sealed form; the lone exception is PlaintextSecret,
// used when the control plane calls a provider itself.
package keystore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"leasebank.org/internal/ids"
	"leasebank.org/internal/sealer"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrNoCredential = errors.New("no enabled credential for provider")
)

// Credential is a stored provider key. Ciphertext is the sealed form
// and never the raw key.
type Credential struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Label      string    `json:"label"`
	Enabled    bool      `json:"enabled"`
	Ciphertext string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the credential registry backing the handshake.
type Store interface {
	// Add seals plaintext and records it under a fresh credential id.
	Add(ctx context.Context, provider, label, plaintext string) (Credential, error)
	Get(ctx context.Context, id string) (Credential, error)
	List(ctx context.Context) ([]Credential, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// Resolve picks the enabled credential to hand out for provider.
	Resolve(ctx context.Context, provider string) (Credential, error)
}

// InMemory is the map-backed Store used by tests and the smoke tool.
type InMemory struct {
	mu     sync.RWMutex
	seal   *sealer.Sealer
	byID   map[string]Credential
	serial int
}

func NewInMemory(seal *sealer.Sealer) *InMemory {
	return &InMemory{seal: seal, byID: make(map[string]Credential)}
}

func (m *InMemory) Add(ctx context.Context, provider, label, plaintext string) (Credential, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return Credential{}, errors.New("provider is required")
	}
	if plaintext == "" {
		return Credential{}, errors.New("secret is required")
	}
	sealed, err := m.seal.Seal(plaintext)
	if err != nil {
		return Credential{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serial++
	c := Credential{
		ID:         ids.New(ids.KindCredential),
		Provider:   provider,
		Label:      label,
		Enabled:    true,
		Ciphertext: sealed,
		CreatedAt:  time.Now().UTC().Add(time.Duration(m.serial)), // stable resolve order
	}
	m.byID[c.ID] = c
	return c, nil
}

func (m *InMemory) Get(ctx context.Context, id string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *InMemory) List(ctx context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Credential, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Enabled = enabled
	m.byID[id] = c
	return nil
}

func (m *InMemory) Resolve(ctx context.Context, provider string) (Credential, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Credential
	for _, c := range m.byID {
		if c.Provider != provider || !c.Enabled {
			continue
		}
		if best == nil || c.CreatedAt.Before(best.CreatedAt) {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		return Credential{}, ErrNoCredential
	}
	return *best, nil
}

// PlaintextSecret unseals a credential for in-process provider calls.
// The result must never be logged or serialized.
func PlaintextSecret(seal *sealer.Sealer, c Credential) (string, error) {
	return seal.Unseal(c.Ciphertext)
}
