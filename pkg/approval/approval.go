// Package approval implements the Approval store external collaborator
// (spec §6): a single equality/validity check against approval tokens,
// invoked once at job intake (spec §4.4 step 1). The approval record
// store itself is an explicit core Non-goal; this package only answers
// is_approved.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Static is an in-memory ApprovalChecker for tests and small
// deployments: tokens are pre-registered as approved (or with an expiry)
// and checked by simple lookup.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]time.Time // token -> expiry; zero means no expiry
}

// NewStatic builds an empty Static approval checker.
func NewStatic() *Static {
	return &Static{tokens: make(map[string]time.Time)}
}

// Approve registers token as approved, optionally expiring at expiresAt
// (zero value means it never expires).
func (s *Static) Approve(token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = expiresAt
}

// Revoke removes token from the approved set.
func (s *Static) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// IsApproved implements job.ApprovalChecker.
func (s *Static) IsApproved(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, ok := s.tokens[token]
	if !ok {
		return false, nil
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		return false, nil
	}
	return true, nil
}

// Postgres is a durable ApprovalChecker backed by a simple approvals
// table (token primary key, expires_at nullable).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-connected pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// IsApproved implements job.ApprovalChecker.
func (p *Postgres) IsApproved(ctx context.Context, token string) (bool, error) {
	var expiresAt *time.Time
	err := p.pool.QueryRow(ctx, `SELECT expires_at FROM approvals WHERE token = $1`, token).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("checking approval token: %w", err)
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		return false, nil
	}
	return true, nil
}
