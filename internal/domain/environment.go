package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvironmentState captures the lifecycle position of an environment.
type EnvironmentState string

const (
	EnvironmentStatePooled  EnvironmentState = "pooled"
	EnvironmentStateActive  EnvironmentState = "active"
	EnvironmentStateExpired EnvironmentState = "expired"
)

// Template names a seeded namespace that environments are cloned from.
type Template struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// Environment is an isolated namespace cloned from a template. It is never
// handed to a second consumer once claimed.
type Environment struct {
	ID        uuid.UUID        `json:"id"`
	Template  string           `json:"template"`
	Namespace string           `json:"namespace"`
	State     EnvironmentState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	ClaimedAt *time.Time       `json:"claimed_at,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NamespaceFor derives the backing namespace name for an environment id.
func NamespaceFor(id uuid.UUID) string {
	return "env_" + strings.ReplaceAll(id.String(), "-", "")
}

// NewPooledEnvironment prepares a pooled environment record for template.
func NewPooledEnvironment(template Template, now time.Time) Environment {
	id := uuid.New()
	return Environment{
		ID:        id,
		Template:  template.Name,
		Namespace: NamespaceFor(id),
		State:     EnvironmentStatePooled,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithClaim returns a copy transitioned to active with a fresh TTL.
func (e Environment) WithClaim(now time.Time, ttl time.Duration) Environment {
	claimed := now
	expires := now.Add(ttl)
	e.State = EnvironmentStateActive
	e.ClaimedAt = &claimed
	e.ExpiresAt = &expires
	e.UpdatedAt = now
	return e
}

// WithState returns a copy in the given state.
func (e Environment) WithState(state EnvironmentState, now time.Time) Environment {
	e.State = state
	e.UpdatedAt = now
	return e
}

// IsExpired reports whether an active environment has outlived its TTL.
func (e Environment) IsExpired(now time.Time) bool {
	if e.State == EnvironmentStateExpired {
		return true
	}
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
