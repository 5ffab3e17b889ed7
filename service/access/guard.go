// Package access provides role checks and the pause switch consulted before
// every mutating escrow call.
package access

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sargo-finance/sargo/service/account"
)

// Role is a capability an identity may hold.
type Role int

const (
	// RoleOwner may pause the system, grant roles and credit custody float.
	RoleOwner Role = iota
	// RoleOperator may change fee rates.
	RoleOperator
	// RoleArbiter may claim, refund and void disputed transactions.
	RoleArbiter
	// RoleAgent may initiate withdrawals and accept deposits.
	RoleAgent
)

var roleNames = map[Role]string{
	RoleOwner:    "owner",
	RoleOperator: "operator",
	RoleArbiter:  "arbiter",
	RoleAgent:    "agent",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// ErrForbidden is returned when a caller without RoleOwner manages roles or
// the pause switch.
var ErrForbidden = errors.New("caller is not the owner")

// Guard is an in-memory role registry and pause switch.
// The owner identity always holds every role.
type Guard struct {
	mu     sync.RWMutex
	owner  account.Identity
	roles  map[account.Identity]map[Role]bool
	paused bool
	logger *slog.Logger
}

// NewGuard creates a guard owned by owner.
func NewGuard(owner account.Identity, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		owner:  owner,
		roles:  make(map[account.Identity]map[Role]bool),
		logger: logger.With("component", "access_guard"),
	}
}

// Owner returns the owner identity.
func (g *Guard) Owner() account.Identity { return g.owner }

// IsAuthorized reports whether id holds role.
func (g *Guard) IsAuthorized(id account.Identity, role Role) bool {
	if id.IsZero() {
		return false
	}
	if id == g.owner {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roles[id][role]
}

// IsPaused reports whether mutating calls are currently rejected.
func (g *Guard) IsPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Grant gives role to id. Only the owner may grant roles.
func (g *Guard) Grant(caller, id account.Identity, role Role) error {
	if caller != g.owner {
		return ErrForbidden
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.roles[id] == nil {
		g.roles[id] = make(map[Role]bool)
	}
	g.roles[id][role] = true
	g.logger.Info("role granted", "identity", id, "role", role.String())
	return nil
}

// GrantAll grants role to every identity in ids, stopping at the first
// failure.
func (g *Guard) GrantAll(caller account.Identity, role Role, ids []account.Identity) error {
	for _, id := range ids {
		if err := g.Grant(caller, id, role); err != nil {
			return fmt.Errorf("grant %s to %s: %w", role, id.Short(), err)
		}
	}
	return nil
}

// Revoke removes role from id. Only the owner may revoke roles.
func (g *Guard) Revoke(caller, id account.Identity, role Role) error {
	if caller != g.owner {
		return ErrForbidden
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.roles[id], role)
	if len(g.roles[id]) == 0 {
		delete(g.roles, id)
	}
	g.logger.Info("role revoked", "identity", id, "role", role.String())
	return nil
}

// Roles returns the roles held by id, sorted.
func (g *Guard) Roles(id account.Identity) []Role {
	if id == g.owner {
		return []Role{RoleOwner, RoleOperator, RoleArbiter, RoleAgent}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Role, 0, len(g.roles[id]))
	for r := range g.roles[id] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pause stops all mutating escrow calls until Unpause is called.
func (g *Guard) Pause(caller account.Identity) error {
	return g.setPaused(caller, true)
}

// Unpause resumes mutating escrow calls.
func (g *Guard) Unpause(caller account.Identity) error {
	return g.setPaused(caller, false)
}

func (g *Guard) setPaused(caller account.Identity, paused bool) error {
	if caller != g.owner {
		return ErrForbidden
	}
	g.mu.Lock()
	g.paused = paused
	g.mu.Unlock()
	g.logger.Warn("pause state changed", "paused", paused, "by", caller)
	return nil
}
