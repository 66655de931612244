// Package auth holds the capability check that guards admin operations. The
// policy itself is pluggable; the default grants every capability to callers
// presenting the configured admin token and denies everything when no token
// is configured.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

var ErrForbidden = errors.New("forbidden")

// Capabilities checked by the orchestrators.
const (
	CapConfirmPayment      = "payments:confirm"
	CapApproveDisbursement = "disbursements:approve"
	CapManageDisbursement  = "disbursements:manage"
)

// Principal is the authenticated caller as seen by the services.
type Principal struct {
	ID           string
	Capabilities []string
}

func (p Principal) Has(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability || c == "*" {
			return true
		}
	}
	return false
}

type Authorizer interface {
	// Authenticate resolves a bearer credential into a principal.
	Authenticate(ctx context.Context, credential string) (Principal, error)
	// Authorize returns ErrForbidden unless p holds capability.
	Authorize(ctx context.Context, p Principal, capability string) error
}

// StaticTokenAuthorizer accepts a single shared admin token.
type StaticTokenAuthorizer struct {
	token string
}

func NewStaticTokenAuthorizer(token string) *StaticTokenAuthorizer {
	return &StaticTokenAuthorizer{token: token}
}

func (a *StaticTokenAuthorizer) Authenticate(_ context.Context, credential string) (Principal, error) {
	if a.token == "" || credential == "" {
		return Principal{}, ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(a.token), []byte(credential)) != 1 {
		return Principal{}, ErrForbidden
	}
	return Principal{ID: "admin", Capabilities: []string{"*"}}, nil
}

func (a *StaticTokenAuthorizer) Authorize(_ context.Context, p Principal, capability string) error {
	if a.token == "" || !p.Has(capability) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, principalName(p), capability)
	}
	return nil
}

func principalName(p Principal) string {
	if p.ID == "" {
		return "anonymous caller"
	}
	return p.ID
}
