package registry

import (
	"context"
	"errors"
	"strings"
)

/*
Package registry resolves LTI 1.3 platform registrations.

A registration is keyed by (issuer, client_id) and carries the endpoints the
tool needs during a launch: the OIDC auth endpoint, the token endpoint and
the platform key set. Only enabled registrations are ever returned.

Managing registrations is left to operators (see the register-platform
command); the launch flow only reads.
*/

// Platform is one enabled LMS registration.
type Platform struct {
	ID           string
	Name         string
	Issuer       string
	ClientID     string
	DeploymentID string // empty accepts any deployment
	AuthLoginURL string
	AuthTokenURL string
	KeySetURL    string
	Enabled      bool
}

// AcceptsDeployment reports whether a launch from deploymentID is allowed.
func (p Platform) AcceptsDeployment(deploymentID string) bool {
	if p.DeploymentID == "" {
		return strings.TrimSpace(deploymentID) != ""
	}
	return p.DeploymentID == deploymentID
}

// Registry is the read contract used by the launch flow.
type Registry interface {
	// Lookup returns the enabled registration for (issuer, clientID).
	// Either part may be empty when the other identifies exactly one
	// registration.
	Lookup(ctx context.Context, issuer, clientID string) (Platform, error)
}

var (
	// ErrNotFound means no enabled registration matched.
	ErrNotFound = errors.New("registry: platform not found")
	// ErrAmbiguous means a partial key matched more than one registration.
	ErrAmbiguous = errors.New("registry: platform lookup is ambiguous")
)
