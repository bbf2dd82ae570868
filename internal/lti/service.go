package lti

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/lti-blogs/internal/registry"
)

// LoginParams are the third-party initiated login parameters sent by the
// platform to the tool's login URL.
type LoginParams struct {
	Issuer         string
	LoginHint      string
	TargetLinkURI  string
	LTIMessageHint string
	ClientID       string
	DeploymentID   string
}

// PendingLogin is the server-side half of an OIDC login. It is stored by the
// caller and handed back to Validate exactly once.
type PendingLogin struct {
	State         string `json:"state"`
	Nonce         string `json:"nonce"`
	Issuer        string `json:"iss"`
	ClientID      string `json:"client_id"`
	TargetLinkURI string `json:"target_link_uri,omitempty"`
}

type Options struct {
	// RedirectURI is where the platform posts the id_token.
	RedirectURI string
	// Leeway tolerates clock skew with the platform.
	Leeway time.Duration
}

// Service runs both halves of an LTI 1.3 launch: the OIDC login redirect and
// the id_token validation.
type Service struct {
	registry registry.Registry
	keys     KeySource
	nonces   NonceStore
	opts     Options
	now      func() time.Time
}

func NewService(reg registry.Registry, keys KeySource, nonces NonceStore, opts Options) *Service {
	if opts.Leeway <= 0 {
		opts.Leeway = 30 * time.Second
	}
	return &Service{registry: reg, keys: keys, nonces: nonces, opts: opts, now: time.Now}
}

// Login resolves the platform and builds the redirect to its OIDC auth
// endpoint. The returned PendingLogin must be persisted before redirecting.
func (s *Service) Login(ctx context.Context, in LoginParams) (string, PendingLogin, error) {
	if strings.TrimSpace(in.LoginHint) == "" {
		return "", PendingLogin{}, fmt.Errorf("%w: missing login_hint", ErrInvalidClaims)
	}
	p, err := s.platform(ctx, in.Issuer, in.ClientID)
	if err != nil {
		return "", PendingLogin{}, err
	}
	if in.DeploymentID != "" && !p.AcceptsDeployment(in.DeploymentID) {
		return "", PendingLogin{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, in.DeploymentID)
	}

	auth, err := url.Parse(p.AuthLoginURL)
	if err != nil {
		return "", PendingLogin{}, fmt.Errorf("lti: platform %s auth_login_url: %w", p.ID, err)
	}

	pending := PendingLogin{
		State:         randHex(16),
		Nonce:         randHex(16),
		Issuer:        p.Issuer,
		ClientID:      p.ClientID,
		TargetLinkURI: in.TargetLinkURI,
	}

	q := auth.Query()
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", s.opts.RedirectURI)
	q.Set("login_hint", in.LoginHint)
	if in.LTIMessageHint != "" {
		q.Set("lti_message_hint", in.LTIMessageHint)
	}
	q.Set("state", pending.State)
	q.Set("nonce", pending.Nonce)
	auth.RawQuery = q.Encode()

	return auth.String(), pending, nil
}

// Validate checks the posted state against the pending login, verifies the
// id_token signature against the platform key set and returns the launch
// claims. It never returns partial claims.
func (s *Service) Validate(ctx context.Context, rawIDToken, state string, pending PendingLogin) (Claims, error) {
	if state == "" || pending.State == "" || subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		return Claims{}, fmt.Errorf("%w: state", ErrNonceMismatch)
	}
	if strings.TrimSpace(rawIDToken) == "" {
		return Claims{}, fmt.Errorf("%w: missing id_token", ErrInvalidSignature)
	}
	p, err := s.platform(ctx, pending.Issuer, pending.ClientID)
	if err != nil {
		return Claims{}, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(p.Issuer),
		jwt.WithAudience(p.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.opts.Leeway),
		jwt.WithTimeFunc(s.now),
	)
	var tok idToken
	_, err = parser.ParseWithClaims(rawIDToken, &tok, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return s.keys.Key(ctx, p.KeySetURL, kid)
	})
	if err != nil {
		return Claims{}, mapTokenError(err)
	}

	if len(tok.Audience) > 1 && tok.AuthorizedParty != p.ClientID {
		return Claims{}, fmt.Errorf("%w: azp %q", ErrUnknownPlatform, tok.AuthorizedParty)
	}
	if tok.Nonce == "" || subtle.ConstantTimeCompare([]byte(tok.Nonce), []byte(pending.Nonce)) != 1 {
		return Claims{}, fmt.Errorf("%w: nonce", ErrNonceMismatch)
	}
	if !s.nonces.Consume(p.Issuer, tok.Nonce, tok.ExpiresAt.Add(s.opts.Leeway)) {
		return Claims{}, fmt.Errorf("%w: nonce replayed", ErrNonceMismatch)
	}
	if !p.AcceptsDeployment(tok.DeploymentID) {
		return Claims{}, fmt.Errorf("%w: %q", ErrUnknownDeployment, tok.DeploymentID)
	}
	if err := tok.check(); err != nil {
		return Claims{}, err
	}
	return tok.claims(p.ClientID), nil
}

func (s *Service) platform(ctx context.Context, issuer, clientID string) (registry.Platform, error) {
	p, err := s.registry.Lookup(ctx, issuer, clientID)
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrAmbiguous):
		return registry.Platform{}, fmt.Errorf("%w: iss=%q client_id=%q: %v", ErrUnknownPlatform, issuer, clientID, err)
	case err != nil:
		return registry.Platform{}, err
	}
	return p, nil
}

func (t *idToken) check() error {
	switch {
	case t.MessageType != MessageTypeResourceLink:
		return fmt.Errorf("%w: message_type %q", ErrInvalidClaims, t.MessageType)
	case t.Version != Version13:
		return fmt.Errorf("%w: version %q", ErrInvalidClaims, t.Version)
	case t.ResourceLink.ID == "":
		return fmt.Errorf("%w: missing resource_link.id", ErrInvalidClaims)
	case t.Context.ID == "" && t.Context.Label == "":
		return fmt.Errorf("%w: missing context", ErrInvalidClaims)
	case t.Subject == "":
		return fmt.Errorf("%w: missing sub", ErrInvalidClaims)
	}
	return nil
}

func mapTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrUnknownPlatform, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

// randHex returns n random bytes hex-encoded (len=2n).
func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
