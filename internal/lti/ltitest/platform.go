// Package ltitest provides a fake LTI 1.3 platform for tests: it serves a
// key set over httptest and mints signed launch tokens.
package ltitest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/lti-blogs/internal/lti"
	"github.com/mind-engage/lti-blogs/internal/registry"
)

const (
	Issuer       = "https://lms.example.edu"
	ClientID     = "abc123"
	DeploymentID = "dep-1"
	KeyID        = "platform-key-1"
)

const roleBase = "http://purl.imsglobal.org/vocab/lis/v2/membership#"

var (
	Learner    = roleBase + "Learner"
	Instructor = roleBase + "Instructor"
	Admin      = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"
)

type Platform struct {
	Key      *rsa.PrivateKey
	Server   *httptest.Server
	Platform registry.Platform
}

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

// sharedKey avoids generating a fresh RSA key for every test.
func sharedKey(t testing.TB) *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		key = k
	})
	return key
}

func New(t testing.TB) *Platform {
	t.Helper()
	k := sharedKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=300")
		_ = json.NewEncoder(w).Encode(lti.JWKS{Keys: []lti.JWK{lti.PublicJWK(KeyID, &k.PublicKey)}})
	}))
	t.Cleanup(srv.Close)

	return &Platform{
		Key:    k,
		Server: srv,
		Platform: registry.Platform{
			ID:           "plat-1",
			Name:         "Test LMS",
			Issuer:       Issuer,
			ClientID:     ClientID,
			DeploymentID: DeploymentID,
			AuthLoginURL: Issuer + "/auth",
			AuthTokenURL: Issuer + "/token",
			KeySetURL:    srv.URL + "/jwks",
			Enabled:      true,
		},
	}
}

// Lookup makes the fake usable as a registry.Registry.
func (p *Platform) Lookup(_ context.Context, issuer, clientID string) (registry.Platform, error) {
	if (issuer == "" || issuer == p.Platform.Issuer) && (clientID == "" || clientID == p.Platform.ClientID) &&
		(issuer != "" || clientID != "") {
		return p.Platform, nil
	}
	return registry.Platform{}, registry.ErrNotFound
}

// Launch describes the interesting parts of a resource link launch.
type Launch struct {
	Nonce          string
	Roles          []string
	Username       string
	Email          string
	GivenName      string
	FamilyName     string
	CourseID       string
	CourseTitle    string
	ResourceLinkID string
	Custom         map[string]any
	ExpiresIn      time.Duration
}

// Claims returns a complete, valid claim set for l.
func (p *Platform) Claims(l Launch) jwt.MapClaims {
	now := time.Now()
	if l.ExpiresIn == 0 {
		l.ExpiresIn = 5 * time.Minute
	}
	if l.Username == "" {
		l.Username = "s1234567"
	}
	if l.Email == "" {
		l.Email = l.Username + "@example.edu"
	}
	if l.CourseID == "" {
		l.CourseID = "ML101"
	}
	if l.ResourceLinkID == "" {
		l.ResourceLinkID = "rl-7"
	}
	return jwt.MapClaims{
		"iss":         p.Platform.Issuer,
		"aud":         p.Platform.ClientID,
		"sub":         "sub-" + l.Username,
		"iat":         now.Unix(),
		"exp":         now.Add(l.ExpiresIn).Unix(),
		"nonce":       l.Nonce,
		"email":       l.Email,
		"given_name":  l.GivenName,
		"family_name": l.FamilyName,

		lti.ClaimMessageType:  lti.MessageTypeResourceLink,
		lti.ClaimVersion:      lti.Version13,
		lti.ClaimDeploymentID: p.Platform.DeploymentID,
		lti.ClaimRoles:        l.Roles,
		lti.ClaimContext: map[string]any{
			"id":    "ctx-" + l.CourseID,
			"label": l.CourseID,
			"title": l.CourseTitle,
		},
		lti.ClaimResourceLink: map[string]any{"id": l.ResourceLinkID},
		lti.ClaimCustom:       l.Custom,
		lti.ClaimExt:          map[string]any{"user_username": l.Username},
	}
}

// Sign signs claims with the platform key.
func (p *Platform) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = KeyID
	s, err := tok.SignedString(p.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// IDToken is Sign(Claims(l)).
func (p *Platform) IDToken(t testing.TB, l Launch) string {
	return p.Sign(t, p.Claims(l))
}
