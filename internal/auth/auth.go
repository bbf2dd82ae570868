// Package auth signs a launched user into the blog platform. The grant is
// an HS256 token carried in the lti_blogs_auth cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/lti-blogs/internal/provision"
)

const (
	CookieName = "lti_blogs_auth"
	issuer     = "lti-blogs"
)

var ErrUnauthenticated = errors.New("auth: not signed in")

type AuthService struct {
	hmac     []byte
	ttl      time.Duration
	secure   bool
	sameSite http.SameSite
	now      func() time.Time
}

// NewAuthService signs with secret. sameSite must be http.SameSiteNoneMode
// when the blog is shown inside the LMS frame; the browser drops the cookie
// otherwise.
func NewAuthService(secret string, ttl time.Duration, secureCookie bool, sameSite http.SameSite) *AuthService {
	if sameSite == http.SameSiteDefaultMode {
		sameSite = http.SameSiteLaxMode
	}
	return &AuthService{hmac: []byte(secret), ttl: ttl, secure: secureCookie, sameSite: sameSite, now: time.Now}
}

type Claims struct {
	SiteID    string `json:"site_id"`
	SitePath  string `json:"site_path"`
	Role      string `json:"role"`
	Username  string `json:"preferred_username"`
	FirstName string `json:"given_name,omitempty"`
	LastName  string `json:"family_name,omitempty"`
	jwt.RegisteredClaims
}

// IssueJWT signs pr. The display names are the ones the LMS sent for this
// launch.
func (a *AuthService) IssueJWT(pr provision.Principal) (string, error) {
	now := a.now()
	claims := &Claims{
		SiteID:    pr.SiteID,
		SitePath:  pr.SitePath,
		Role:      string(pr.Role),
		Username:  pr.Username,
		FirstName: pr.FirstName,
		LastName:  pr.LastName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   pr.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.hmac, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return c, nil
}

// SignIn sets the sign-in cookie for pr. It must only be called after every
// membership grant for the launch has succeeded.
func (a *AuthService) SignIn(w http.ResponseWriter, pr provision.Principal) error {
	tok, err := a.IssueJWT(pr)
	if err != nil {
		return fmt.Errorf("auth: issue token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: a.sameSite,
		Expires:  a.now().Add(a.ttl),
	})
	return nil
}

// FromRequest reads and verifies the sign-in cookie.
func (a *AuthService) FromRequest(r *http.Request) (*Claims, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil, ErrUnauthenticated
	}
	return a.Parse(c.Value)
}

// Middleware rejects requests without a valid sign-in cookie and puts the
// claims on the request context.
func Middleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.FromRequest(r)
			if err != nil {
				http.Error(w, "not signed in", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
