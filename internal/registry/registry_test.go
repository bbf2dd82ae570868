package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-blogs/internal/db"
)

func seed(t *testing.T, r *SQLRegistry, p Platform) Platform {
	t.Helper()
	out, err := r.Register(context.Background(), p)
	require.NoError(t, err)
	return out
}

func canvas(clientID string, enabled bool) Platform {
	return Platform{
		Name:         "Canvas",
		Issuer:       "https://canvas.example.edu",
		ClientID:     clientID,
		AuthLoginURL: "https://canvas.example.edu/api/lti/authorize_redirect",
		AuthTokenURL: "https://canvas.example.edu/login/oauth2/token",
		KeySetURL:    "https://canvas.example.edu/api/lti/security/jwks",
		Enabled:      enabled,
	}
}

func TestSQLRegistryLookup(t *testing.T) {
	ctx := context.Background()
	r := NewSQLRegistry(db.OpenTestSQLite(t))

	want := seed(t, r, canvas("abc123", true))
	seed(t, r, canvas("disabled-1", false))

	got, err := r.Lookup(ctx, "https://canvas.example.edu", "abc123")
	require.NoError(t, err)
	require.Equal(t, want, got)

	t.Run("client id alone", func(t *testing.T) {
		got, err := r.Lookup(ctx, "", "abc123")
		require.NoError(t, err)
		require.Equal(t, want.ID, got.ID)
	})

	t.Run("disabled is hidden", func(t *testing.T) {
		_, err := r.Lookup(ctx, "https://canvas.example.edu", "disabled-1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := r.Lookup(ctx, "https://other.example.edu", "abc123")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = r.Lookup(ctx, "", "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("issuer alone is ambiguous with two clients", func(t *testing.T) {
		seed(t, r, canvas("second", true))
		_, err := r.Lookup(ctx, "https://canvas.example.edu", "")
		require.ErrorIs(t, err, ErrAmbiguous)
	})
}

func TestRegisterUpserts(t *testing.T) {
	ctx := context.Background()
	r := NewSQLRegistry(db.OpenTestSQLite(t))

	first := seed(t, r, canvas("abc123", true))
	p := canvas("abc123", true)
	p.DeploymentID = "dep-1"
	second := seed(t, r, p)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "dep-1", second.DeploymentID)

	_, err := r.Register(ctx, Platform{Issuer: "x"})
	require.Error(t, err)
}

func TestAcceptsDeployment(t *testing.T) {
	open := Platform{}
	require.True(t, open.AcceptsDeployment("dep-9"))
	require.False(t, open.AcceptsDeployment(""))

	pinned := Platform{DeploymentID: "dep-1"}
	require.True(t, pinned.AcceptsDeployment("dep-1"))
	require.False(t, pinned.AcceptsDeployment("dep-2"))
}

type countingRegistry struct {
	calls int
	p     Platform
	err   error
}

func (c *countingRegistry) Lookup(context.Context, string, string) (Platform, error) {
	c.calls++
	return c.p, c.err
}

func TestCachedReadsThrough(t *testing.T) {
	ctx := context.Background()
	next := &countingRegistry{p: canvas("abc123", true)}
	c := NewCached(next, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := c.Lookup(ctx, "iss", "abc123")
		require.NoError(t, err)
	}
	require.Equal(t, 1, next.calls)

	now = now.Add(2 * time.Minute)
	_, err := c.Lookup(ctx, "iss", "abc123")
	require.NoError(t, err)
	require.Equal(t, 2, next.calls)
}

func TestCachedDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	next := &countingRegistry{err: ErrNotFound}
	c := NewCached(next, time.Minute)

	_, err := c.Lookup(ctx, "iss", "x")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Lookup(ctx, "iss", "x")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, next.calls)
}
