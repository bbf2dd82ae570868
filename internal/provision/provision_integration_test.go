//go:build integration

package provision

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mind-engage/lti-blogs/internal/db"
	"github.com/mind-engage/lti-blogs/internal/registry"
	"github.com/mind-engage/lti-blogs/internal/session"
	"github.com/mind-engage/lti-blogs/internal/sites"
)

func setupPostgres(t *testing.T, ctx context.Context) *sql.DB {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "ltiblogs",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/ltiblogs?sslmode=disable", host, port.Port())
	h, err := db.Open(ctx, db.DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.NoError(t, db.Migrate(ctx, h, db.DriverPostgres))
	require.NoError(t, db.Migrate(ctx, h, db.DriverPostgres))
	return h
}

func TestIntegration_Postgres(t *testing.T) {
	ctx := context.Background()
	h := setupPostgres(t, ctx)
	dir := sites.NewSQLDirectory(h)

	t.Run("concurrent launches create one site", func(t *testing.T) {
		const n = 16
		p := New(dir, Options{RootSiteID: "root", MaxTries: 10, NewBackOff: fastBackOff})

		var wg sync.WaitGroup
		ids := make([]string, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				pr, _, err := p.ResolveOrCreate(ctx, learnerRequest(CourseBlog, fmt.Sprintf("pg-s%d", i)))
				ids[i], errs[i] = pr.SiteID, err
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, ids[0], ids[i])
		}
		list, err := dir.ListSites(ctx, "ML101", "rl-7", "course")
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("duplicate email", func(t *testing.T) {
		p := New(dir, Options{RootSiteID: "root", NewBackOff: fastBackOff})
		_, err := dir.CreateUser(ctx, sites.NewUser{Username: "pg-local", Email: "pg-dup@example.edu", Password: "x"})
		require.NoError(t, err)

		req := learnerRequest(StudentBlog, "pg-dup")
		_, _, err = p.ResolveOrCreate(ctx, req)
		require.ErrorIs(t, err, ErrDuplicateIdentity)
	})

	t.Run("sessions are single use", func(t *testing.T) {
		s := session.NewSQLStore(h)
		id, err := s.Put(ctx, session.KindStaffAccess, map[string]string{"course_id": "ML101"}, time.Minute)
		require.NoError(t, err)

		var got map[string]string
		require.NoError(t, s.Take(ctx, session.KindStaffAccess, id, &got))
		require.Equal(t, "ML101", got["course_id"])
		require.ErrorIs(t, s.Take(ctx, session.KindStaffAccess, id, &got), session.ErrNotFound)
	})

	t.Run("registry", func(t *testing.T) {
		reg := registry.NewSQLRegistry(h)
		_, err := reg.Register(ctx, registry.Platform{
			Issuer:       "https://lms.example.edu",
			ClientID:     "abc123",
			AuthLoginURL: "https://lms.example.edu/auth",
			KeySetURL:    "https://lms.example.edu/jwks",
			Enabled:      true,
		})
		require.NoError(t, err)

		p, err := reg.Lookup(ctx, "", "abc123")
		require.NoError(t, err)
		require.Equal(t, "https://lms.example.edu", p.Issuer)
	})
}
