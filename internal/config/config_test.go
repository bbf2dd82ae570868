package config

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PUBLIC_URL", "https://blogs.example.edu/")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, "course", cfg.DefaultBlogType)
	require.Equal(t, 2, cfg.DefaultSiteCategory)
	require.Equal(t, 30*time.Minute, cfg.StaffSessionTTL)
	require.Equal(t, "https://blogs.example.edu/lti/launch", cfg.LaunchURL())
	require.Equal(t, "root", cfg.RootSiteID)
	require.Equal(t, http.SameSiteLaxMode, cfg.SignInCookieSameSite())
}

func TestLoadListsAndOverrides(t *testing.T) {
	t.Setenv("LTI_ALLOWED_SITE_OPTIONS", "blog_public,theme")
	t.Setenv("LTI_DEFAULT_SITE_CATEGORY", "7")
	t.Setenv("LTI_MAKE_SITES_PRIVATE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"blog_public", "theme"}, cfg.AllowedSiteOptions)
	require.Equal(t, 7, cfg.DefaultSiteCategory)
	require.True(t, cfg.MakeSitesPrivate)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SESSION_SECRET", "short")
	t.Setenv("LTI_DEFAULT_SITE_CATEGORY", "0")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "SESSION_SECRET")
	require.Contains(t, err.Error(), "LTI_DEFAULT_SITE_CATEGORY")
}

func TestSignInSameSite(t *testing.T) {
	t.Setenv("SIGN_IN_SAMESITE", "None")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, http.SameSiteNoneMode, cfg.SignInCookieSameSite())

	t.Setenv("COOKIE_SECURE", "false")
	_, err = Load()
	require.ErrorContains(t, err, "requires COOKIE_SECURE")

	t.Setenv("SIGN_IN_SAMESITE", "sometimes")
	_, err = Load()
	require.ErrorContains(t, err, "SIGN_IN_SAMESITE")
}
