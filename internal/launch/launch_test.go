package launch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-blogs/internal/auth"
	"github.com/mind-engage/lti-blogs/internal/db"
	"github.com/mind-engage/lti-blogs/internal/lti"
	"github.com/mind-engage/lti-blogs/internal/lti/ltitest"
	"github.com/mind-engage/lti-blogs/internal/provision"
	"github.com/mind-engage/lti-blogs/internal/session"
	"github.com/mind-engage/lti-blogs/internal/sites"
)

const (
	publicURL = "https://blogs.example.edu"
	helpline  = "https://help.example.edu"
)

type harness struct {
	t        *testing.T
	platform *ltitest.Platform
	dir      *sites.SQLDirectory
	broker   *Broker
	router   http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := db.OpenTestSQLite(t)
	p := ltitest.New(t)
	dir := sites.NewSQLDirectory(h)
	sessions := session.NewSQLStore(h)
	prov := provision.New(dir, provision.Options{
		RootSiteID: "root",
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	})
	broker := NewBroker(sessions, dir, prov, 30*time.Minute)

	d := Deps{
		LTI:       lti.NewService(p, lti.NewKeySetFetcher(nil), lti.NewNonceCache(0), lti.Options{RedirectURI: publicURL + "/lti/launch"}),
		Sessions:  sessions,
		Provision: prov,
		Broker:    broker,
		Auth:      auth.NewAuthService("0123456789abcdef", time.Hour, true, http.SameSiteNoneMode),
		Defaults: Defaults{
			Kind:         provision.CourseBlog,
			SiteCategory: 2,
			Domain:       "blogs.example.edu",
		},
		PublicURL:     publicURL,
		HelplineURL:   helpline,
		LoginStateTTL: 10 * time.Minute,
		StaffTTL:      30 * time.Minute,
		SecureCookies: true,
		CORSOrigins:   []string{"https://lms.example.edu"},
	}
	r := chi.NewRouter()
	Mount(r, d)
	return &harness{t: t, platform: p, dir: dir, broker: broker, router: r}
}

func (h *harness) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// login runs the OIDC initiation and returns the redirect parameters and
// the login cookie.
func (h *harness) login() (url.Values, *http.Cookie) {
	h.t.Helper()
	q := url.Values{"iss": {ltitest.Issuer}, "login_hint": {"hint-1"}, "client_id": {ltitest.ClientID}}
	rec := h.do(httptest.NewRequest(http.MethodGet, "/lti/login?"+q.Encode(), nil))
	require.Equal(h.t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(h.t, err)
	c := cookie(rec, loginCookie)
	require.NotNil(h.t, c)
	return loc.Query(), c
}

func (h *harness) launch(l ltitest.Launch) *httptest.ResponseRecorder {
	h.t.Helper()
	params, c := h.login()
	l.Nonce = params.Get("nonce")
	form := url.Values{"id_token": {h.platform.IDToken(h.t, l)}, "state": {params.Get("state")}}
	return h.do(postForm("/lti/launch", form), c)
}

func cookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name && c.Value != "" {
			return c
		}
	}
	return nil
}

func learner(username string, blogType string) ltitest.Launch {
	return ltitest.Launch{
		Roles:       []string{ltitest.Learner},
		Username:    username,
		GivenName:   "Ada",
		FamilyName:  "Lovelace",
		CourseTitle: "Machine Learning",
		Custom:      map[string]any{"blog_type": blogType},
	}
}

func instructor(blogType string) ltitest.Launch {
	return ltitest.Launch{
		Roles:       []string{ltitest.Instructor},
		Username:    "t100",
		GivenName:   "Grace",
		FamilyName:  "Hopper",
		CourseTitle: "Machine Learning",
		Custom:      map[string]any{"blog_type": blogType},
	}
}

func TestLoginRedirectsToPlatform(t *testing.T) {
	h := newHarness(t)
	q := url.Values{"iss": {ltitest.Issuer}, "login_hint": {"hint-1"}, "client_id": {"abc123"}, "lti_message_hint": {"m"}}
	rec := h.do(postForm("/lti/login", q))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "lms.example.edu", loc.Host)
	require.Equal(t, "/auth", loc.Path)
	got := loc.Query()
	require.NotEmpty(t, got.Get("state"))
	require.NotEmpty(t, got.Get("nonce"))
	require.Equal(t, "abc123", got.Get("client_id"))
	require.Equal(t, "form_post", got.Get("response_mode"))
	require.Equal(t, publicURL+"/lti/launch", got.Get("redirect_uri"))

	c := cookie(rec, loginCookie)
	require.NotNil(t, c)
	require.Equal(t, http.SameSiteNoneMode, c.SameSite)
	require.True(t, c.HttpOnly)
}

func TestLoginUnknownClientIsDenied(t *testing.T) {
	h := newHarness(t)
	q := url.Values{"iss": {"https://other.example.edu"}, "login_hint": {"hint-1"}, "client_id": {"nope"}}
	rec := h.do(httptest.NewRequest(http.MethodGet, "/lti/login?"+q.Encode(), nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "not registered")
	require.Nil(t, cookie(rec, loginCookie))
}

func TestLearnerFirstAndSecondVisit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.launch(learner("s1234567", "student"))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	require.Equal(t, publicURL+"/ml101-rl-7-s1234567/", rec.Header().Get("Location"))
	require.NotNil(t, cookie(rec, auth.CookieName))

	u, err := h.dir.UserByUsername(ctx, "s1234567")
	require.NoError(t, err)
	list, err := h.dir.ListSites(ctx, "ML101", "rl-7", "student")
	require.NoError(t, err)
	require.Len(t, list, 1)
	role, err := h.dir.MemberRole(ctx, list[0].ID, u.ID)
	require.NoError(t, err)
	require.Equal(t, "administrator", role)

	rec = h.launch(learner("s1234567", "student"))
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, publicURL+"/ml101-rl-7-s1234567/", rec.Header().Get("Location"))
	list, err = h.dir.ListSites(ctx, "ML101", "rl-7", "student")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSignedInUserCanReadSession(t *testing.T) {
	h := newHarness(t)
	rec := h.launch(learner("s1234567", "course"))
	require.Equal(t, http.StatusFound, rec.Code)

	me := h.do(httptest.NewRequest(http.MethodGet, "/lti/me", nil), cookie(rec, auth.CookieName))
	require.Equal(t, http.StatusOK, me.Code)
	require.Contains(t, me.Body.String(), `"username":"s1234567"`)
	require.Contains(t, me.Body.String(), `"role":"author"`)

	anon := h.do(httptest.NewRequest(http.MethodGet, "/lti/me", nil))
	require.Equal(t, http.StatusUnauthorized, anon.Code)
}

func TestInstructorOnStudentBlogGetsList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, http.StatusFound, h.launch(learner("s1234567", "student")).Code)

	rec := h.launch(instructor("student"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "private, max-age=1800", rec.Header().Get("Cache-Control"))
	require.Contains(t, rec.Body.String(), "Ada Lovelace (Machine Learning)")
	require.NotContains(t, rec.Body.String(), "s1234567@example.edu")
	require.NotNil(t, cookie(rec, staffCookie))
	require.Nil(t, cookie(rec, auth.CookieName))

	list, err := h.dir.ListSites(ctx, "ML101", "rl-7", "student")
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = h.dir.UserByUsername(ctx, "t100")
	require.ErrorIs(t, err, sites.ErrNotFound)
}

func TestStaffSelectionIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, http.StatusFound, h.launch(learner("s1234567", "student")).Code)
	list, err := h.dir.ListSites(ctx, "ML101", "rl-7", "student")
	require.NoError(t, err)
	siteID := list[0].ID

	staff := cookie(h.launch(instructor("student")), staffCookie)
	require.NotNil(t, staff)

	rec := h.do(postForm("/lti/staff/select", url.Values{"site_id": {siteID}}), staff)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, publicURL+"/ml101-rl-7-s1234567/", rec.Header().Get("Location"))
	require.NotNil(t, cookie(rec, auth.CookieName))

	u, err := h.dir.UserByUsername(ctx, "t100")
	require.NoError(t, err)
	role, err := h.dir.MemberRole(ctx, siteID, u.ID)
	require.NoError(t, err)
	require.Equal(t, "editor", role)

	replay := h.do(postForm("/lti/staff/select", url.Values{"site_id": {siteID}}), staff)
	require.Equal(t, http.StatusFound, replay.Code)
	require.Equal(t, publicURL+"/", replay.Header().Get("Location"))
	require.Nil(t, cookie(replay, auth.CookieName))
}

func TestStaffSelectionOutsideCourseIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := learner("s1234567", "student")
	other.CourseID = "CS200"
	require.Equal(t, http.StatusFound, h.launch(other).Code)
	list, err := h.dir.ListSites(ctx, "CS200", "rl-7", "student")
	require.NoError(t, err)
	require.Len(t, list, 1)

	staff := cookie(h.launch(instructor("student")), staffCookie)
	rec := h.do(postForm("/lti/staff/select", url.Values{"site_id": {list[0].ID}}), staff)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, publicURL+"/", rec.Header().Get("Location"))
	require.Nil(t, cookie(rec, auth.CookieName))
	require.Empty(t, rec.Body.String())
}

func TestStaffSelectionShowsProvisioningFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, http.StatusFound, h.launch(learner("s1234567", "student")).Code)
	list, err := h.dir.ListSites(ctx, "ML101", "rl-7", "student")
	require.NoError(t, err)

	staff := cookie(h.launch(instructor("student")), staffCookie)
	require.NotNil(t, staff)
	_, err = h.dir.CreateUser(ctx, sites.NewUser{Username: "local-t100", Email: "t100@example.edu", Password: "x"})
	require.NoError(t, err)

	rec := h.do(postForm("/lti/staff/select", url.Values{"site_id": {list[0].ID}}), staff)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, rec.Header().Get("Location"))
	require.Contains(t, rec.Body.String(), helpline)
	require.Nil(t, cookie(rec, auth.CookieName))
}

func TestBrokerRejectsTamperingAndReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, http.StatusFound, h.launch(learner("s1234567", "student")).Code)
	mine, err := h.dir.ListSites(ctx, "ML101", "rl-7", "student")
	require.NoError(t, err)

	other := learner("s7654321", "student")
	other.CourseID = "CS200"
	require.Equal(t, http.StatusFound, h.launch(other).Code)
	theirs, err := h.dir.ListSites(ctx, "CS200", "rl-7", "student")
	require.NoError(t, err)

	claims := lti.Claims{
		Username:       "t100",
		Email:          "t100@example.edu",
		Roles:          lti.ClassifyRoles([]string{ltitest.Instructor}),
		CourseID:       "ML101",
		ResourceLinkID: "rl-7",
	}

	id, listed, err := h.broker.List(ctx, claims)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, mine[0].ID, listed[0].ID)

	_, _, err = h.broker.Select(ctx, id, theirs[0].ID)
	require.ErrorIs(t, err, ErrSessionTampered)
	_, _, err = h.broker.Select(ctx, id, mine[0].ID)
	require.ErrorIs(t, err, ErrSessionMissing)

	id, _, err = h.broker.List(ctx, claims)
	require.NoError(t, err)
	_, _, err = h.broker.Select(ctx, id, "no-such-site")
	require.ErrorIs(t, err, ErrSessionTampered)

	id, _, err = h.broker.List(ctx, claims)
	require.NoError(t, err)
	pr, _, err := h.broker.Select(ctx, id, mine[0].ID)
	require.NoError(t, err)
	require.Equal(t, provision.RoleEditor, pr.Role)
	_, _, err = h.broker.Select(ctx, id, mine[0].ID)
	require.ErrorIs(t, err, ErrSessionMissing)
}

func TestBrokerChecksStaffFlagAgainstRoles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, http.StatusFound, h.launch(learner("s1234567", "student")).Code)
	list, err := h.dir.ListSites(ctx, "ML101", "rl-7", "student")
	require.NoError(t, err)

	forged := StaffAccess{
		IsStaff:        true,
		Roles:          []string{ltitest.Learner},
		User:           provision.UserData{Username: "s7654321", Email: "s7654321@example.edu"},
		CourseID:       "ML101",
		ResourceLinkID: "rl-7",
	}
	id, err := h.broker.sessions.Put(ctx, session.KindStaffAccess, forged, time.Minute)
	require.NoError(t, err)
	_, _, err = h.broker.Select(ctx, id, list[0].ID)
	require.ErrorIs(t, err, ErrSessionTampered)

	_, err = h.dir.UserByUsername(ctx, "s7654321")
	require.ErrorIs(t, err, sites.ErrNotFound)
}

func TestLearnerOnStaffBlogIsDenied(t *testing.T) {
	h := newHarness(t)
	rec := h.launch(learner("s1234567", "staff"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "only available to course staff")
	require.Contains(t, rec.Body.String(), helpline)
	require.Nil(t, cookie(rec, auth.CookieName))

	list, err := h.dir.ListSites(context.Background(), "ML101", "rl-7", "staff")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestInstructorOnStaffBlogProvisions(t *testing.T) {
	h := newHarness(t)
	rec := h.launch(instructor("staff"))
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, publicURL+"/ml101-rl-7-staff/", rec.Header().Get("Location"))
}

func TestLaunchFailures(t *testing.T) {
	t.Run("no login cookie", func(t *testing.T) {
		h := newHarness(t)
		params, _ := h.login()
		l := learner("s1234567", "course")
		l.Nonce = params.Get("nonce")
		form := url.Values{"id_token": {h.platform.IDToken(t, l)}, "state": {params.Get("state")}}
		rec := h.do(postForm("/lti/launch", form))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("replayed launch", func(t *testing.T) {
		h := newHarness(t)
		params, c := h.login()
		l := learner("s1234567", "course")
		l.Nonce = params.Get("nonce")
		form := url.Values{"id_token": {h.platform.IDToken(t, l)}, "state": {params.Get("state")}}
		require.Equal(t, http.StatusFound, h.do(postForm("/lti/launch", form), c).Code)

		rec := h.do(postForm("/lti/launch", form), c)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Contains(t, rec.Body.String(), "could not be verified")
	})

	t.Run("expired token", func(t *testing.T) {
		h := newHarness(t)
		l := learner("s1234567", "course")
		l.ExpiresIn = -time.Hour
		rec := h.launch(l)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Contains(t, rec.Body.String(), "expired")
	})

	t.Run("duplicate email", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.dir.CreateUser(context.Background(), sites.NewUser{Username: "ada", Email: "s1234567@example.edu", Password: "x"})
		require.NoError(t, err)
		rec := h.launch(learner("s1234567", "course"))
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Contains(t, rec.Body.String(), helpline)
	})
}

func TestToolConfigAllowsConfiguredOrigins(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/lti/config.json", nil)
	req.Header.Set("Origin", "https://lms.example.edu")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://lms.example.edu", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Body.String(), publicURL+"/lti/login")
}
