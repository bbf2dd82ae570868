package launch

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"filippo.io/csrf"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mind-engage/lti-blogs/internal/auth"
	"github.com/mind-engage/lti-blogs/internal/lti"
	"github.com/mind-engage/lti-blogs/internal/provision"
	"github.com/mind-engage/lti-blogs/internal/session"
)

const (
	loginCookie = "lti_login"
	staffCookie = "lti_staff"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Deps is everything the LTI routes need. Handlers only read it.
type Deps struct {
	LTI       *lti.Service
	Sessions  session.Store
	Provision *provision.Provisioner
	Broker    *Broker
	Auth      *auth.AuthService
	Defaults  Defaults

	PublicURL     string
	HelplineURL   string
	LoginStateTTL time.Duration
	StaffTTL      time.Duration
	SecureCookies bool
	CORSOrigins   []string
}

// Mount registers the LTI routes on r under /lti.
func Mount(r chi.Router, d Deps) {
	r.Route("/lti", func(lr chi.Router) {
		lr.Get("/login", LoginHandler(d))
		lr.Post("/login", LoginHandler(d))
		lr.Post("/launch", LaunchHandler(d))

		// The launch itself is a cross-site form post from the platform, so
		// only the selection made on our own page gets origin checks.
		lr.With(csrf.New().Handler).Post("/staff/select", SelectHandler(d))

		lr.With(auth.Middleware(d.Auth)).Get("/me", MeHandler())

		lr.With(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		})).Get("/config.json", ToolConfigHandler(d))
	})
}

// LoginHandler starts the OIDC login: it remembers state and nonce
// server-side and redirects to the platform.
func LoginHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		log := hlog.FromRequest(r)

		redirect, pending, err := d.LTI.Login(r.Context(), lti.LoginParams{
			Issuer:         r.Form.Get("iss"),
			LoginHint:      r.Form.Get("login_hint"),
			TargetLinkURI:  r.Form.Get("target_link_uri"),
			LTIMessageHint: r.Form.Get("lti_message_hint"),
			ClientID:       r.Form.Get("client_id"),
			DeploymentID:   r.Form.Get("lti_deployment_id"),
		})
		if err != nil {
			log.Warn().Err(err).Str("iss", r.Form.Get("iss")).Str("client_id", r.Form.Get("client_id")).Msg("lti login rejected")
			renderDenied(w, r, d, err)
			return
		}

		id, err := d.Sessions.Put(r.Context(), session.KindPendingLogin, pending, d.LoginStateTTL)
		if err != nil {
			log.Error().Err(err).Msg("store pending login")
			renderDenied(w, r, d, err)
			return
		}
		setCookie(w, d, loginCookie, id, "/lti/", d.LoginStateTTL)
		http.Redirect(w, r, redirect, http.StatusFound)
	}
}

// LaunchHandler validates the posted id_token and routes the launch.
func LaunchHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		ctx := r.Context()
		log := hlog.FromRequest(r)

		var pending lti.PendingLogin
		c, err := r.Cookie(loginCookie)
		if err != nil || c.Value == "" {
			log.Warn().Msg("launch without login cookie")
			renderDenied(w, r, d, lti.ErrNonceMismatch)
			return
		}
		clearCookie(w, d, loginCookie, "/lti/")
		if err := d.Sessions.Take(ctx, session.KindPendingLogin, c.Value, &pending); err != nil {
			log.Warn().Err(err).Msg("launch without pending login")
			renderDenied(w, r, d, lti.ErrNonceMismatch)
			return
		}

		claims, err := d.LTI.Validate(ctx, r.PostForm.Get("id_token"), r.PostForm.Get("state"), pending)
		if err != nil {
			log.Warn().Err(err).Str("iss", pending.Issuer).Msg("lti launch rejected")
			renderDenied(w, r, d, err)
			return
		}

		kind := d.Defaults.ResolveKind(ctx, claims)
		mode, err := Route(kind, claims.Roles)
		log.UpdateContext(func(lc zerolog.Context) zerolog.Context {
			return lc.Str("course_id", claims.CourseID).
				Str("resource_link_id", claims.ResourceLinkID).
				Str("username", claims.Username).
				Str("blog_type", kind.Name())
		})
		log.Info().Stringer("mode", mode).Strs("roles", claims.Roles.Raw()).Msg("lti launch routed")

		switch mode {
		case ModeDenied:
			renderDenied(w, r, d, err)
		case ModeList:
			id, listed, err := d.Broker.List(ctx, claims)
			if err != nil {
				log.Error().Err(err).Msg("list learner blogs")
				renderDenied(w, r, d, err)
				return
			}
			setCookie(w, d, staffCookie, id, "/lti/staff/", d.StaffTTL)
			w.Header().Set("Cache-Control", "private, max-age=1800")
			render(w, r, http.StatusOK, "list.html", listPage{
				CourseTitle: claims.CourseTitle,
				Sites:       listed,
				SelectURL:   "/lti/staff/select",
			})
		default:
			req := d.Defaults.Request(ctx, claims, kind)
			pr, site, err := d.Provision.ResolveOrCreate(ctx, req)
			if err != nil {
				log.Error().Err(err).Msg("provision blog")
				renderDenied(w, r, d, err)
				return
			}
			signIn(w, r, d, pr, site.Path)
		}
	}
}

// SelectHandler grants a staff member access to the learner blog they
// picked from the list. A missing or tampered session is a silent redirect
// home; provisioning failures get the denial page.
func SelectHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		home := siteURL(d.PublicURL, "/")

		c, err := r.Cookie(staffCookie)
		if err != nil || c.Value == "" {
			http.Redirect(w, r, home, http.StatusFound)
			return
		}
		clearCookie(w, d, staffCookie, "/lti/staff/")

		pr, site, err := d.Broker.Select(r.Context(), c.Value, strings.TrimSpace(r.PostFormValue("site_id")))
		switch {
		case errors.Is(err, ErrSessionMissing), errors.Is(err, ErrSessionTampered):
			log.Warn().Err(err).Msg("staff selection refused")
			http.Redirect(w, r, home, http.StatusFound)
			return
		case err != nil:
			log.Error().Err(err).Msg("staff selection failed")
			renderDenied(w, r, d, err)
			return
		}
		signIn(w, r, d, pr, site.Path)
	}
}

// MeHandler reports who the sign-in cookie belongs to.
func MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, _ := auth.ClaimsFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"user_id":  c.Subject,
			"username": c.Username,
			"site_id":  c.SiteID,
			"role":     c.Role,
		})
	}
}

type toolConfig struct {
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	OIDCInitiationURL string            `json:"oidc_initiation_url"`
	TargetLinkURI     string            `json:"target_link_uri"`
	RedirectURIs      []string          `json:"redirect_uris"`
	Scopes            []string          `json:"scopes"`
	Claims            []string          `json:"claims"`
	CustomFields      map[string]string `json:"custom_fields"`
}

// ToolConfigHandler serves the tool's registration details for platform
// administrators.
func ToolConfigHandler(d Deps) http.HandlerFunc {
	launchURL := siteURL(d.PublicURL, "/lti/launch")
	cfg := toolConfig{
		Title:             "Course Blogs",
		Description:       "Per-course and per-learner blogs",
		OIDCInitiationURL: siteURL(d.PublicURL, "/lti/login"),
		TargetLinkURI:     launchURL,
		RedirectURIs:      []string{launchURL},
		Scopes:            []string{},
		Claims:            []string{"iss", "sub", "name", "given_name", "family_name", "email"},
		CustomFields: map[string]string{
			lti.CustomBlogType: d.Defaults.Kind.Name(),
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg)
	}
}

func signIn(w http.ResponseWriter, r *http.Request, d Deps, pr provision.Principal, path string) {
	if err := d.Auth.SignIn(w, pr); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sign in")
		renderDenied(w, r, d, err)
		return
	}
	hlog.FromRequest(r).Info().Str("user_id", pr.UserID).Str("site_id", pr.SiteID).Str("role", string(pr.Role)).Msg("signed in")
	http.Redirect(w, r, siteURL(d.PublicURL, path), http.StatusFound)
}

/* --------------------------------- Pages ---------------------------------- */

type listPage struct {
	CourseTitle string
	Sites       []ListedSite
	SelectURL   string
}

type deniedPage struct {
	Title       string
	Message     string
	HelplineURL string
}

// denial maps an error to a status and the text shown to the user.
func denial(err error) (int, string) {
	switch {
	case errors.Is(err, lti.ErrUnknownPlatform):
		return http.StatusForbidden, "This learning platform is not registered with the blog service."
	case errors.Is(err, lti.ErrUnknownDeployment):
		return http.StatusForbidden, "This course's deployment is not registered with the blog service."
	case errors.Is(err, lti.ErrExpiredToken):
		return http.StatusForbidden, "The launch has expired. Please open the blog again from your course."
	case errors.Is(err, lti.ErrNonceMismatch):
		return http.StatusForbidden, "The launch could not be verified. Please open the blog again from your course."
	case errors.Is(err, lti.ErrInvalidSignature):
		return http.StatusForbidden, "The launch signature could not be verified."
	case errors.Is(err, lti.ErrInvalidClaims):
		return http.StatusForbidden, "The launch did not include the course information the blog needs."
	case errors.Is(err, ErrRoleDenied):
		return http.StatusForbidden, "This blog is only available to course staff."
	case errors.Is(err, provision.ErrDuplicateIdentity):
		return http.StatusConflict, "An account with your email address already exists. Please contact support to have it linked."
	}
	return http.StatusInternalServerError, "Something went wrong while opening your blog. Please try again later."
}

func renderDenied(w http.ResponseWriter, r *http.Request, d Deps, err error) {
	status, msg := denial(err)
	render(w, r, status, "denied.html", deniedPage{
		Title:       http.StatusText(status),
		Message:     msg,
		HelplineURL: d.HelplineURL,
	})
}

func render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("template", name).Msg("render page")
	}
}

/* -------------------------------- Helpers --------------------------------- */

// Both cookies ride on cross-site requests from the platform frame.
func setCookie(w http.ResponseWriter, d Deps, name, value, path string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   d.SecureCookies,
		SameSite: http.SameSiteNoneMode,
	})
}

func clearCookie(w http.ResponseWriter, d Deps, name, path string) {
	setCookie(w, d, name, "", path, -time.Second)
}

// siteURL resolves path against the scheme and host of publicURL.
func siteURL(publicURL, path string) string {
	base, err := url.Parse(publicURL)
	if err != nil || base.Host == "" {
		return path
	}
	return base.ResolveReference(&url.URL{Path: path}).String()
}
