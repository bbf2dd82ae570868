package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mind-engage/lti-blogs/internal/auth"
	"github.com/mind-engage/lti-blogs/internal/launch"
	"github.com/mind-engage/lti-blogs/internal/logger"
	"github.com/mind-engage/lti-blogs/internal/lti"
	"github.com/mind-engage/lti-blogs/internal/provision"
	"github.com/mind-engage/lti-blogs/internal/registry"
	"github.com/mind-engage/lti-blogs/internal/session"
	"github.com/mind-engage/lti-blogs/internal/sites"
)

type ServeCmd struct {
	PurgeInterval time.Duration `help:"how often expired sessions are deleted" default:"1m"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, h, err := setup(ctx, globals)
	if err != nil {
		return err
	}
	defer h.Close()
	ctx = log.WithContext(ctx)

	kind, ok := provision.KindByName(cfg.DefaultBlogType)
	if !ok {
		return fmt.Errorf("LTI_DEFAULT_BLOG_TYPE: unknown blog type %q", cfg.DefaultBlogType)
	}

	reg := registry.NewCached(registry.NewSQLRegistry(h), cfg.RegistryCacheTTL)
	svc := lti.NewService(reg, lti.NewKeySetFetcher(nil), lti.NewNonceCache(time.Minute), lti.Options{
		RedirectURI: cfg.LaunchURL(),
	})
	sessions := session.NewSQLStore(h)
	go purgeSessions(ctx, sessions, c.PurgeInterval)

	dir := sites.NewSQLDirectory(h)
	if cfg.RootSiteID != "" {
		if err := dir.EnsureRootSite(ctx, cfg.RootSiteID, cfg.SiteDomain, cfg.SiteTitle); err != nil {
			return err
		}
	}
	prov := provision.New(dir, provision.Options{RootSiteID: cfg.RootSiteID})

	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Use(logger.Middleware(log)...)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := h.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	launch.Mount(r, launch.Deps{
		LTI:       svc,
		Sessions:  sessions,
		Provision: prov,
		Broker:    launch.NewBroker(sessions, dir, prov, cfg.StaffSessionTTL),
		Auth:      auth.NewAuthService(cfg.SessionSecret, cfg.SignInTTL, cfg.CookieSecure, cfg.SignInCookieSameSite()),
		Defaults: launch.Defaults{
			Kind:             kind,
			SiteCategory:     cfg.DefaultSiteCategory,
			Domain:           cfg.SiteDomain,
			SourceTemplateID: cfg.DefaultSiteTemplateID,
			Private:          cfg.MakeSitesPrivate,
			AllowedOptions:   cfg.AllowedSiteOptions,
		},
		PublicURL:     cfg.PublicURL,
		HelplineURL:   cfg.HelplineURL,
		LoginStateTTL: cfg.LoginStateTTL,
		StaffTTL:      cfg.StaffSessionTTL,
		SecureCookies: cfg.CookieSecure,
		CORSOrigins:   cfg.CORSOrigins,
	})

	srv := configureHTTPServer(cfg.HTTPAddr, r)
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Str("public_url", cfg.PublicURL).
			Str("db", cfg.DBDriver).
			Str("version", globals.Version).
			Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// purgeSessions deletes expired pending logins and staff sessions until ctx
// is done.
func purgeSessions(ctx context.Context, s session.Store, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Purge(ctx)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("purge sessions")
				continue
			}
			if n > 0 {
				zerolog.Ctx(ctx).Debug().Int64("purged", n).Msg("purged expired sessions")
			}
		}
	}
}
