package provision

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mind-engage/lti-blogs/internal/lti"
	"github.com/mind-engage/lti-blogs/internal/sites"
)

var (
	// ErrDuplicateIdentity means the launch email belongs to a different
	// account. The request fails; accounts are never linked implicitly.
	ErrDuplicateIdentity = errors.New("provision: email already belongs to another account")
	// ErrMembership means a membership grant failed; sign-in must not happen.
	ErrMembership = errors.New("provision: membership grant failed")
	// ErrResource means the blog could not be resolved or created.
	ErrResource = errors.New("provision: resource creation failed")
)

// UserData is the LMS identity of the launching user. It is stored in the
// staff access session, hence the JSON tags.
type UserData struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Request is built from validated launch claims and consumed once.
type Request struct {
	CourseID         string
	CourseTitle      string
	Domain           string
	ResourceLinkID   string
	User             UserData
	Roles            lti.RoleSet
	SiteCategory     int
	SourceTemplateID string
	Kind             Kind
	Private          bool
	// Options are extra site options carried by custom claims.
	Options map[string]string
}

// Key is the resource key for req.
func (req Request) Key() sites.ResourceKey {
	return sites.ResourceKey{
		CourseID:       req.CourseID,
		ResourceLinkID: req.ResourceLinkID,
		BlogType:       req.Kind.Name(),
		OwnerKey:       req.Kind.OwnerKey(req),
	}
}

// Principal is the account handed to the sign-in boundary. First and last
// name come from the LMS for this session only and are never persisted for
// existing accounts.
type Principal struct {
	UserID    string
	Username  string
	Email     string
	FirstName string
	LastName  string
	SiteID    string
	SitePath  string
	Role      Role
}

type Options struct {
	// RootSiteID is the top-level site every launching user joins.
	RootSiteID string
	// MaxTries bounds lookup retries after a create conflict.
	MaxTries uint
	// NewBackOff returns the retry schedule. Tests shorten it.
	NewBackOff func() backoff.BackOff
}

type Provisioner struct {
	dir      sites.Directory
	opts     Options
	password func() (string, error)
	tracer   trace.Tracer
}

func New(dir sites.Directory, opts Options) *Provisioner {
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 25 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		}
	}
	return &Provisioner{
		dir:      dir,
		opts:     opts,
		password: func() (string, error) { return randomPassword(20) },
		tracer:   otel.Tracer("github.com/mind-engage/lti-blogs/internal/provision"),
	}
}

// ResolveOrCreate runs the three provisioning steps: resolve the user,
// resolve the blog, grant memberships. Every step is safe to repeat, so a
// failed request can simply be launched again.
func (p *Provisioner) ResolveOrCreate(ctx context.Context, req Request) (Principal, sites.Site, error) {
	ctx, span := p.tracer.Start(ctx, "provision.ResolveOrCreate", trace.WithAttributes(
		attribute.String("lti.course_id", req.CourseID),
		attribute.String("lti.resource_link_id", req.ResourceLinkID),
		attribute.String("blog.type", req.Kind.Name()),
	))
	defer span.End()

	principal, site, err := p.resolveOrCreate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return principal, site, err
}

func (p *Provisioner) resolveOrCreate(ctx context.Context, req Request) (Principal, sites.Site, error) {
	user, err := p.ResolveUser(ctx, req.User)
	if err != nil {
		return Principal{}, sites.Site{}, err
	}
	site, err := p.resolveSite(ctx, req, user)
	if err != nil {
		return Principal{}, sites.Site{}, err
	}
	role, err := p.Grant(ctx, site, user, req.Kind, req.Roles)
	if err != nil {
		return Principal{}, sites.Site{}, err
	}
	for name, value := range req.Options {
		if err := p.dir.SetOption(ctx, site.ID, name, value); err != nil {
			return Principal{}, sites.Site{}, fmt.Errorf("provision: site option %q: %w", name, err)
		}
	}
	return NewPrincipal(user, req.User, site, role), site, nil
}

// NewPrincipal overlays the LMS display name on the stored account.
func NewPrincipal(u sites.User, lms UserData, site sites.Site, role Role) Principal {
	pr := Principal{
		UserID:    u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		SiteID:    site.ID,
		SitePath:  site.Path,
		Role:      role,
	}
	if lms.FirstName != "" || lms.LastName != "" {
		pr.FirstName, pr.LastName = lms.FirstName, lms.LastName
	}
	return pr
}

// ResolveUser finds the account by username or creates it with a random
// password. Existing accounts are returned untouched.
func (p *Provisioner) ResolveUser(ctx context.Context, in UserData) (sites.User, error) {
	ctx, span := p.tracer.Start(ctx, "provision.ResolveUser")
	defer span.End()

	if in.Username == "" {
		return sites.User{}, errors.New("provision: launch has no username")
	}

	return backoff.Retry(ctx, func() (sites.User, error) {
		u, err := p.dir.UserByUsername(ctx, in.Username)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, sites.ErrNotFound) {
			return sites.User{}, backoff.Permanent(err)
		}

		pw, err := p.password()
		if err != nil {
			return sites.User{}, backoff.Permanent(err)
		}
		u, err = p.dir.CreateUser(ctx, sites.NewUser{
			Username:  in.Username,
			Email:     in.Email,
			Password:  pw,
			FirstName: in.FirstName,
			LastName:  in.LastName,
		})
		switch {
		case errors.Is(err, sites.ErrEmailTaken):
			return sites.User{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrDuplicateIdentity, in.Email))
		case errors.Is(err, sites.ErrConflict):
			return sites.User{}, err
		case err != nil:
			return sites.User{}, backoff.Permanent(err)
		}
		zerolog.Ctx(ctx).Info().Str("username", u.Username).Str("user_id", u.ID).Msg("created user")
		return u, nil
	}, p.retryOptions()...)
}

// resolveSite looks the blog up by its resource key and creates it on a
// miss. Losing a create race yields sites.ErrConflict and another lookup.
func (p *Provisioner) resolveSite(ctx context.Context, req Request, creator sites.User) (sites.Site, error) {
	ctx, span := p.tracer.Start(ctx, "provision.ResolveSite")
	defer span.End()

	key := req.Key()
	site, err := backoff.Retry(ctx, func() (sites.Site, error) {
		s, err := p.dir.FindSite(ctx, key)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, sites.ErrNotFound) {
			return sites.Site{}, backoff.Permanent(err)
		}

		s, err = p.dir.CreateSite(ctx, sites.NewSite{
			Key:        key,
			Domain:     req.Domain,
			Path:       req.Kind.Path(req),
			Title:      req.Kind.Title(req),
			Category:   req.SiteCategory,
			Public:     !req.Private,
			TemplateID: req.SourceTemplateID,
			Creator:    creator,
			Options: map[string]string{
				"lti_course_title": req.CourseTitle,
			},
		})
		if errors.Is(err, sites.ErrConflict) {
			zerolog.Ctx(ctx).Debug().Str("course_id", key.CourseID).Msg("site create lost race, looking up again")
			return sites.Site{}, err
		}
		if err != nil {
			return sites.Site{}, backoff.Permanent(err)
		}
		span.SetAttributes(attribute.Bool("blog.created", true))
		zerolog.Ctx(ctx).Info().
			Str("site_id", s.ID).
			Str("path", s.Path).
			Str("blog_type", key.BlogType).
			Msg("created site")
		return s, nil
	}, p.retryOptions()...)
	if err != nil {
		return sites.Site{}, fmt.Errorf("%w: %w", ErrResource, err)
	}
	return site, nil
}

// Grant adds the user to the site with the role kind maps roles to, and to
// the top-level site as a subscriber.
func (p *Provisioner) Grant(ctx context.Context, site sites.Site, user sites.User, kind Kind, roles lti.RoleSet) (Role, error) {
	role := kind.MembershipRole(roles)
	if err := p.dir.AddMember(ctx, site.ID, user.ID, string(role)); err != nil {
		return "", fmt.Errorf("%w: site %s: %w", ErrMembership, site.ID, err)
	}
	if p.opts.RootSiteID != "" && p.opts.RootSiteID != site.ID {
		if err := p.dir.EnsureMember(ctx, p.opts.RootSiteID, user.ID, string(RoleSubscriber)); err != nil {
			return "", fmt.Errorf("%w: top-level site: %w", ErrMembership, err)
		}
	}
	return role, nil
}

func (p *Provisioner) retryOptions() []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(p.opts.NewBackOff()),
		backoff.WithMaxTries(p.opts.MaxTries),
	}
}

const passwordAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// randomPassword is never shown to anyone; sign-in goes through the LTI
// session grant.
func randomPassword(n int) (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("provision: random password: %w", err)
		}
		b[i] = passwordAlphabet[v.Int64()]
	}
	return string(b), nil
}
