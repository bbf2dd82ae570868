package launch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mind-engage/lti-blogs/internal/lti"
	"github.com/mind-engage/lti-blogs/internal/provision"
	"github.com/mind-engage/lti-blogs/internal/session"
	"github.com/mind-engage/lti-blogs/internal/sites"
)

var (
	// ErrSessionMissing means the staff access session is gone: expired,
	// never created or already used.
	ErrSessionMissing = errors.New("launch: staff access session missing")
	// ErrSessionTampered means the selected blog is not one the session may
	// reach. Callers must not tell the client why.
	ErrSessionTampered = errors.New("launch: staff selection rejected")
)

// StaffAccess is the server-side state between listing learner blogs and
// selecting one. It is consumed exactly once. Roles are kept raw and mapped
// again on selection; IsStaff must agree with that mapping.
type StaffAccess struct {
	IsStaff        bool               `json:"is_staff"`
	Roles          []string           `json:"roles"`
	User           provision.UserData `json:"user"`
	CourseID       string             `json:"course_id"`
	ResourceLinkID string             `json:"resource_link_id"`
}

// ListedSite is all a staff member sees of a learner blog.
type ListedSite struct {
	ID   string
	Name string
}

// Broker grants staff members access to one learner blog at a time.
type Broker struct {
	sessions session.Store
	dir      sites.Store
	prov     *provision.Provisioner
	ttl      time.Duration
}

func NewBroker(sessions session.Store, dir sites.Store, prov *provision.Provisioner, ttl time.Duration) *Broker {
	return &Broker{sessions: sessions, dir: dir, prov: prov, ttl: ttl}
}

// List stores a staff access session for the launch and returns it with the
// learner blogs of the placement.
func (b *Broker) List(ctx context.Context, c lti.Claims) (string, []ListedSite, error) {
	found, err := b.dir.ListSites(ctx, c.CourseID, c.ResourceLinkID, provision.StudentBlog.Name())
	if err != nil {
		return "", nil, fmt.Errorf("launch: list learner blogs: %w", err)
	}
	listed := make([]ListedSite, 0, len(found))
	for _, s := range found {
		listed = append(listed, ListedSite{ID: s.ID, Name: s.Title})
	}

	id, err := b.sessions.Put(ctx, session.KindStaffAccess, StaffAccess{
		IsStaff:        c.Roles.IsStaff() || c.Roles.IsAdmin(),
		Roles:          c.Roles.Raw(),
		User:           userData(c),
		CourseID:       c.CourseID,
		ResourceLinkID: c.ResourceLinkID,
	}, b.ttl)
	if err != nil {
		return "", nil, fmt.Errorf("launch: store staff session: %w", err)
	}
	return id, listed, nil
}

// Select consumes the staff access session and grants its owner membership
// of siteID. The session is gone afterwards whatever the outcome.
func (b *Broker) Select(ctx context.Context, sessionID, siteID string) (provision.Principal, sites.Site, error) {
	var sa StaffAccess
	if err := b.sessions.Take(ctx, session.KindStaffAccess, sessionID, &sa); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return provision.Principal{}, sites.Site{}, ErrSessionMissing
		}
		return provision.Principal{}, sites.Site{}, fmt.Errorf("launch: take staff session: %w", err)
	}

	log := zerolog.Ctx(ctx).With().Str("site_id", siteID).Str("course_id", sa.CourseID).Logger()

	roles := lti.ClassifyRoles(sa.Roles)
	if sa.IsStaff != (roles.IsStaff() || roles.IsAdmin()) {
		log.Warn().Bool("is_staff", sa.IsStaff).Msg("staff session roles do not match")
		return provision.Principal{}, sites.Site{}, ErrSessionTampered
	}

	site, err := b.dir.SiteByID(ctx, siteID)
	switch {
	case errors.Is(err, sites.ErrNotFound):
		log.Warn().Msg("staff selected unknown site")
		return provision.Principal{}, sites.Site{}, ErrSessionTampered
	case err != nil:
		return provision.Principal{}, sites.Site{}, fmt.Errorf("launch: load selected site: %w", err)
	}
	if site.Record.CourseID != sa.CourseID || site.Record.BlogType != provision.StudentBlog.Name() {
		log.Warn().Str("site_course_id", site.Record.CourseID).Msg("staff selected site outside its course")
		return provision.Principal{}, sites.Site{}, ErrSessionTampered
	}

	user, err := b.prov.ResolveUser(ctx, sa.User)
	if err != nil {
		return provision.Principal{}, sites.Site{}, err
	}
	role, err := b.prov.Grant(ctx, site, user, provision.StudentBlog, roles)
	if err != nil {
		return provision.Principal{}, sites.Site{}, err
	}
	log.Info().Str("user_id", user.ID).Str("role", string(role)).Msg("staff access granted")
	return provision.NewPrincipal(user, sa.User, site, role), site, nil
}
