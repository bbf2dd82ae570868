// Package launch turns a validated LTI launch into one of three outcomes:
// provision and sign in, list learner blogs for staff, or deny.
package launch

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mind-engage/lti-blogs/internal/lti"
	"github.com/mind-engage/lti-blogs/internal/provision"
)

// ErrRoleDenied means the launching role may not use the placement's blog.
var ErrRoleDenied = errors.New("launch: role not allowed for this blog type")

type Mode int

const (
	ModeProvision Mode = iota
	ModeList
	ModeDenied
)

func (m Mode) String() string {
	switch m {
	case ModeProvision:
		return "provision"
	case ModeList:
		return "list"
	case ModeDenied:
		return "denied"
	}
	return "unknown"
}

// Route decides what a launch into a blog of the given kind does for roles.
// Staff-only blogs deny anyone who is neither staff nor an administrator.
// Learners are never routed to the list.
func Route(kind provision.Kind, roles lti.RoleSet) (Mode, error) {
	switch {
	case !kind.AdmitsLearners() && !roles.IsStaff() && !roles.IsAdmin():
		return ModeDenied, ErrRoleDenied
	case kind.ListedForStaff() && !roles.IsLearner():
		return ModeList, nil
	}
	return ModeProvision, nil
}

// Defaults fills in what a launch leaves out and carries the site settings
// that come from configuration rather than claims.
type Defaults struct {
	Kind             provision.Kind
	SiteCategory     int
	Domain           string
	SourceTemplateID string
	Private          bool
	// AllowedOptions names the site options a launch may set through
	// site_option_<name> custom parameters.
	AllowedOptions []string
}

const siteOptionPrefix = "site_option_"

// ResolveKind maps the blog_type custom parameter to a kind. Missing and
// unknown values both fall back to the default.
func (d Defaults) ResolveKind(ctx context.Context, c lti.Claims) provision.Kind {
	if c.BlogType == "" {
		return d.Kind
	}
	k, ok := provision.KindByName(c.BlogType)
	if !ok {
		zerolog.Ctx(ctx).Warn().
			Str("blog_type", c.BlogType).
			Str("default", d.Kind.Name()).
			Msg("unknown blog_type, using default")
		return d.Kind
	}
	return k
}

func (d Defaults) siteCategory(ctx context.Context, c lti.Claims) int {
	if c.SiteCategory == "" {
		return d.SiteCategory
	}
	n, err := strconv.Atoi(c.SiteCategory)
	if err != nil || n <= 0 {
		zerolog.Ctx(ctx).Warn().
			Str("site_category", c.SiteCategory).
			Int("default", d.SiteCategory).
			Msg("invalid site_category, using default")
		return d.SiteCategory
	}
	return n
}

// Request builds the provisioning request for a launch routed to
// ModeProvision.
func (d Defaults) Request(ctx context.Context, c lti.Claims, kind provision.Kind) provision.Request {
	req := provision.Request{
		CourseID:         c.CourseID,
		CourseTitle:      c.CourseTitle,
		Domain:           d.Domain,
		ResourceLinkID:   c.ResourceLinkID,
		User:             userData(c),
		Roles:            c.Roles,
		SiteCategory:     d.siteCategory(ctx, c),
		SourceTemplateID: d.SourceTemplateID,
		Kind:             kind,
		Private:          d.Private,
	}
	for _, name := range d.AllowedOptions {
		name = strings.TrimSpace(name)
		if v, ok := c.Custom[siteOptionPrefix+name]; ok && name != "" {
			if req.Options == nil {
				req.Options = make(map[string]string)
			}
			req.Options[name] = v
		}
	}
	return req
}

func userData(c lti.Claims) provision.UserData {
	return provision.UserData{
		Username:  c.Username,
		Email:     c.Email,
		FirstName: c.GivenName,
		LastName:  c.FamilyName,
	}
}
