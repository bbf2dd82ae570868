package provision

import "github.com/mind-engage/lti-blogs/internal/lti"

// Role is a site membership role on the blog platform.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleEditor        Role = "editor"
	RoleAuthor        Role = "author"
	RoleContributor   Role = "contributor"
	RoleSubscriber    Role = "subscriber"
)

// DefaultRole is granted when no rule matches, including role sets made
// only of unrecognized roles.
const DefaultRole = RoleSubscriber

type roleRule struct {
	from lti.Role
	to   Role
}

// mapRoles returns the site role of the first rule the role set satisfies.
// Rules are ordered by precedence.
func mapRoles(roles lti.RoleSet, rules []roleRule) Role {
	for _, r := range rules {
		if roles.Has(r.from) {
			return r.to
		}
	}
	return DefaultRole
}
