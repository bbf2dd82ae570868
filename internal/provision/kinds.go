package provision

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mind-engage/lti-blogs/internal/lti"
)

// Kind is one of the blog variants a placement can provision. The set is
// closed: CourseBlog, StudentBlog and StaffBlog.
type Kind interface {
	// Name is the blog_type custom claim value.
	Name() string
	// OwnerKey scopes the resource key. Shared blogs return "".
	OwnerKey(req Request) string
	Path(req Request) string
	Title(req Request) string
	// MembershipRole maps a classified role set to exactly one site role.
	MembershipRole(roles lti.RoleSet) Role
	// ListedForStaff is true when staff launches list existing blogs
	// instead of provisioning one.
	ListedForStaff() bool
	// AdmitsLearners is false for staff-only blogs.
	AdmitsLearners() bool
}

var (
	CourseBlog  Kind = courseBlog{}
	StudentBlog Kind = studentBlog{}
	StaffBlog   Kind = staffBlog{}
)

var kinds = map[string]Kind{
	CourseBlog.Name():  CourseBlog,
	StudentBlog.Name(): StudentBlog,
	StaffBlog.Name():   StaffBlog,
}

// KindByName returns the kind for a blog_type value.
func KindByName(name string) (Kind, bool) {
	k, ok := kinds[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

/* ------------------------------ Course blog ------------------------------- */

type courseBlog struct{}

func (courseBlog) Name() string             { return "course" }
func (courseBlog) OwnerKey(Request) string  { return "" }
func (courseBlog) ListedForStaff() bool     { return false }
func (courseBlog) AdmitsLearners() bool     { return true }
func (courseBlog) Path(req Request) string  { return sitePath(req.CourseID, req.ResourceLinkID) }
func (courseBlog) Title(req Request) string { return req.CourseTitle }

func (courseBlog) MembershipRole(roles lti.RoleSet) Role {
	return mapRoles(roles, []roleRule{
		{lti.RoleAdministrator, RoleAdministrator},
		{lti.RoleInstructor, RoleAdministrator},
		{lti.RoleContentDeveloper, RoleEditor},
		{lti.RoleTeachingAssistant, RoleEditor},
		{lti.RoleLearner, RoleAuthor},
	})
}

/* ------------------------------ Student blog ------------------------------ */

// studentBlog is one blog per learner per placement.
type studentBlog struct{}

func (studentBlog) Name() string                { return "student" }
func (studentBlog) OwnerKey(req Request) string { return req.User.Username }
func (studentBlog) ListedForStaff() bool        { return true }
func (studentBlog) AdmitsLearners() bool        { return true }

func (studentBlog) Path(req Request) string {
	return sitePath(req.CourseID, req.ResourceLinkID, req.User.Username)
}

func (studentBlog) Title(req Request) string {
	name := strings.TrimSpace(req.User.FirstName + " " + req.User.LastName)
	if name == "" {
		name = req.User.Username
	}
	return fmt.Sprintf("%s (%s)", name, req.CourseTitle)
}

// The owning learner administers their own blog; staff reach it through
// the delegated access flow and get editor rights.
func (studentBlog) MembershipRole(roles lti.RoleSet) Role {
	return mapRoles(roles, []roleRule{
		{lti.RoleLearner, RoleAdministrator},
		{lti.RoleAdministrator, RoleEditor},
		{lti.RoleInstructor, RoleEditor},
		{lti.RoleContentDeveloper, RoleEditor},
		{lti.RoleTeachingAssistant, RoleEditor},
	})
}

/* ------------------------------- Staff blog ------------------------------- */

type staffBlog struct{}

func (staffBlog) Name() string             { return "staff" }
func (staffBlog) OwnerKey(Request) string  { return "" }
func (staffBlog) ListedForStaff() bool     { return false }
func (staffBlog) AdmitsLearners() bool     { return false }
func (staffBlog) Title(req Request) string { return req.CourseTitle + " Staff" }

func (staffBlog) Path(req Request) string {
	return sitePath(req.CourseID, req.ResourceLinkID, "staff")
}

func (staffBlog) MembershipRole(roles lti.RoleSet) Role {
	return mapRoles(roles, []roleRule{
		{lti.RoleAdministrator, RoleAdministrator},
		{lti.RoleInstructor, RoleAdministrator},
		{lti.RoleContentDeveloper, RoleEditor},
		{lti.RoleTeachingAssistant, RoleAuthor},
	})
}

/* -------------------------------- Helpers --------------------------------- */

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// sitePath joins slugged parts into a "/a-b-c/" site path. Resource link
// ids are opaque and often long, so only their first 8 characters are used;
// the store keeps paths unique.
func sitePath(courseID, resourceLinkID string, extra ...string) string {
	rl := slug(resourceLinkID)
	if len(rl) > 8 {
		rl = strings.Trim(rl[:8], "-")
	}
	parts := []string{slug(courseID), rl}
	for _, e := range extra {
		parts = append(parts, slug(e))
	}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "/blog/"
	}
	return "/" + strings.Join(kept, "-") + "/"
}
