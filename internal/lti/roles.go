package lti

import "strings"

// Role is a normalized LTI role. Raw role URIs are reduced to the fragment
// after '#' (or the last path segment for short forms) and mapped onto this
// fixed vocabulary.
type Role int

const (
	RoleUnrecognized Role = iota
	RoleAdministrator
	RoleInstructor
	RoleContentDeveloper
	RoleTeachingAssistant
	RoleLearner
	RoleMentor
)

var roleNames = map[Role]string{
	RoleUnrecognized:      "Unrecognized",
	RoleAdministrator:     "Administrator",
	RoleInstructor:        "Instructor",
	RoleContentDeveloper:  "ContentDeveloper",
	RoleTeachingAssistant: "TeachingAssistant",
	RoleLearner:           "Learner",
	RoleMentor:            "Mentor",
}

var rolesBySuffix = map[string]Role{
	"Administrator":     RoleAdministrator,
	"Instructor":        RoleInstructor,
	"ContentDeveloper":  RoleContentDeveloper,
	"TeachingAssistant": RoleTeachingAssistant,
	"Learner":           RoleLearner,
	"Mentor":            RoleMentor,

	// LIS sub-roles with the same meaning
	"Student":     RoleLearner,
	"Faculty":     RoleInstructor,
	"Teacher":     RoleInstructor,
	"Grader":      RoleTeachingAssistant,
	"SysAdmin":    RoleAdministrator,
	"SystemAdmin": RoleAdministrator,
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return roleNames[RoleUnrecognized]
}

// ParseRole maps one raw role URI to a Role. It never fails: anything it does
// not know is RoleUnrecognized.
func ParseRole(uri string) Role {
	s := strings.TrimSpace(uri)
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		s = s[i+1:]
	} else if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if r, ok := rolesBySuffix[s]; ok {
		return r
	}
	return RoleUnrecognized
}

// RoleSet is the classified view of a launch's roles claim.
type RoleSet struct {
	roles map[Role]struct{}
	raw   []string
}

func ClassifyRoles(uris []string) RoleSet {
	rs := RoleSet{roles: make(map[Role]struct{}, len(uris)), raw: append([]string(nil), uris...)}
	for _, u := range uris {
		rs.roles[ParseRole(u)] = struct{}{}
	}
	return rs
}

func (rs RoleSet) Has(r Role) bool {
	_, ok := rs.roles[r]
	return ok
}

func (rs RoleSet) IsAdmin() bool             { return rs.Has(RoleAdministrator) }
func (rs RoleSet) IsInstructor() bool        { return rs.Has(RoleInstructor) }
func (rs RoleSet) IsContentDeveloper() bool  { return rs.Has(RoleContentDeveloper) }
func (rs RoleSet) IsTeachingAssistant() bool { return rs.Has(RoleTeachingAssistant) }
func (rs RoleSet) IsLearner() bool           { return rs.Has(RoleLearner) }

// IsStaff is true for instructors, content developers and teaching assistants.
func (rs RoleSet) IsStaff() bool {
	return rs.IsInstructor() || rs.IsContentDeveloper() || rs.IsTeachingAssistant()
}

// Raw returns the role URIs as received.
func (rs RoleSet) Raw() []string { return append([]string(nil), rs.raw...) }

// Unrecognized returns the raw URIs that did not map to a known role.
func (rs RoleSet) Unrecognized() []string {
	var out []string
	for _, u := range rs.raw {
		if ParseRole(u) == RoleUnrecognized {
			out = append(out, u)
		}
	}
	return out
}
