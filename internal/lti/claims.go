package lti

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ClaimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimExt          = "https://purl.imsglobal.org/spec/lti/claim/ext"
	ClaimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	Version13               = "1.3.0"
)

// Custom claim keys understood by the launch flow.
const (
	CustomBlogType     = "blog_type"
	CustomSiteCategory = "site_category"
)

// idToken is the wire shape of a resource link launch.
type idToken struct {
	jwt.RegisteredClaims

	Nonce             string `json:"nonce"`
	AuthorizedParty   string `json:"azp,omitempty"`
	Email             string `json:"email,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`

	MessageType   string            `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version       string            `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID  string            `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI string            `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	Roles         []string          `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	Context       contextClaim      `json:"https://purl.imsglobal.org/spec/lti/claim/context"`
	ResourceLink  resourceLinkClaim `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link"`
	Custom        map[string]any    `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`
	Ext           map[string]any    `json:"https://purl.imsglobal.org/spec/lti/claim/ext,omitempty"`
}

type contextClaim struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Title string `json:"title,omitempty"`
}

type resourceLinkClaim struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Claims is what a validated launch tells us. It lives for one request.
type Claims struct {
	Issuer       string
	ClientID     string
	DeploymentID string
	Subject      string

	Email      string
	GivenName  string
	FamilyName string
	Username   string

	Roles RoleSet

	ContextID      string
	CourseID       string // context label
	CourseTitle    string
	ResourceLinkID string

	// BlogType and SiteCategory are empty when the claim is absent.
	BlogType     string
	SiteCategory string
	Custom       map[string]string
}

func (t *idToken) claims(clientID string) Claims {
	custom := stringMap(t.Custom)
	c := Claims{
		Issuer:         t.Issuer,
		ClientID:       clientID,
		DeploymentID:   t.DeploymentID,
		Subject:        t.Subject,
		Email:          strings.TrimSpace(t.Email),
		GivenName:      strings.TrimSpace(t.GivenName),
		FamilyName:     strings.TrimSpace(t.FamilyName),
		Username:       t.username(),
		Roles:          ClassifyRoles(t.Roles),
		ContextID:      t.Context.ID,
		CourseID:       t.Context.Label,
		CourseTitle:    t.Context.Title,
		ResourceLinkID: t.ResourceLink.ID,
		BlogType:       strings.TrimSpace(custom[CustomBlogType]),
		SiteCategory:   strings.TrimSpace(custom[CustomSiteCategory]),
		Custom:         custom,
	}
	if c.CourseID == "" {
		c.CourseID = t.Context.ID
	}
	if c.CourseTitle == "" {
		c.CourseTitle = c.CourseID
	}
	return c
}

// username prefers the LMS login name, then the OIDC preferred username,
// then the subject.
func (t *idToken) username() string {
	if v, ok := t.Ext["user_username"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if t.PreferredUsername != "" {
		return t.PreferredUsername
	}
	return t.Subject
}

// Platforms send custom values as strings but some substitute numbers or
// booleans for variables like $Canvas.course.id.
func stringMap(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case string:
			out[k] = x
		case nil:
		default:
			if b, err := json.Marshal(x); err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}
