// Package sites is the blog platform's persistence boundary: users, sites,
// the LTI metadata attached to a site, memberships and site options.
package sites

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("sites: not found")
	// ErrConflict means a concurrent writer created the same row first. The
	// caller should look the row up again.
	ErrConflict = errors.New("sites: already exists")
	// ErrEmailTaken means another account already owns the email address.
	ErrEmailTaken = errors.New("sites: email already in use")
)

type User struct {
	ID        string
	Username  string
	Email     string
	FirstName string
	LastName  string
}

type NewUser struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// ResourceKey identifies the site provisioned for one launch placement.
// OwnerKey is empty for shared blogs and the owner's username for
// per-learner blogs.
type ResourceKey struct {
	CourseID       string
	ResourceLinkID string
	BlogType       string
	OwnerKey       string
}

// ResourceRecord is the LTI metadata stored alongside a site.
type ResourceRecord struct {
	SiteID           string
	Version          string
	CourseID         string
	ResourceLinkID   string
	BlogType         string
	OwnerKey         string
	CreatorID        string
	CreatorFirstName string
	CreatorLastName  string
}

type Site struct {
	ID       string
	Domain   string
	Path     string
	Title    string
	Category int
	Public   bool
	Record   ResourceRecord
}

type NewSite struct {
	Key      ResourceKey
	Domain   string
	Path     string
	Title    string
	Category int
	Public   bool
	// TemplateID names a site whose options are copied onto the new site.
	TemplateID string
	Creator    User
	Options    map[string]string
}

type Users interface {
	UserByUsername(ctx context.Context, username string) (User, error)
	// CreateUser fails with ErrConflict when the username exists and with
	// ErrEmailTaken when another user owns the email.
	CreateUser(ctx context.Context, u NewUser) (User, error)
}

type Store interface {
	FindSite(ctx context.Context, key ResourceKey) (Site, error)
	// CreateSite writes the site, its metadata and options atomically. It
	// fails with ErrConflict when the key (or path) was taken concurrently.
	CreateSite(ctx context.Context, s NewSite) (Site, error)
	SiteByID(ctx context.Context, id string) (Site, error)
	// ListSites returns every site for a course placement and blog type.
	ListSites(ctx context.Context, courseID, resourceLinkID, blogType string) ([]Site, error)

	// AddMember grants role, replacing any previous role on the site.
	AddMember(ctx context.Context, siteID, userID, role string) error
	// EnsureMember grants role only when the user is not yet a member.
	EnsureMember(ctx context.Context, siteID, userID, role string) error
	MemberRole(ctx context.Context, siteID, userID string) (string, error)

	SetOption(ctx context.Context, siteID, name, value string) error
	Option(ctx context.Context, siteID, name string) (string, error)
}

// Directory is everything provisioning needs from the blog platform.
type Directory interface {
	Users
	Store
}
