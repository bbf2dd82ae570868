package sites

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/lti-blogs/internal/db"
)

const recordVersion = "1"

// SQLDirectory implements Directory on the schema in internal/db.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(h *sql.DB) *SQLDirectory { return &SQLDirectory{db: h} }

var _ Directory = (*SQLDirectory)(nil)

/* --------------------------------- Users ---------------------------------- */

func (d *SQLDirectory) UserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, email, first_name, last_name FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("sites: user by username: %w", err)
	}
	return u, nil
}

func (d *SQLDirectory) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	if strings.TrimSpace(nu.Username) == "" || strings.TrimSpace(nu.Email) == "" {
		return User{}, errors.New("sites: username and email are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(nu.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("sites: hash password: %w", err)
	}
	u := User{
		ID:        uuid.NewString(),
		Username:  nu.Username,
		Email:     strings.ToLower(strings.TrimSpace(nu.Email)),
		FirstName: nu.FirstName,
		LastName:  nu.LastName,
	}
	_, err = d.db.ExecContext(ctx, `
INSERT INTO users (id, username, email, password_hash, first_name, last_name)
VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.Email, string(hash), u.FirstName, u.LastName)
	if db.IsUniqueViolation(err) {
		// Tell a lost username race apart from an email owned by someone else.
		if _, e := d.UserByUsername(ctx, u.Username); e == nil {
			return User{}, ErrConflict
		}
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, fmt.Errorf("sites: create user: %w", err)
	}
	return u, nil
}

/* --------------------------------- Sites ---------------------------------- */

const siteColumns = `s.id, s.domain, s.path, s.title, s.category, s.public,
  m.site_id, m.version, m.course_id, m.resource_link_id, m.blog_type, m.owner_key,
  m.creator_id, m.creator_first_name, m.creator_last_name`

const siteFrom = ` FROM sites s JOIN site_meta m ON m.site_id = s.id `

func scanSite(s interface{ Scan(...any) error }) (Site, error) {
	var out Site
	r := &out.Record
	err := s.Scan(&out.ID, &out.Domain, &out.Path, &out.Title, &out.Category, &out.Public,
		&r.SiteID, &r.Version, &r.CourseID, &r.ResourceLinkID, &r.BlogType, &r.OwnerKey,
		&r.CreatorID, &r.CreatorFirstName, &r.CreatorLastName)
	return out, err
}

func (d *SQLDirectory) FindSite(ctx context.Context, key ResourceKey) (Site, error) {
	s, err := scanSite(d.db.QueryRowContext(ctx, `SELECT `+siteColumns+siteFrom+`
WHERE m.course_id = $1 AND m.resource_link_id = $2 AND m.blog_type = $3 AND m.owner_key = $4`,
		key.CourseID, key.ResourceLinkID, key.BlogType, key.OwnerKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Site{}, ErrNotFound
	}
	if err != nil {
		return Site{}, fmt.Errorf("sites: find site: %w", err)
	}
	return s, nil
}

func (d *SQLDirectory) SiteByID(ctx context.Context, id string) (Site, error) {
	s, err := scanSite(d.db.QueryRowContext(ctx, `SELECT `+siteColumns+siteFrom+`WHERE s.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Site{}, ErrNotFound
	}
	if err != nil {
		return Site{}, fmt.Errorf("sites: site by id: %w", err)
	}
	return s, nil
}

func (d *SQLDirectory) ListSites(ctx context.Context, courseID, resourceLinkID, blogType string) ([]Site, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+siteColumns+siteFrom+`
WHERE m.course_id = $1 AND m.resource_link_id = $2 AND m.blog_type = $3
ORDER BY s.title, s.id`, courseID, resourceLinkID, blogType)
	if err != nil {
		return nil, fmt.Errorf("sites: list sites: %w", err)
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("sites: list sites: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *SQLDirectory) CreateSite(ctx context.Context, ns NewSite) (Site, error) {
	site := Site{
		ID:       uuid.NewString(),
		Domain:   ns.Domain,
		Path:     ns.Path,
		Title:    ns.Title,
		Category: ns.Category,
		Public:   ns.Public,
		Record: ResourceRecord{
			Version:          recordVersion,
			CourseID:         ns.Key.CourseID,
			ResourceLinkID:   ns.Key.ResourceLinkID,
			BlogType:         ns.Key.BlogType,
			OwnerKey:         ns.Key.OwnerKey,
			CreatorID:        ns.Creator.ID,
			CreatorFirstName: ns.Creator.FirstName,
			CreatorLastName:  ns.Creator.LastName,
		},
	}
	site.Record.SiteID = site.ID

	err := db.WithTx(ctx, d.db, nil, func(tx *sql.Tx) error {
		// Two placements can slug to the same path; keep paths unique.
		var taken int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sites WHERE domain = $1 AND path = $2`, site.Domain, site.Path).Scan(&taken); err != nil {
			return err
		}
		if taken > 0 {
			site.Path = strings.TrimSuffix(site.Path, "/") + "-" + site.ID[:8] + "/"
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO sites (id, domain, path, title, category, public) VALUES ($1, $2, $3, $4, $5, $6)`,
			site.ID, site.Domain, site.Path, site.Title, site.Category, site.Public); err != nil {
			return err
		}
		r := site.Record
		if _, err := tx.ExecContext(ctx, `
INSERT INTO site_meta (site_id, version, course_id, resource_link_id, blog_type, owner_key,
  creator_id, creator_first_name, creator_last_name)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.SiteID, r.Version, r.CourseID, r.ResourceLinkID, r.BlogType, r.OwnerKey,
			r.CreatorID, r.CreatorFirstName, r.CreatorLastName); err != nil {
			return err
		}
		if ns.TemplateID != "" {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO site_options (site_id, name, value)
SELECT CAST($1 AS TEXT), name, value FROM site_options WHERE site_id = $2`, site.ID, ns.TemplateID); err != nil {
				return err
			}
		}
		for name, value := range ns.Options {
			if err := upsertOption(ctx, tx, site.ID, name, value); err != nil {
				return err
			}
		}
		return nil
	})
	if db.IsUniqueViolation(err) {
		return Site{}, ErrConflict
	}
	if err != nil {
		return Site{}, fmt.Errorf("sites: create site: %w", err)
	}
	return site, nil
}

// EnsureRootSite creates the top-level site at the domain root unless a site
// with id already exists. It carries no LTI metadata, so launches never
// resolve to it.
func (d *SQLDirectory) EnsureRootSite(ctx context.Context, id, domain, title string) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO sites (id, domain, path, title, category) VALUES ($1, $2, '/', $3, 1)
ON CONFLICT (id) DO NOTHING`, id, domain, title)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("sites: root site: %s/ already belongs to another site", domain)
	}
	if err != nil {
		return fmt.Errorf("sites: root site: %w", err)
	}
	return nil
}

/* ------------------------------ Memberships ------------------------------- */

func (d *SQLDirectory) AddMember(ctx context.Context, siteID, userID, role string) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO site_members (site_id, user_id, role) VALUES ($1, $2, $3)
ON CONFLICT (site_id, user_id) DO UPDATE SET role = excluded.role`, siteID, userID, role)
	if err != nil {
		return fmt.Errorf("sites: add member: %w", err)
	}
	return nil
}

func (d *SQLDirectory) EnsureMember(ctx context.Context, siteID, userID, role string) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO site_members (site_id, user_id, role) VALUES ($1, $2, $3)
ON CONFLICT (site_id, user_id) DO NOTHING`, siteID, userID, role)
	if err != nil {
		return fmt.Errorf("sites: ensure member: %w", err)
	}
	return nil
}

func (d *SQLDirectory) MemberRole(ctx context.Context, siteID, userID string) (string, error) {
	var role string
	err := d.db.QueryRowContext(ctx,
		`SELECT role FROM site_members WHERE site_id = $1 AND user_id = $2`, siteID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sites: member role: %w", err)
	}
	return role, nil
}

/* -------------------------------- Options --------------------------------- */

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertOption(ctx context.Context, e execer, siteID, name, value string) error {
	_, err := e.ExecContext(ctx, `
INSERT INTO site_options (site_id, name, value) VALUES ($1, $2, $3)
ON CONFLICT (site_id, name) DO UPDATE SET value = excluded.value`, siteID, name, value)
	return err
}

func (d *SQLDirectory) SetOption(ctx context.Context, siteID, name, value string) error {
	if err := upsertOption(ctx, d.db, siteID, name, value); err != nil {
		return fmt.Errorf("sites: set option: %w", err)
	}
	return nil
}

func (d *SQLDirectory) Option(ctx context.Context, siteID, name string) (string, error) {
	var v string
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM site_options WHERE site_id = $1 AND name = $2`, siteID, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sites: option: %w", err)
	}
	return v, nil
}
