package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migrate applies the idempotent DDL for:
//   - platform registrations (lti_platforms)
//   - blog users, sites and their LTI metadata (users, sites, site_meta)
//   - memberships and per-site options (site_members, site_options)
//   - single-use server-side sessions (lti_sessions)
func Migrate(ctx context.Context, db *sql.DB, driver Driver) error {
	if db == nil {
		return fmt.Errorf("migrations: db is nil")
	}

	var schema string
	switch driver {
	case DriverPostgres:
		schema = schemaPostgres
	case DriverSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("migrations: unsupported driver %q (expected postgres|sqlite)", driver)
	}

	// Fall back to one statement at a time when the driver rejects scripts.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			if _, e := db.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrations: failed at:\n%s\nerr: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

/* ----------------------------- POSTGRES SCHEMA ----------------------------- */

const schemaPostgres = `
-- Platform registrations -----------------------------------------------------
CREATE TABLE IF NOT EXISTS lti_platforms (
  id                 TEXT PRIMARY KEY,
  name               TEXT NOT NULL DEFAULT '',
  issuer             TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  deployment_id      TEXT NOT NULL DEFAULT '',        -- empty: any deployment
  auth_login_url     TEXT NOT NULL,
  auth_token_url     TEXT NOT NULL DEFAULT '',
  key_set_url        TEXT NOT NULL,
  enabled            BOOLEAN NOT NULL DEFAULT TRUE,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (issuer, client_id)
);

-- Blog users -----------------------------------------------------------------
CREATE TABLE IF NOT EXISTS users (
  id                 TEXT PRIMARY KEY,
  username           TEXT NOT NULL UNIQUE,
  email              TEXT NOT NULL UNIQUE,
  password_hash      TEXT NOT NULL,                   -- bcrypt of a random password
  first_name         TEXT NOT NULL DEFAULT '',
  last_name          TEXT NOT NULL DEFAULT '',
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Sites & LTI metadata ---------------------------------------------------------
CREATE TABLE IF NOT EXISTS sites (
  id                 TEXT PRIMARY KEY,
  domain             TEXT NOT NULL,
  path               TEXT NOT NULL,
  title              TEXT NOT NULL,
  category           INTEGER NOT NULL,
  public             BOOLEAN NOT NULL DEFAULT TRUE,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (domain, path)
);

CREATE TABLE IF NOT EXISTS site_meta (
  site_id            TEXT PRIMARY KEY REFERENCES sites(id) ON DELETE CASCADE,
  version            TEXT NOT NULL,
  course_id          TEXT NOT NULL,
  resource_link_id   TEXT NOT NULL,
  blog_type          TEXT NOT NULL,
  owner_key          TEXT NOT NULL DEFAULT '',        -- per-learner blogs only
  creator_id         TEXT NOT NULL,
  creator_first_name TEXT NOT NULL DEFAULT '',
  creator_last_name  TEXT NOT NULL DEFAULT ''
);

-- One resource per launch key.
CREATE UNIQUE INDEX IF NOT EXISTS site_meta_resource_key_idx
  ON site_meta (course_id, resource_link_id, blog_type, owner_key);

CREATE TABLE IF NOT EXISTS site_members (
  site_id            TEXT NOT NULL,
  user_id            TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  role               TEXT NOT NULL,
  PRIMARY KEY (site_id, user_id)
);

CREATE TABLE IF NOT EXISTS site_options (
  site_id            TEXT NOT NULL,
  name               TEXT NOT NULL,
  value              TEXT NOT NULL,
  PRIMARY KEY (site_id, name)
);

-- Server-side sessions (pending logins, staff access) ------------------------
CREATE TABLE IF NOT EXISTS lti_sessions (
  id                 TEXT PRIMARY KEY,
  kind               TEXT NOT NULL,
  data               JSONB NOT NULL,
  expires_at         BIGINT NOT NULL                  -- unix seconds
);

CREATE INDEX IF NOT EXISTS lti_sessions_expires_idx
  ON lti_sessions (expires_at);
`

/* ------------------------------ SQLITE SCHEMA ------------------------------ */

const schemaSQLite = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS lti_platforms (
  id                 TEXT PRIMARY KEY,
  name               TEXT NOT NULL DEFAULT '',
  issuer             TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  deployment_id      TEXT NOT NULL DEFAULT '',
  auth_login_url     TEXT NOT NULL,
  auth_token_url     TEXT NOT NULL DEFAULT '',
  key_set_url        TEXT NOT NULL,
  enabled            INTEGER NOT NULL DEFAULT 1,
  created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS users (
  id                 TEXT PRIMARY KEY,
  username           TEXT NOT NULL UNIQUE,
  email              TEXT NOT NULL UNIQUE,
  password_hash      TEXT NOT NULL,
  first_name         TEXT NOT NULL DEFAULT '',
  last_name          TEXT NOT NULL DEFAULT '',
  created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sites (
  id                 TEXT PRIMARY KEY,
  domain             TEXT NOT NULL,
  path               TEXT NOT NULL,
  title              TEXT NOT NULL,
  category           INTEGER NOT NULL,
  public             INTEGER NOT NULL DEFAULT 1,
  created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (domain, path)
);

CREATE TABLE IF NOT EXISTS site_meta (
  site_id            TEXT PRIMARY KEY,
  version            TEXT NOT NULL,
  course_id          TEXT NOT NULL,
  resource_link_id   TEXT NOT NULL,
  blog_type          TEXT NOT NULL,
  owner_key          TEXT NOT NULL DEFAULT '',
  creator_id         TEXT NOT NULL,
  creator_first_name TEXT NOT NULL DEFAULT '',
  creator_last_name  TEXT NOT NULL DEFAULT '',
  FOREIGN KEY (site_id) REFERENCES sites(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS site_meta_resource_key_idx
  ON site_meta (course_id, resource_link_id, blog_type, owner_key);

CREATE TABLE IF NOT EXISTS site_members (
  site_id            TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  role               TEXT NOT NULL,
  PRIMARY KEY (site_id, user_id),
  FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS site_options (
  site_id            TEXT NOT NULL,
  name               TEXT NOT NULL,
  value              TEXT NOT NULL,
  PRIMARY KEY (site_id, name)
);

CREATE TABLE IF NOT EXISTS lti_sessions (
  id                 TEXT PRIMARY KEY,
  kind               TEXT NOT NULL,
  data               TEXT NOT NULL,                   -- JSON
  expires_at         INTEGER NOT NULL,
  CHECK (json_valid(data))
);

CREATE INDEX IF NOT EXISTS lti_sessions_expires_idx
  ON lti_sessions (expires_at);
`

/* ------------------------------ LOCAL HELPERS ------------------------------ */

// splitSQL naively splits on ';' boundaries. Good enough for plain DDL.
func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
