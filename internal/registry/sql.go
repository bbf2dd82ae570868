package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type SQLRegistry struct {
	db *sql.DB
}

func NewSQLRegistry(db *sql.DB) *SQLRegistry { return &SQLRegistry{db: db} }

const platformColumns = `id, name, issuer, client_id, deployment_id, auth_login_url, auth_token_url, key_set_url, enabled`

func (r *SQLRegistry) Lookup(ctx context.Context, issuer, clientID string) (Platform, error) {
	issuer, clientID = strings.TrimSpace(issuer), strings.TrimSpace(clientID)

	var (
		q    string
		args []any
	)
	switch {
	case issuer != "" && clientID != "":
		q = `SELECT ` + platformColumns + ` FROM lti_platforms WHERE issuer = $1 AND client_id = $2 AND enabled = $3`
		args = []any{issuer, clientID, true}
	case clientID != "":
		q = `SELECT ` + platformColumns + ` FROM lti_platforms WHERE client_id = $1 AND enabled = $2 LIMIT 2`
		args = []any{clientID, true}
	case issuer != "":
		q = `SELECT ` + platformColumns + ` FROM lti_platforms WHERE issuer = $1 AND enabled = $2 LIMIT 2`
		args = []any{issuer, true}
	default:
		return Platform{}, ErrNotFound
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Platform{}, fmt.Errorf("registry: lookup: %w", err)
	}
	defer rows.Close()

	var found []Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return Platform{}, err
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return Platform{}, fmt.Errorf("registry: lookup: %w", err)
	}

	switch len(found) {
	case 0:
		return Platform{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Platform{}, ErrAmbiguous
	}
}

// Register inserts or updates the registration for (issuer, client_id).
func (r *SQLRegistry) Register(ctx context.Context, p Platform) (Platform, error) {
	if p.Issuer == "" || p.ClientID == "" || p.AuthLoginURL == "" || p.KeySetURL == "" {
		return Platform{}, errors.New("registry: issuer, client_id, auth_login_url and key_set_url are required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
INSERT INTO lti_platforms (`+platformColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (issuer, client_id) DO UPDATE SET
  name = excluded.name,
  deployment_id = excluded.deployment_id,
  auth_login_url = excluded.auth_login_url,
  auth_token_url = excluded.auth_token_url,
  key_set_url = excluded.key_set_url,
  enabled = excluded.enabled
RETURNING `+platformColumns,
		p.ID, p.Name, p.Issuer, p.ClientID, p.DeploymentID, p.AuthLoginURL, p.AuthTokenURL, p.KeySetURL, p.Enabled)
	out, err := scanPlatform(row)
	if err != nil {
		return Platform{}, fmt.Errorf("registry: register: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlatform(s scanner) (Platform, error) {
	var p Platform
	if err := s.Scan(&p.ID, &p.Name, &p.Issuer, &p.ClientID, &p.DeploymentID,
		&p.AuthLoginURL, &p.AuthTokenURL, &p.KeySetURL, &p.Enabled); err != nil {
		return Platform{}, err
	}
	return p, nil
}

var _ Registry = (*SQLRegistry)(nil)
