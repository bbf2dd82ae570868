package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLStore keeps sessions in the lti_sessions table. Take relies on
// DELETE ... RETURNING so two concurrent takers can never both succeed.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Put(ctx context.Context, kind Kind, value any, ttl time.Duration) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	id := uuid.NewString()
	exp := s.now().Add(ttl).Unix()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO lti_sessions (id, kind, data, expires_at) VALUES ($1, $2, $3, $4)`,
		id, string(kind), string(data), exp); err != nil {
		return "", fmt.Errorf("session: put: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Take(ctx context.Context, kind Kind, id string, dst any) error {
	var (
		data    string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM lti_sessions WHERE id = $1 AND kind = $2 RETURNING data, expires_at`,
		id, string(kind)).Scan(&data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: take: %w", err)
	}
	if s.now().Unix() >= expires {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("session: decode: %w", err)
	}
	return nil
}

func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lti_sessions WHERE expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("session: purge: %w", err)
	}
	return res.RowsAffected()
}

var _ Store = (*SQLStore)(nil)
