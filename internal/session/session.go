// Package session keeps short-lived, single-use launch state on the server.
// Clients only ever hold the opaque id, delivered in a cookie.
package session

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindPendingLogin Kind = "pending_login"
	KindStaffAccess  Kind = "staff_access"
)

// ErrNotFound is returned by Take when the id is unknown, expired, already
// taken, or was stored under a different kind.
var ErrNotFound = errors.New("session: not found")

type Store interface {
	// Put stores value (JSON encoded) and returns a new opaque id.
	Put(ctx context.Context, kind Kind, value any, ttl time.Duration) (string, error)
	// Take atomically reads and deletes the session, decoding it into dst.
	// A second Take for the same id always fails with ErrNotFound.
	Take(ctx context.Context, kind Kind, id string, dst any) error
	// Purge removes expired sessions.
	Purge(ctx context.Context) (int64, error)
}
