// Package participants resolves the user identities referenced by a
// mutated document when they cannot be derived from the document key
// alone. Lookups run against the platform's relational store.
package participants

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/classpulse/realtime/libs/db"
)

// ErrNotFound means the document was gone by the time the lookup ran,
// usually because it was deleted right after the observed mutation.
var ErrNotFound = errors.New("participants: document not found")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Participants returns the user ids attached to the given document.
// Collections without participant identities resolve to nil.
func (r *Repository) Participants(ctx context.Context, collection string, key string) ([]string, error) {
	switch collection {
	case "events":
		return r.sessionParticipants(ctx, key)
	case "leaverequests":
		return r.leaveRequester(ctx, key)
	default:
		return nil, nil
	}
}

// sessionParticipants resolves the two sides of a scheduled session.
func (r *Repository) sessionParticipants(ctx context.Context, id string) ([]string, error) {
	var studentID, tutorID string
	err := r.pool.QueryRow(ctx, `
		SELECT student_id, tutor_id
		FROM sessions
		WHERE id = $1
	`, id).Scan(&studentID, &tutorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}

	ids := make([]string, 0, 2)
	if studentID != "" {
		ids = append(ids, studentID)
	}
	if tutorID != "" && tutorID != studentID {
		ids = append(ids, tutorID)
	}
	return ids, nil
}

func (r *Repository) leaveRequester(ctx context.Context, id string) ([]string, error) {
	var userID string
	err := r.pool.QueryRow(ctx, `
		SELECT user_id
		FROM leave_requests
		WHERE id = $1
	`, id).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leave request lookup: %w", err)
	}
	if userID == "" {
		return nil, nil
	}
	return []string{userID}, nil
}
