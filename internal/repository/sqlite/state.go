package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/repository"
)

var (
	_ repository.StateStore   = (*DB)(nil)
	_ repository.SessionStore = (*DB)(nil)
)

// SaveState records an issued OAuth state.
func (db *DB) SaveState(ctx context.Context, st repository.OAuthState) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO oauth_states (state, code_verifier, expires_at) VALUES (?, ?, ?)`,
		st.State, st.CodeVerifier, st.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: saving oauth state: %w", err)
	}
	return nil
}

// ConsumeState deletes the state and returns it if it had not expired.
//
// DELETE ... RETURNING is a single statement, so two callbacks racing on
// the same state cannot both get a row back. An expired state is removed
// and reported as not found.
func (db *DB) ConsumeState(ctx context.Context, state string, now time.Time) (*repository.OAuthState, error) {
	var (
		verifier  string
		expiresAt int64
	)
	err := db.conn.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = ? RETURNING code_verifier, expires_at`,
		state,
	).Scan(&verifier, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("oauth state", "(redacted)")
		}
		return nil, fmt.Errorf("sqlite: consuming oauth state: %w", err)
	}

	if expiresAt <= now.UnixNano() {
		return nil, apperror.NotFound("oauth state", "(expired)")
	}

	return &repository.OAuthState{
		State:        state,
		CodeVerifier: verifier,
		ExpiresAt:    time.Unix(0, expiresAt).UTC(),
	}, nil
}

// PurgeExpiredStates deletes expired states and sessions and returns how
// many rows went away.
func (db *DB) PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"oauth_states", "sessions"} {
		res, err := db.conn.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at <= ?`, now.UnixNano())
		if err != nil {
			return total, fmt.Errorf("sqlite: purging %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("sqlite: purging %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

func (db *DB) CreateSession(ctx context.Context, s repository.Session) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?)`,
		s.ID, s.UserID, s.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating session for user %d: %w", s.UserID, err)
	}
	return nil
}

// GetSession returns a live session. Expired sessions are reported as not found.
func (db *DB) GetSession(ctx context.Context, id string, now time.Time) (*repository.Session, error) {
	s := repository.Session{ID: id}
	var expiresAt int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE id = ? AND expires_at > ?`,
		id, now.UnixNano(),
	).Scan(&s.UserID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("session", "(redacted)")
		}
		return nil, fmt.Errorf("sqlite: getting session: %w", err)
	}
	s.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &s, nil
}

// DeleteSession removes a session. Deleting an unknown session is not an error.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting session: %w", err)
	}
	return nil
}
