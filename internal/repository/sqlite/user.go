package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `user_id, uni, student_name, dept_name, email, phone, avatar_url,
	credibility_score, last_seen_at, google_id`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u        model.User
		lastSeen int64
		googleID sql.NullString
	)
	err := row.Scan(
		&u.UserID,
		&u.UNI,
		&u.StudentName,
		&u.DeptName,
		&u.Email,
		&u.Phone,
		&u.AvatarURL,
		&u.CredibilityScore,
		&lastSeen,
		&googleID,
	)
	if err != nil {
		return nil, err
	}
	u.LastSeenAt = time.Unix(0, lastSeen).UTC()
	if googleID.Valid {
		id := googleID.String
		u.GoogleID = &id
	}
	return &u, nil
}

func nullableGoogleID(u *model.User) sql.NullString {
	if !u.HasGoogleID() {
		return sql.NullString{}
	}
	return sql.NullString{String: *u.GoogleID, Valid: true}
}

func conflictValues(u *model.User) map[string]string {
	values := map[string]string{"uni": u.UNI, "email": u.Email}
	if u.HasGoogleID() {
		values["google_id"] = *u.GoogleID
	}
	return values
}

// Create inserts a new user and fills in UserID.
// LastSeenAt defaults to now when the caller left it zero.
func (db *DB) Create(ctx context.Context, user *model.User) error {
	if user.LastSeenAt.IsZero() {
		user.LastSeenAt = time.Now().UTC()
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (uni, student_name, dept_name, email, phone, avatar_url,
			credibility_score, last_seen_at, google_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UNI,
		user.StudentName,
		user.DeptName,
		user.Email,
		user.Phone,
		user.AvatarURL,
		user.CredibilityScore,
		user.LastSeenAt.UnixNano(),
		nullableGoogleID(user),
	)
	if err != nil {
		if conflict, ok := uniqueViolation(err, "user", conflictValues(user)); ok {
			return conflict
		}
		return fmt.Errorf("sqlite: inserting user %s: %w", user.UNI, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading id of user %s: %w", user.UNI, err)
	}
	user.UserID = id
	return nil
}

// getOne runs a single-row lookup and maps sql.ErrNoRows to apperror.NotFound.
func (db *DB) getOne(ctx context.Context, where, label string, arg any) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where+` = ?`, arg)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", label)
		}
		return nil, fmt.Errorf("sqlite: getting user by %s %s: %w", where, label, err)
	}
	return u, nil
}

// GetByID retrieves a user by numeric id.
func (db *DB) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return db.getOne(ctx, "user_id", strconv.FormatInt(id, 10), id)
}

// GetByUNI retrieves a user by uni. The comparison is case-sensitive.
func (db *DB) GetByUNI(ctx context.Context, uni string) (*model.User, error) {
	return db.getOne(ctx, "uni", uni, uni)
}

func (db *DB) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getOne(ctx, "email", email, email)
}

func (db *DB) GetByGoogleID(ctx context.Context, googleID string) (*model.User, error) {
	return db.getOne(ctx, "google_id", googleID, googleID)
}

// List returns users ordered by user_id.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY user_id LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return users, nil
}

func (db *DB) UNIExists(ctx context.Context, uni string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE uni = ?`, uni,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking uni %s: %w", uni, err)
	}
	return n > 0, nil
}

// Update writes every mutable column of user, guarded by last_seen_at.
//
// The WHERE clause is the compare-and-swap: two writers that read the same
// row both pass their ETag check, but only the first UPDATE still sees the
// old last_seen_at. The loser gets apperror.ErrPreconditionFailed.
func (db *DB) Update(ctx context.Context, user *model.User, expectedLastSeen time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users
		 SET uni = ?, student_name = ?, dept_name = ?, email = ?, phone = ?,
		     avatar_url = ?, credibility_score = ?, last_seen_at = ?, google_id = ?
		 WHERE user_id = ? AND last_seen_at = ?`,
		user.UNI,
		user.StudentName,
		user.DeptName,
		user.Email,
		user.Phone,
		user.AvatarURL,
		user.CredibilityScore,
		user.LastSeenAt.UnixNano(),
		nullableGoogleID(user),
		user.UserID,
		expectedLastSeen.UnixNano(),
	)
	if err != nil {
		if conflict, ok := uniqueViolation(err, "user", conflictValues(user)); ok {
			return conflict
		}
		return fmt.Errorf("sqlite: updating user %d: %w", user.UserID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: updating user %d: %w", user.UserID, err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the row is gone or it moved on.
	if _, err := db.GetByID(ctx, user.UserID); err != nil {
		return err
	}
	return apperror.PreconditionFailed(fmt.Sprintf("user %s was modified concurrently", user.UNI))
}

// Delete removes the user with the given uni.
// Sessions go with it through ON DELETE CASCADE.
func (db *DB) Delete(ctx context.Context, uni string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE uni = ?`, uni)
	if err != nil {
		return fmt.Errorf("sqlite: deleting user %s: %w", uni, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: deleting user %s: %w", uni, err)
	}
	if n == 0 {
		return apperror.NotFound("user", uni)
	}
	return nil
}
