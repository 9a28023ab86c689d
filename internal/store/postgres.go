package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"theoryboard/api/internal/util"
)

// Sentinel errors surfaced out of transactional operations so the service
// layer can translate them without parsing SQL state.
var (
	ErrTitleRequired   = errors.New("a title is required to approve a theory")
	ErrNotPending      = errors.New("theory is not pending")
	ErrNotApproved     = errors.New("theory is not approved")
	ErrUsernameTaken   = errors.New("username is already taken")
	ErrUsernameClaimed = errors.New("username has already been claimed")
	ErrUnknownTag      = errors.New("unknown tag")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// --- users ---

const userColumns = `u.id, u.subject_id, COALESCE(u.email, ''), COALESCE(u.name, ''), COALESCE(u.username, ''), u.created_at`

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.SubjectID, &u.Email, &u.Name, &u.Username, &u.CreatedAt)
	return u, err
}

func (s *PostgresStore) GetUserBySubject(ctx context.Context, subjectID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.subject_id = $1`, subjectID)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("get user by subject: %w", err)
	}
	user.Roles, err = s.userRoles(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	user.Roles, err = s.userRoles(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateUser inserts a user for a newly seen subject. Concurrent creation
// for the same subject collapses onto the existing row.
func (s *PostgresStore) CreateUser(ctx context.Context, subjectID, email, name string) (User, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, subject_id, email, name)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (subject_id) DO UPDATE SET subject_id = EXCLUDED.subject_id
		RETURNING id
	`, util.NewID("usr"), subjectID, email, name).Scan(&id)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *PostgresStore) UpdateUserEmail(ctx context.Context, userID, email string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET email = NULLIF($2, '') WHERE id = $1`, userID, email)
	if err != nil {
		return fmt.Errorf("update user email: %w", err)
	}
	return nil
}

// ClaimUsername sets the username once. A second claim for the same user
// fails with ErrUsernameClaimed; a name held by someone else fails with
// ErrUsernameTaken.
func (s *PostgresStore) ClaimUsername(ctx context.Context, userID, username string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET username = $2 WHERE id = $1 AND username IS NULL`, userID, username)
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("claim username: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim username: %w", err)
	}
	if rows == 0 {
		// The caller's row exists (it was just resolved), so a missed
		// update means the username is already set.
		return ErrUsernameClaimed
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users u ORDER BY u.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	for i := range users {
		users[i].Roles, err = s.userRoles(ctx, users[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *PostgresStore) userRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load user roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GrantRole is idempotent. A missing role name surfaces sql.ErrNoRows.
func (s *PostgresStore) GrantRole(ctx context.Context, userID, roleName string) error {
	var roleID string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = $1`, roleName).Scan(&roleID); err != nil {
		return fmt.Errorf("find role %s: %w", roleName, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, roleID)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRole(ctx context.Context, userID, roleName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_roles ur USING roles r
		WHERE ur.role_id = r.id AND ur.user_id = $1 AND r.name = $2
	`, userID, roleName)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// --- tags ---

// EnsureTag creates the tag or returns the existing one with the same name.
func (s *PostgresStore) EnsureTag(ctx context.Context, name string) (Tag, error) {
	var tag Tag
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name
	`, util.NewID("tag"), name).Scan(&tag.ID, &tag.Name)
	if err != nil {
		return Tag{}, fmt.Errorf("ensure tag: %w", err)
	}
	return tag, nil
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

// DeleteTag removes the tag and, via cascade, its theory associations.
func (s *PostgresStore) DeleteTag(ctx context.Context, tagID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id = $1`, tagID)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- theories ---

const theoryColumns = `t.id, t.author_id, COALESCE(u.username, u.name, u.email, ''),
	COALESCE(t.title, ''), t.content, t.status, COALESCE(t.denial_reason, ''),
	COALESCE(t.moderated_by, ''), t.moderated_at, t.created_at`

func scanTheory(row scanner) (Theory, error) {
	var t Theory
	err := row.Scan(&t.ID, &t.AuthorID, &t.Author, &t.Title, &t.Content, &t.Status,
		&t.DenialReason, &t.ModeratedBy, &t.ModeratedAt, &t.CreatedAt)
	return t, err
}

func (s *PostgresStore) InsertTheory(ctx context.Context, id, authorID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO theories (id, author_id, content, status) VALUES ($1, $2, $3, 'pending')
	`, id, authorID, content)
	if err != nil {
		return fmt.Errorf("insert theory: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTheory(ctx context.Context, id string) (Theory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+theoryColumns+`
		FROM theories t JOIN users u ON u.id = t.author_id
		WHERE t.id = $1
	`, id)
	theory, err := scanTheory(row)
	if err != nil {
		return Theory{}, fmt.Errorf("get theory: %w", err)
	}
	theory.Tags, err = s.theoryTags(ctx, s.db, theory.ID)
	if err != nil {
		return Theory{}, err
	}
	return theory, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]Theory, error) {
	return s.listTheories(ctx, `
		SELECT `+theoryColumns+`
		FROM theories t JOIN users u ON u.id = t.author_id
		WHERE t.status = 'pending'
		ORDER BY t.created_at DESC
	`)
}

// ListMissingTitle returns approved theories awaiting a title, most
// recently moderated first.
func (s *PostgresStore) ListMissingTitle(ctx context.Context) ([]Theory, error) {
	return s.listTheories(ctx, `
		SELECT `+theoryColumns+`
		FROM theories t JOIN users u ON u.id = t.author_id
		WHERE t.status = 'approved' AND t.title IS NULL
		ORDER BY t.moderated_at DESC NULLS LAST
	`)
}

func (s *PostgresStore) listTheories(ctx context.Context, query string, args ...any) ([]Theory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list theories: %w", err)
	}
	defer rows.Close()

	var theories []Theory
	for rows.Next() {
		theory, err := scanTheory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan theory: %w", err)
		}
		theories = append(theories, theory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate theories: %w", err)
	}

	for i := range theories {
		theories[i].Tags, err = s.theoryTags(ctx, s.db, theories[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return theories, nil
}

// SearchApproved pages through titled approved theories whose title,
// content, author or tag contains the query substring.
func (s *PostgresStore) SearchApproved(ctx context.Context, q string, limit, offset int) ([]Theory, int, error) {
	pattern := "%" + q + "%"
	where := `
		t.status = 'approved' AND t.title IS NOT NULL AND ($1 = ''
			OR t.title ILIKE $2
			OR t.content ILIKE $2
			OR u.username ILIKE $2
			OR u.name ILIKE $2
			OR u.email ILIKE $2
			OR EXISTS (
				SELECT 1 FROM theory_tags tt
				JOIN tags tg ON tg.id = tt.tag_id
				WHERE tt.theory_id = t.id AND tg.name ILIKE $2
			))`

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM theories t JOIN users u ON u.id = t.author_id
		WHERE `+where, q, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count approved theories: %w", err)
	}

	theories, err := s.listTheories(ctx, `
		SELECT `+theoryColumns+`
		FROM theories t JOIN users u ON u.id = t.author_id
		WHERE `+where+`
		ORDER BY t.created_at DESC
		LIMIT $3 OFFSET $4
	`, q, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return theories, total, nil
}

func (s *PostgresStore) theoryTags(ctx context.Context, q queryer, theoryID string) ([]Tag, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tg.id, tg.name FROM theory_tags tt
		JOIN tags tg ON tg.id = tt.tag_id
		WHERE tt.theory_id = $1
		ORDER BY tg.name
	`, theoryID)
	if err != nil {
		return nil, fmt.Errorf("load theory tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
			return nil, fmt.Errorf("scan theory tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate theory tags: %w", err)
	}
	return tags, nil
}

func replaceTheoryTags(ctx context.Context, tx *sql.Tx, theoryID string, tagIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM theory_tags WHERE theory_id = $1`, theoryID); err != nil {
		return fmt.Errorf("clear theory tags: %w", err)
	}
	for _, tagID := range tagIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO theory_tags (theory_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, theoryID, tagID)
		if isForeignKeyViolation(err) {
			return ErrUnknownTag
		}
		if err != nil {
			return fmt.Errorf("attach tag %s: %w", tagID, err)
		}
	}
	return nil
}

// SetTitle assigns a title to a theory and optionally replaces its tag set.
func (s *PostgresStore) SetTitle(ctx context.Context, theoryID, title string, tagIDs []string, replaceTags bool) (Theory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Theory{}, fmt.Errorf("begin set title: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE theories SET title = $2 WHERE id = $1`, theoryID, title)
	if err != nil {
		return Theory{}, fmt.Errorf("set title: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return Theory{}, fmt.Errorf("set title: %w", err)
	} else if rows == 0 {
		return Theory{}, sql.ErrNoRows
	}

	if replaceTags {
		if err := replaceTheoryTags(ctx, tx, theoryID, tagIDs); err != nil {
			return Theory{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Theory{}, fmt.Errorf("commit set title: %w", err)
	}
	return s.GetTheory(ctx, theoryID)
}

func (s *PostgresStore) SetContent(ctx context.Context, theoryID, content string) (Theory, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE theories SET content = $2 WHERE id = $1`, theoryID, content)
	if err != nil {
		return Theory{}, fmt.Errorf("set content: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return Theory{}, fmt.Errorf("set content: %w", err)
	} else if rows == 0 {
		return Theory{}, sql.ErrNoRows
	}
	return s.GetTheory(ctx, theoryID)
}

// Moderate approves or denies a theory in one transaction. The row is
// locked so the pre-update status decides contribution credit exactly
// once, even under concurrent re-moderation. The returned bool reports
// whether the author was credited.
func (s *PostgresStore) Moderate(ctx context.Context, in ModerateInput) (Theory, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Theory{}, false, fmt.Errorf("begin moderation: %w", err)
	}
	defer tx.Rollback()

	var prevStatus, currentTitle, authorID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, COALESCE(title, ''), author_id FROM theories WHERE id = $1 FOR UPDATE
	`, in.TheoryID).Scan(&prevStatus, &currentTitle, &authorID)
	if err != nil {
		return Theory{}, false, fmt.Errorf("lock theory: %w", err)
	}

	credited := false
	switch in.Status {
	case StatusApproved:
		title := in.Title
		if title == "" {
			title = currentTitle
		}
		if title == "" {
			return Theory{}, false, ErrTitleRequired
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE theories
			SET status = 'approved', title = $2, denial_reason = NULL,
			    moderated_by = $3, moderated_at = NOW()
			WHERE id = $1
		`, in.TheoryID, title, in.ModeratorID)
		if err != nil {
			return Theory{}, false, fmt.Errorf("approve theory: %w", err)
		}
		if err := replaceTheoryTags(ctx, tx, in.TheoryID, in.TagIDs); err != nil {
			return Theory{}, false, err
		}
		if prevStatus != StatusApproved {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO contributions (user_id, theory_id, kind)
				VALUES ($1, $2, 'theory_approved')
				ON CONFLICT DO NOTHING
			`, authorID, in.TheoryID)
			if err != nil {
				return Theory{}, false, fmt.Errorf("credit approval: %w", err)
			}
			if rows, err := res.RowsAffected(); err == nil && rows > 0 {
				credited = true
			}
		}
	case StatusDenied:
		_, err = tx.ExecContext(ctx, `
			UPDATE theories
			SET status = 'denied', denial_reason = NULLIF($2, ''),
			    moderated_by = $3, moderated_at = NOW()
			WHERE id = $1
		`, in.TheoryID, in.DenialReason, in.ModeratorID)
		if err != nil {
			return Theory{}, false, fmt.Errorf("deny theory: %w", err)
		}
	default:
		return Theory{}, false, fmt.Errorf("moderate: unsupported status %q", in.Status)
	}

	if err := tx.Commit(); err != nil {
		return Theory{}, false, fmt.Errorf("commit moderation: %w", err)
	}

	theory, err := s.GetTheory(ctx, in.TheoryID)
	if err != nil {
		return Theory{}, false, err
	}
	return theory, credited, nil
}

// Split replaces a pending theory with its parts in one transaction. The
// parts keep the original author and start pending.
func (s *PostgresStore) Split(ctx context.Context, theoryID string, parts []SplitPart) ([]Theory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin split: %w", err)
	}
	defer tx.Rollback()

	var authorID, status string
	err = tx.QueryRowContext(ctx, `
		SELECT author_id, status FROM theories WHERE id = $1 FOR UPDATE
	`, theoryID).Scan(&authorID, &status)
	if err != nil {
		return nil, fmt.Errorf("lock theory: %w", err)
	}
	if status != StatusPending {
		return nil, ErrNotPending
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM theories WHERE id = $1`, theoryID); err != nil {
		return nil, fmt.Errorf("delete split source: %w", err)
	}

	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		id := util.NewID("thy")
		_, err := tx.ExecContext(ctx, `
			INSERT INTO theories (id, author_id, title, content, status)
			VALUES ($1, $2, NULLIF($3, ''), $4, 'pending')
		`, id, authorID, part.Title, part.Content)
		if err != nil {
			return nil, fmt.Errorf("insert split part: %w", err)
		}
		for _, tagID := range part.TagIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO theory_tags (theory_id, tag_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, id, tagID)
			if isForeignKeyViolation(err) {
				return nil, ErrUnknownTag
			}
			if err != nil {
				return nil, fmt.Errorf("attach split tag: %w", err)
			}
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit split: %w", err)
	}

	theories := make([]Theory, 0, len(ids))
	for _, id := range ids {
		theory, err := s.GetTheory(ctx, id)
		if err != nil {
			return nil, err
		}
		theories = append(theories, theory)
	}
	return theories, nil
}

// --- votes ---

// CastVote upserts the voter's vote and credits the vote contribution in
// the same transaction, then returns the recomputed tally.
func (s *PostgresStore) CastVote(ctx context.Context, theoryID, voterID string, value int) (VoteTally, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return VoteTally{}, fmt.Errorf("begin vote: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM theories WHERE id = $1 FOR UPDATE`, theoryID).Scan(&status)
	if err != nil {
		return VoteTally{}, fmt.Errorf("lock theory: %w", err)
	}
	if status != StatusApproved {
		return VoteTally{}, ErrNotApproved
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO votes (theory_id, user_id, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (theory_id, user_id) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, theoryID, voterID, value)
	if err != nil {
		return VoteTally{}, fmt.Errorf("upsert vote: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contributions (user_id, theory_id, kind)
		VALUES ($1, $2, 'theory_vote')
		ON CONFLICT DO NOTHING
	`, voterID, theoryID)
	if err != nil {
		return VoteTally{}, fmt.Errorf("credit vote: %w", err)
	}

	var tally VoteTally
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE value = 1), COUNT(*) FILTER (WHERE value = -1)
		FROM votes WHERE theory_id = $1
	`, theoryID).Scan(&tally.Upvotes, &tally.Downvotes)
	if err != nil {
		return VoteTally{}, fmt.Errorf("count votes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return VoteTally{}, fmt.Errorf("commit vote: %w", err)
	}

	tally.Score = tally.Upvotes - tally.Downvotes
	tally.UserVote = value
	return tally, nil
}

// TopTheories returns titled approved theories with their vote aggregates
// and the caller's own vote. Ordering is left to the caller.
func (s *PostgresStore) TopTheories(ctx context.Context, tagName, callerID string) ([]RankedTheory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+theoryColumns+`,
			COALESCE(v.upvotes, 0), COALESCE(v.downvotes, 0), COALESCE(cv.value, 0)
		FROM theories t
		JOIN users u ON u.id = t.author_id
		LEFT JOIN (
			SELECT theory_id,
				COUNT(*) FILTER (WHERE value = 1) AS upvotes,
				COUNT(*) FILTER (WHERE value = -1) AS downvotes
			FROM votes GROUP BY theory_id
		) v ON v.theory_id = t.id
		LEFT JOIN votes cv ON cv.theory_id = t.id AND cv.user_id = $1
		WHERE t.status = 'approved' AND t.title IS NOT NULL
			AND ($2 = '' OR EXISTS (
				SELECT 1 FROM theory_tags tt
				JOIN tags tg ON tg.id = tt.tag_id
				WHERE tt.theory_id = t.id AND LOWER(tg.name) = LOWER($2)
			))
	`, callerID, tagName)
	if err != nil {
		return nil, fmt.Errorf("top theories: %w", err)
	}
	defer rows.Close()

	var ranked []RankedTheory
	for rows.Next() {
		var r RankedTheory
		err := rows.Scan(&r.ID, &r.AuthorID, &r.Author, &r.Title, &r.Content, &r.Status,
			&r.DenialReason, &r.ModeratedBy, &r.ModeratedAt, &r.CreatedAt,
			&r.Upvotes, &r.Downvotes, &r.CallerVote)
		if err != nil {
			return nil, fmt.Errorf("scan ranked theory: %w", err)
		}
		r.Score = r.Upvotes - r.Downvotes
		ranked = append(ranked, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranked theories: %w", err)
	}

	for i := range ranked {
		ranked[i].Tags, err = s.theoryTags(ctx, s.db, ranked[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return ranked, nil
}

// --- contributions ---

// LeaderboardTotals aggregates contribution counts per user. Ordering and
// rank assignment happen in the service.
func (s *PostgresStore) LeaderboardTotals(ctx context.Context) ([]ContributorTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.user_id, COALESCE(u.username, ''), COALESCE(u.name, ''), COALESCE(u.email, ''),
			COUNT(*),
			COUNT(*) FILTER (WHERE c.kind = 'theory_approved'),
			COUNT(*) FILTER (WHERE c.kind = 'theory_vote')
		FROM contributions c
		JOIN users u ON u.id = c.user_id
		GROUP BY c.user_id, u.username, u.name, u.email
	`)
	if err != nil {
		return nil, fmt.Errorf("leaderboard totals: %w", err)
	}
	defer rows.Close()

	var totals []ContributorTotals
	for rows.Next() {
		var t ContributorTotals
		err := rows.Scan(&t.UserID, &t.Username, &t.Name, &t.Email, &t.Total, &t.Approvals, &t.Votes)
		if err != nil {
			return nil, fmt.Errorf("scan contributor totals: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributor totals: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) ContributionStats(ctx context.Context) (int, int, error) {
	var total, contributors int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT user_id) FROM contributions
	`).Scan(&total, &contributors)
	if err != nil {
		return 0, 0, fmt.Errorf("contribution stats: %w", err)
	}
	return total, contributors, nil
}

// ListAllTheories returns every theory regardless of status, for archive
// snapshots.
func (s *PostgresStore) ListAllTheories(ctx context.Context) ([]Theory, error) {
	return s.listTheories(ctx, `
		SELECT `+theoryColumns+`
		FROM theories t JOIN users u ON u.id = t.author_id
		ORDER BY t.created_at
	`)
}

func (s *PostgresStore) ListContributions(ctx context.Context) ([]Contribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, theory_id, kind, created_at FROM contributions ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	var contributions []Contribution
	for rows.Next() {
		var c Contribution
		if err := rows.Scan(&c.UserID, &c.TheoryID, &c.Kind, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		contributions = append(contributions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return contributions, nil
}

// BackfillContributions re-derives missing credits from approved theories
// and vote rows. Safe to run repeatedly.
func (s *PostgresStore) BackfillContributions(ctx context.Context) (int64, int64, error) {
	approvedRes, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (user_id, theory_id, kind)
		SELECT author_id, id, 'theory_approved' FROM theories WHERE status = 'approved'
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("backfill approvals: %w", err)
	}
	approvals, _ := approvedRes.RowsAffected()

	voteRes, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (user_id, theory_id, kind)
		SELECT user_id, theory_id, 'theory_vote' FROM votes
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("backfill votes: %w", err)
	}
	votes, _ := voteRes.RowsAffected()

	return approvals, votes, nil
}
