package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"theoryboard/api/internal/util"
)

// These tests run against a live Postgres because the guarantees they
// check live in SQL: the vote upsert, the single approval credit and the
// split rollback are enforced by constraints and row locks, not Go code.
// They skip in short mode and expect the database from
// getTestDatabaseURL.

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}
	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "theoryboard")
	pass := envOr("POSTGRES_PASSWORD", "theoryboard")
	dbname := envOr("POSTGRES_DB", "theoryboard_test")
	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func createTestUser(t *testing.T, s *PostgresStore) User {
	t.Helper()
	subject := util.NewID("subj")
	user, err := s.CreateUser(context.Background(), subject, subject+"@example.com", "")
	if err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return user
}

func createTestTheory(t *testing.T, s *PostgresStore, authorID string) string {
	t.Helper()
	id := util.NewID("thy")
	if err := s.InsertTheory(context.Background(), id, authorID, "integration fixture content"); err != nil {
		t.Fatalf("insert test theory: %v", err)
	}
	return id
}

// registerCleanup removes the fixtures in FK order: contributions first
// (plain references), then theories (votes and tag links cascade), then
// users.
func registerCleanup(t *testing.T, s *PostgresStore, theoryIDs, userIDs []string) {
	t.Cleanup(func() {
		ctx := context.Background()
		for _, id := range theoryIDs {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM contributions WHERE theory_id = $1`, id)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM theories WHERE id = $1`, id)
		}
		for _, id := range userIDs {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM contributions WHERE user_id = $1`, id)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM theories WHERE author_id = $1`, id)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
		}
	})
}

func countContributions(t *testing.T, s *PostgresStore, userID, theoryID, kind string) int {
	t.Helper()
	var n int
	err := s.db.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM contributions WHERE user_id = $1 AND theory_id = $2 AND kind = $3
	`, userID, theoryID, kind).Scan(&n)
	if err != nil {
		t.Fatalf("count contributions: %v", err)
	}
	return n
}

func TestModerateCreditsAuthorExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	author := createTestUser(t, s)
	moderator := createTestUser(t, s)
	theoryID := createTestTheory(t, s, author.ID)
	registerCleanup(t, s, []string{theoryID}, []string{author.ID, moderator.ID})

	_, credited, err := s.Moderate(ctx, ModerateInput{
		TheoryID:    theoryID,
		ModeratorID: moderator.ID,
		Status:      StatusApproved,
		Title:       "first approval",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !credited {
		t.Error("first approval must credit the author")
	}

	if _, _, err := s.Moderate(ctx, ModerateInput{
		TheoryID:     theoryID,
		ModeratorID:  moderator.ID,
		Status:       StatusDenied,
		DenialReason: "second thoughts",
	}); err != nil {
		t.Fatalf("deny: %v", err)
	}

	theory, credited, err := s.Moderate(ctx, ModerateInput{
		TheoryID:    theoryID,
		ModeratorID: moderator.ID,
		Status:      StatusApproved,
	})
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if credited {
		t.Error("re-approval must not credit the author again")
	}
	if theory.Title != "first approval" {
		t.Errorf("re-approval should keep the existing title, got %q", theory.Title)
	}
	if got := countContributions(t, s, author.ID, theoryID, ContributionApproved); got != 1 {
		t.Errorf("expected exactly one approval credit, got %d", got)
	}
}

func TestCastVoteUpsertsWithoutDoubleCounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	author := createTestUser(t, s)
	voter := createTestUser(t, s)
	theoryID := createTestTheory(t, s, author.ID)
	registerCleanup(t, s, []string{theoryID}, []string{author.ID, voter.ID})

	if _, _, err := s.Moderate(ctx, ModerateInput{
		TheoryID:    theoryID,
		ModeratorID: author.ID,
		Status:      StatusApproved,
		Title:       "vote target",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	tally, err := s.CastVote(ctx, theoryID, voter.ID, 1)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if tally.Upvotes != 1 || tally.Downvotes != 0 || tally.Score != 1 {
		t.Errorf("unexpected tally after first vote: %+v", tally)
	}

	// A repeat with the same value must not add a second row.
	tally, err = s.CastVote(ctx, theoryID, voter.ID, 1)
	if err != nil {
		t.Fatalf("repeat vote: %v", err)
	}
	if tally.Upvotes != 1 || tally.Downvotes != 0 {
		t.Errorf("repeat vote double-counted: %+v", tally)
	}

	// Flipping the value replaces the row instead of adding one.
	tally, err = s.CastVote(ctx, theoryID, voter.ID, -1)
	if err != nil {
		t.Fatalf("flipped vote: %v", err)
	}
	if tally.Upvotes != 0 || tally.Downvotes != 1 || tally.Score != -1 {
		t.Errorf("unexpected tally after flip: %+v", tally)
	}

	var voteRows int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM votes WHERE theory_id = $1 AND user_id = $2
	`, theoryID, voter.ID).Scan(&voteRows)
	if err != nil {
		t.Fatalf("count votes: %v", err)
	}
	if voteRows != 1 {
		t.Errorf("expected one vote row, got %d", voteRows)
	}
	if got := countContributions(t, s, voter.ID, theoryID, ContributionVote); got != 1 {
		t.Errorf("expected exactly one vote credit, got %d", got)
	}
}

func TestSplitRollsBackOnUnknownTag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	author := createTestUser(t, s)
	theoryID := createTestTheory(t, s, author.ID)
	registerCleanup(t, s, []string{theoryID}, []string{author.ID})

	_, err := s.Split(ctx, theoryID, []SplitPart{
		{Title: "kept half", Content: "a"},
		{Title: "broken half", Content: "b", TagIDs: []string{"tag_does_not_exist"}},
	})
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}

	// The whole transaction rolled back: the original survives pending
	// and no part rows exist.
	theory, err := s.GetTheory(ctx, theoryID)
	if err != nil {
		t.Fatalf("original theory is gone after failed split: %v", err)
	}
	if theory.Status != StatusPending {
		t.Errorf("expected original still pending, got %s", theory.Status)
	}

	var authored int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM theories WHERE author_id = $1
	`, author.ID).Scan(&authored)
	if err != nil {
		t.Fatalf("count authored theories: %v", err)
	}
	if authored != 1 {
		t.Errorf("expected only the original theory, got %d rows", authored)
	}
}
