package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// The status guard must be part of the UPDATE statement itself, not a
// separate read, so concurrent writers are serialized by the database.
func TestTransitionArtifactStatement(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer mockDB.Close()

	s := &SQLiteStore{db: sqlx.NewDb(mockDB, "sqlite")}

	mock.ExpectExec(`UPDATE artifacts SET status = \?, posted_at = \?, posted_post_id = \? WHERE id = \? AND status IN \(\?\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	postID := "123"
	ok, err := s.TransitionArtifact(context.Background(), 7,
		[]ArtifactStatus{StatusApproved}, StatusPosted, ArtifactUpdate{PostedPostID: &postID})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatalf("transition should report the matched row")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionArtifactGuardMiss(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer mockDB.Close()

	s := &SQLiteStore{db: sqlx.NewDb(mockDB, "sqlite")}

	mock.ExpectExec(`UPDATE artifacts SET status = \?, approved_at = \? WHERE id = \? AND status IN \(\?, \?\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TransitionArtifact(context.Background(), 7,
		[]ArtifactStatus{StatusPending, StatusEdited}, StatusApproved, ArtifactUpdate{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatalf("zero rows affected must report a lost race, not success")
	}
}
