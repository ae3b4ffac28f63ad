package repositories

import (
	"context"
	"errors"
	"testing"

	"roomsync/internal/directory"
	"roomsync/internal/models"
	"roomsync/internal/testhelpers"
)

func newUserRepo(t *testing.T) *UserRepository {
	t.Helper()
	return &UserRepository{DB: testhelpers.SetupTestDB(t)}
}

func TestUserRepository_Lookup(t *testing.T) {
	repo := newUserRepo(t)
	user := &models.User{UserID: "u-1", Username: "alice", Email: "alice@example.com"}
	if err := repo.CreateUser(user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	t.Run("success", func(t *testing.T) {
		name, err := repo.Lookup(context.Background(), "u-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if name != "alice" {
			t.Fatalf("expected alice, got %q", name)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := repo.Lookup(context.Background(), "u-2"); !errors.Is(err, directory.ErrUserNotFound) {
			t.Fatalf("expected ErrUserNotFound, got %v", err)
		}
	})
}

func TestUserRepository_SatisfiesDirectory(t *testing.T) {
	var _ directory.Directory = newUserRepo(t)
}

func TestMigrate(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}
