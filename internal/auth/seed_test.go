package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeedAdmin_FirstBoot(t *testing.T) {
	db := testDB(t)
	repo := NewOperatorRepository(db)

	password, err := SeedAdmin(context.Background(), repo, discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password == "" {
		t.Fatal("SeedAdmin() should return the generated password on first boot")
	}

	admin, err := repo.GetByUsername(context.Background(), "admin")
	if err != nil {
		t.Fatalf("GetByUsername() error = %v", err)
	}
	if admin.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q", admin.Role, RoleAdmin)
	}
	if !admin.IsActive {
		t.Error("seeded admin should be active")
	}

	ok, err := VerifyPassword(password, admin.PasswordHash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !ok {
		t.Error("returned password should verify against the stored hash")
	}
}

func TestSeedAdmin_SkippedWhenOperatorsExist(t *testing.T) {
	db := testDB(t)
	repo := NewOperatorRepository(db)

	seedTestOperator(t, db, "existing", RoleViewer)

	password, err := SeedAdmin(context.Background(), repo, discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password != "" {
		t.Error("SeedAdmin() should not seed when operators already exist")
	}

	if _, err := repo.GetByUsername(context.Background(), "admin"); err == nil {
		t.Error("no admin account should have been created")
	}
}
