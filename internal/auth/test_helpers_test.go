package auth

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the auth schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "auth-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Apply the operators migration
	migrationSQL := `
		CREATE TABLE operators (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'viewer',
			is_active     INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			last_login_at TEXT
		);

		CREATE UNIQUE INDEX idx_operators_username ON operators(username);

		CREATE TABLE refresh_tokens (
			id          TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL,
			family_id   TEXT NOT NULL,
			token_hash  TEXT NOT NULL,
			client_info TEXT,
			expires_at  TEXT NOT NULL,
			revoked     INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			FOREIGN KEY (operator_id) REFERENCES operators(id) ON DELETE CASCADE
		);

		CREATE INDEX idx_refresh_tokens_operator ON refresh_tokens(operator_id);
		CREATE INDEX idx_refresh_tokens_family ON refresh_tokens(family_id);
		CREATE INDEX idx_refresh_tokens_hash ON refresh_tokens(token_hash);
		CREATE INDEX idx_refresh_tokens_expires ON refresh_tokens(expires_at);
	`
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("applying auth migration: %v", err)
	}

	return db
}

// seedTestOperator inserts a test operator and returns it.
func seedTestOperator(t *testing.T, db *sql.DB, username string, role Role) *Operator {
	t.Helper()

	hash, err := HashPassword("test-password")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	repo := NewOperatorRepository(db)
	op := &Operator{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := repo.Create(context.Background(), op); err != nil {
		t.Fatalf("creating test operator %s: %v", username, err)
	}
	return op
}
