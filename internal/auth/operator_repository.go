package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperatorRepository defines the interface for operator account persistence.
type OperatorRepository interface {
	Create(ctx context.Context, op *Operator) error
	GetByID(ctx context.Context, id string) (*Operator, error)
	GetByUsername(ctx context.Context, username string) (*Operator, error)
	List(ctx context.Context) ([]Operator, error)
	Update(ctx context.Context, op *Operator) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	RecordLogin(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// SQLiteOperatorRepository implements OperatorRepository using SQLite.
type SQLiteOperatorRepository struct {
	db *sql.DB
}

// NewOperatorRepository creates a new SQLite-backed operator repository.
func NewOperatorRepository(db *sql.DB) *SQLiteOperatorRepository {
	return &SQLiteOperatorRepository{db: db}
}

// Create inserts a new operator account. The ID is generated if empty.
func (r *SQLiteOperatorRepository) Create(ctx context.Context, op *Operator) error {
	if op.ID == "" {
		op.ID = "op-" + uuid.NewString()[:8]
	}

	now := time.Now().UTC().Format(time.RFC3339)
	op.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled
	op.UpdatedAt = op.CreatedAt

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operators (id, username, password_hash, role, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Username, op.PasswordHash, string(op.Role), boolToInt(op.IsActive), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("creating operator: %w", err)
	}

	return nil
}

// GetByID retrieves an operator by their unique ID.
func (r *SQLiteOperatorRepository) GetByID(ctx context.Context, id string) (*Operator, error) {
	return r.getOperator(ctx, "SELECT id, username, password_hash, role, is_active, created_at, updated_at, last_login_at FROM operators WHERE id = ?", id)
}

// GetByUsername retrieves an operator by their username.
func (r *SQLiteOperatorRepository) GetByUsername(ctx context.Context, username string) (*Operator, error) {
	return r.getOperator(ctx, "SELECT id, username, password_hash, role, is_active, created_at, updated_at, last_login_at FROM operators WHERE username = ?", username)
}

// List returns all operators ordered by creation date.
func (r *SQLiteOperatorRepository) List(ctx context.Context) ([]Operator, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, username, password_hash, role, is_active, created_at, updated_at, last_login_at FROM operators ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("listing operators: %w", err)
	}
	defer rows.Close()

	var ops []Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operators: %w", err)
	}

	if ops == nil {
		ops = []Operator{}
	}
	return ops, nil
}

// Update modifies an operator's mutable fields (role, is_active).
func (r *SQLiteOperatorRepository) Update(ctx context.Context, op *Operator) error {
	now := time.Now().UTC().Format(time.RFC3339)
	op.UpdatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	result, err := r.db.ExecContext(ctx,
		`UPDATE operators SET role = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		string(op.Role), boolToInt(op.IsActive), now, op.ID,
	)
	if err != nil {
		return fmt.Errorf("updating operator: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// UpdatePassword changes an operator's password hash.
func (r *SQLiteOperatorRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE operators SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// RecordLogin stamps last_login_at with the current time.
func (r *SQLiteOperatorRepository) RecordLogin(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE operators SET last_login_at = ? WHERE id = ?`, now, id,
	)
	if err != nil {
		return fmt.Errorf("recording login: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// Delete removes an operator account by ID.
func (r *SQLiteOperatorRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM operators WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting operator: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// Count returns the total number of operator accounts.
func (r *SQLiteOperatorRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operators").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting operators: %w", err)
	}
	return count, nil
}

// getOperator executes a query and scans a single operator result.
func (r *SQLiteOperatorRepository) getOperator(ctx context.Context, query string, args ...any) (*Operator, error) {
	return scanOperator(r.db.QueryRowContext(ctx, query, args...))
}

// scanner is an interface for sql.Row and sql.Rows Scan methods.
type scanner interface {
	Scan(dest ...any) error
}

// scanOperator scans an operator from any scanner (Row or Rows).
func scanOperator(s scanner) (*Operator, error) {
	var op Operator
	var role string
	var isActive int
	var createdAt, updatedAt string
	var lastLoginAt sql.NullString

	err := s.Scan(&op.ID, &op.Username, &op.PasswordHash, &role, &isActive,
		&createdAt, &updatedAt, &lastLoginAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("scanning operator: %w", err)
	}

	op.Role = Role(role)
	op.IsActive = isActive != 0

	op.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	op.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	if lastLoginAt.Valid {
		t, err := time.Parse(time.RFC3339, lastLoginAt.String)
		if err == nil {
			op.LastLoginAt = &t
		}
	}

	return &op, nil
}

// Helper functions.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint"))
}
