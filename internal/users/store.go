package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

const userColumns = "id, username, email, password, role, created_at, updated_at"

// Store is the MySQL Repository.
type Store struct {
	db           *sql.DB
	table        string
	queryTimeout time.Duration
	now          func() time.Time
}

// NewStore expects table to be a validated identifier.
func NewStore(db *sql.DB, table string, queryTimeout time.Duration) *Store {
	return &Store{
		db:           db,
		table:        "`" + table + "`",
		queryTimeout: queryTimeout,
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

func (s *Store) Create(ctx context.Context, u *User) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.table+" (username, email, password, role, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		u.Username, u.Email, u.PasswordHash, string(u.Role), now, now)
	if err != nil {
		return classify("insert user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted user id: %w", err)
	}
	u.ID = id
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (User, error) {
	return s.findOne(ctx, "id = ?", id)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.findOne(ctx, "email = ?", email)
}

func (s *Store) FindByUsername(ctx context.Context, username string) (User, error) {
	return s.findOne(ctx, "username = ?", username)
}

func (s *Store) FindByLogin(ctx context.Context, login string) (User, error) {
	return s.findOne(ctx, "email = ? OR username = ? ORDER BY id ASC", login, login)
}

// List returns every user, newest first.
func (s *Store) List(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM "+s.table+" ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, u *User) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+s.table+" SET username = ?, email = ?, password = ?, role = ?, updated_at = ? WHERE id = ?",
		u.Username, u.Email, u.PasswordHash, string(u.Role), now, u.ID)
	if err != nil {
		return classify("update user", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports 0 affected rows for a no-op update too.
		if _, err := s.FindByID(ctx, u.ID); err != nil {
			return err
		}
	}
	u.UpdatedAt = now
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, where string, args ...interface{}) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM "+s.table+" WHERE "+where+" LIMIT 1", args...)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Role = Role(role)
	if !u.Role.Valid() {
		u.Role = RoleUser
	}
	return u, nil
}

func classify(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %s", ErrDuplicate, myErr.Message)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
