package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"division-chat/internal/db"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	if user.Role == "" {
		user.Role = RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	var id int64
	query := r.db.Rebind(`INSERT INTO users (email, password, role, first_name, last_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`)

	err := r.db.Conn.QueryRowContext(ctx, query,
		user.Email, user.Password, user.Role, user.FirstName, user.LastName, user.CreatedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	user.ID = id
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := r.db.Rebind(`SELECT id, email, password, role, first_name, last_name, created_at
		FROM users WHERE email = $1`)
	return r.scanOne(r.db.Conn.QueryRowContext(ctx, query, email))
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	query := r.db.Rebind(`SELECT id, email, password, role, first_name, last_name, created_at
		FROM users WHERE id = $1`)
	return r.scanOne(r.db.Conn.QueryRowContext(ctx, query, id))
}

func (r *Repository) scanOne(row *sql.Row) (*User, error) {
	u := &User{}
	var createdAt int64
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.Role, &u.FirstName, &u.LastName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := r.db.Rebind(`SELECT id, email, role, first_name, last_name FROM users
		WHERE LOWER(email) LIKE $1 OR LOWER(first_name) LIKE $1 OR LOWER(last_name) LIKE $1
		ORDER BY id LIMIT 10`)
	rows, err := r.db.Conn.QueryContext(ctx, q, "%"+strings.ToLower(query)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.FirstName, &u.LastName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// sqlite: "UNIQUE constraint failed: users.email"
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
