// Package user stores principals and their credit balances.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusgrid/campusgrid/database"
	"github.com/campusgrid/campusgrid/database/repository/ledger"
)

// Roles a user can hold
const (
	RoleCoordinator = "coordinator"
	RoleWorkerOwner = "worker-owner"
	RoleSubmitter   = "submitter"
)

var (
	// ErrNotFound is returned when no user matches the query
	ErrNotFound = errors.New("user not found")
	// ErrUsernameTaken is returned on a duplicate registration
	ErrUsernameTaken = errors.New("username already taken")
	// ErrBadCredentials is returned on an authentication failure
	ErrBadCredentials = errors.New("bad credentials")
	errInvalidRole    = errors.New("invalid role")
)

// User is one principal row. The password hash never leaves this package.
type User struct {
	ID        string
	Username  string
	Role      string
	Credits   int64
	CreatedAt time.Time
}

// Service exposes user operations over a connected database
type Service struct {
	db            *database.Instance
	startingGrant int64
}

// Setup returns a usable Service
func Setup(db *database.Instance, startingGrant int64) (*Service, error) {
	if db == nil || !db.IsConnected() {
		return nil, database.ErrNoDatabaseProvided
	}
	return &Service{db: db, startingGrant: startingGrant}, nil
}

// Create registers a new user and grants the starting balance. The grant is
// ledgered in the same transaction as the insert.
func (s *Service) Create(ctx context.Context, username, password, role string) (*User, error) {
	switch role {
	case RoleCoordinator, RoleWorkerOwner, RoleSubmitter:
	default:
		return nil, fmt.Errorf("%w: %q", errInvalidRole, role)
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password required", ErrBadCredentials)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:        id.String(),
		Username:  username,
		Role:      role,
		Credits:   s.startingGrant,
		CreatedAt: time.Now().UTC(),
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, password_hash, role, credits, created_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			u.ID, u.Username, string(hash), u.Role, u.CreatedAt)
		if err != nil {
			if isUniqueErr(err) {
				return fmt.Errorf("%w: %s", ErrUsernameTaken, username)
			}
			return err
		}
		if s.startingGrant == 0 {
			return nil
		}
		return ledger.Apply(ctx, tx, u.ID, s.startingGrant, ledger.KindSignupGrant, "", "signup grant")
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate verifies a username/password pair
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	var u User
	var hash string
	err = sqlDB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, credits, created_at FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &hash, &u.Role, &u.Credits, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return &u, nil
}

// ByUsername returns the user with the given case-sensitive username
func (s *Service) ByUsername(ctx context.Context, username string) (*User, error) {
	return s.one(ctx, `WHERE username = ?`, username)
}

// ByID returns the user with the given id
func (s *Service) ByID(ctx context.Context, id string) (*User, error) {
	return s.one(ctx, `WHERE id = ?`, id)
}

func (s *Service) one(ctx context.Context, where string, arg interface{}) (*User, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	var u User
	err = sqlDB.QueryRowContext(ctx,
		`SELECT id, username, role, credits, created_at FROM users `+where, arg).
		Scan(&u.ID, &u.Username, &u.Role, &u.Credits, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Balance returns the stored credit balance
func (s *Service) Balance(ctx context.Context, id string) (int64, error) {
	u, err := s.ByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}

// Adjust applies an admin credit adjustment through the ledger
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, reason string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return ledger.Apply(ctx, tx, userID, delta, ledger.KindAdminAdjust, "", reason)
	})
}

func isUniqueErr(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
