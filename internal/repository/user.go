package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/pbkdf2"
)

// passwordKDFIterations matches original_source's set_password/check_password
// (persistence/models/user.py), which runs PBKDF2-HMAC-SHA256 at 100,000
// rounds over a random 16-byte hex salt.
const passwordKDFIterations = 100_000

// hashPassword derives a PBKDF2-HMAC-SHA256 hash for password under a fresh
// random salt, both hex-encoded for storage in password_hash/password_salt.
func hashPassword(password string) (hash, salt string, err error) {
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", err
	}
	salt = hex.EncodeToString(saltBytes)
	derived := pbkdf2.Key([]byte(password), []byte(salt), passwordKDFIterations, sha256.Size, sha256.New)
	return hex.EncodeToString(derived), salt, nil
}

// verifyPassword re-derives the PBKDF2 hash for password under salt and
// compares it to hash in constant time.
func verifyPassword(password, hash, salt string) bool {
	if salt == "" {
		return false
	}
	derived := pbkdf2.Key([]byte(password), []byte(salt), passwordKDFIterations, sha256.Size, sha256.New)
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(derived)), []byte(hash)) == 1
}

// UserRepository layers authentication and account-lifecycle queries on
// top of the generic core, grounded on original_source's
// persistence/repositories/user.py.
type UserRepository struct {
	*Repository[*models.User]
	maxFailedAttempts int
	lockoutDuration   time.Duration
}

// NewUserRepository constructs a UserRepository backed by db. maxFailedAttempts
// and lockoutDuration parameterize the lockout policy (spec.md §8 invariant 5).
func NewUserRepository(db *sqlx.DB, maxFailedAttempts int, lockoutDuration time.Duration) *UserRepository {
	return &UserRepository{
		Repository:        New[*models.User](db, "users"),
		maxFailedAttempts: maxFailedAttempts,
		lockoutDuration:   lockoutDuration,
	}
}

func (r *UserRepository) getOneWhere(ctx context.Context, clause string, args ...any) (*models.User, error) {
	query := "SELECT " + joinColumns(r.Columns()) + " FROM users WHERE " + clause + " AND is_deleted = false LIMIT 1"
	var out models.User
	if err := r.DB().GetContext(ctx, &out, r.DB().Rebind(query), args...); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, &errs.Repository{Op: "user_lookup", Cause: err}
	}
	return &out, nil
}

// GetByUsername finds a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOneWhere(ctx, "username = ?", username)
}

// GetByEmail finds a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOneWhere(ctx, "email = ?", email)
}

// ListByRole returns users with the given role.
func (r *UserRepository) ListByRole(ctx context.Context, role models.UserRole, opts ListOptions) ([]*models.User, error) {
	return r.List(ctx, Filter{"role": string(role)}, opts)
}

// ListActive returns users whose status is active.
func (r *UserRepository) ListActive(ctx context.Context, opts ListOptions) ([]*models.User, error) {
	return r.List(ctx, Filter{"status": string(models.UserStatusActive)}, opts)
}

// CreateUser hashes password with PBKDF2-HMAC-SHA256 under a fresh salt and
// inserts the user.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User, password string) error {
	hash, salt, err := hashPassword(password)
	if err != nil {
		return &errs.Repository{Op: "create_user_hash", Cause: err}
	}
	user.PasswordHash = hash
	user.PasswordSalt = salt
	return r.Create(ctx, user)
}

// UpdatePassword re-hashes and stores a new password for userID under a
// fresh salt.
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, newPassword string) error {
	hash, salt, err := hashPassword(newPassword)
	if err != nil {
		return &errs.Repository{Op: "update_password_hash", Cause: err}
	}
	_, err = r.Update(ctx, userID, map[string]any{"password_hash": hash, "password_salt": salt})
	return err
}

// Authenticate verifies username/password, enforcing the lockout policy:
// a successful match resets the failure counter, a mismatch increments it
// and locks the account once maxFailedAttempts is reached. Returns nil,nil
// on any authentication failure (unknown user, bad password, locked
// account) — callers should treat those uniformly to avoid user
// enumeration, matching original_source's authenticate_user.
func (r *UserRepository) Authenticate(ctx context.Context, username, password, ip string) (*models.User, error) {
	user, err := r.GetByUsername(ctx, username)
	if err != nil || user == nil {
		return nil, err
	}

	now := time.Now().UTC()
	if user.IsLocked(now) {
		return nil, nil
	}

	if !verifyPassword(password, user.PasswordHash, user.PasswordSalt) {
		user.RegisterFailedLogin(now, r.maxFailedAttempts, r.lockoutDuration)
		updates := map[string]any{"failed_login_attempts": user.FailedLoginAttempts}
		if user.Status == models.UserStatusLocked {
			updates["status"] = string(user.Status)
			updates["locked_until"] = user.LockedUntil
		}
		if _, uerr := r.Update(ctx, user.ID, updates); uerr != nil {
			return nil, uerr
		}
		return nil, nil
	}

	user.RegisterSuccessfulLogin(now, ip)
	if _, err := r.Update(ctx, user.ID, map[string]any{
		"failed_login_attempts": 0,
		"last_login":            user.LastLogin,
		"last_login_ip":         user.LastLoginIP,
	}); err != nil {
		return nil, err
	}
	return user, nil
}

// LockUser forcibly locks userID until until.
func (r *UserRepository) LockUser(ctx context.Context, userID string, until time.Time) error {
	_, err := r.Update(ctx, userID, map[string]any{
		"status":       string(models.UserStatusLocked),
		"locked_until": until,
	})
	return err
}

// UnlockUser clears a lockout, restoring userID to active.
func (r *UserRepository) UnlockUser(ctx context.Context, userID string) error {
	_, err := r.Update(ctx, userID, map[string]any{
		"status":                 string(models.UserStatusActive),
		"locked_until":           nil,
		"failed_login_attempts": 0,
	})
	return err
}
