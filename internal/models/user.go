package models

import "time"

// UserRole enumerates the authorization role of a principal.
type UserRole string

const (
	RoleSuperAdmin    UserRole = "super_admin"
	RoleAdmin         UserRole = "admin"
	RoleOperator      UserRole = "operator"
	RoleViewer        UserRole = "viewer"
	RoleDeviceManager UserRole = "device_manager"
	RoleAnalyst       UserRole = "analyst"
	RoleGuest         UserRole = "guest"
)

// UserStatus enumerates account lifecycle state.
type UserStatus string

const (
	UserStatusActive             UserStatus = "active"
	UserStatusInactive           UserStatus = "inactive"
	UserStatusSuspended          UserStatus = "suspended"
	UserStatusPendingActivation  UserStatus = "pending_activation"
	UserStatusLocked             UserStatus = "locked"
)

// User is an authenticated principal.
type User struct {
	Base

	Username    string `db:"username" json:"username" validate:"required,min=3,max=64"`
	Email       string `db:"email" json:"email" validate:"required,email"`
	DisplayName string `db:"display_name" json:"display_name,omitempty"`
	FirstName   string `db:"first_name" json:"first_name,omitempty"`
	LastName    string `db:"last_name" json:"last_name,omitempty"`

	PasswordHash string `db:"password_hash" json:"-"`
	PasswordSalt string `db:"password_salt" json:"-"`

	Role   UserRole   `db:"role" json:"role" validate:"required"`
	Status UserStatus `db:"status" json:"status" validate:"required"`

	LastLogin           *time.Time `db:"last_login" json:"last_login,omitempty"`
	LastLoginIP          string     `db:"last_login_ip" json:"last_login_ip,omitempty"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"failed_login_attempts" validate:"gte=0"`
	LockedUntil         *time.Time `db:"locked_until" json:"locked_until,omitempty"`

	MFASecret    *string    `db:"mfa_secret" json:"-"`
	MFAEnabled   bool       `db:"mfa_enabled" json:"mfa_enabled"`
	APIKey       *string    `db:"api_key" json:"-"`
	APIKeyExpiry *time.Time `db:"api_key_expiry" json:"api_key_expiry,omitempty"`

	Preferences Metadata `db:"preferences" json:"preferences,omitempty"`
}

// IsLocked reports whether the account is currently locked out.
func (u *User) IsLocked(now time.Time) bool {
	if u.Status == UserStatusLocked {
		if u.LockedUntil == nil {
			return true
		}
		return now.Before(*u.LockedUntil)
	}
	return false
}

// RegisterFailedLogin increments the failure counter and, once it reaches
// maxAttempts, transitions the account to locked with LockedUntil set to
// now+lockoutDuration. Matches spec.md §8 invariant 5.
func (u *User) RegisterFailedLogin(now time.Time, maxAttempts int, lockoutDuration time.Duration) {
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		u.Status = UserStatusLocked
		until := now.Add(lockoutDuration)
		u.LockedUntil = &until
	}
}

// RegisterSuccessfulLogin resets failure tracking and stamps login metadata.
func (u *User) RegisterSuccessfulLogin(now time.Time, ip string) {
	u.FailedLoginAttempts = 0
	u.LastLogin = &now
	u.LastLoginIP = ip
}

// Unlock clears a lockout, restoring the account to active.
func (u *User) Unlock() {
	u.Status = UserStatusActive
	u.LockedUntil = nil
	u.FailedLoginAttempts = 0
}
