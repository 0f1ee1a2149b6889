package identity

import (
	"context"

	"github.com/bissquit/usergate/internal/domain"
)

// Repository is the credential store. It is the only writer of user records.
//
// GetUserByID and ListUsers never load the password hash.
// GetUserByEmail does, and is used only to check credentials.
type Repository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id uint) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUser(ctx context.Context, id uint, fields UserUpdate) (*domain.User, error)
	DeleteUser(ctx context.Context, id uint) error
}

// UserUpdate lists the columns to change. Nil fields are left untouched.
// Password, when set, must already be hashed.
type UserUpdate struct {
	Username *string
	Email    *string
	Password *string
	Role     *domain.Role
}

// IsEmpty reports whether the update changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Username == nil && u.Email == nil && u.Password == nil && u.Role == nil
}
