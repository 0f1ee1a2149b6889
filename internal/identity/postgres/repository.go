// Package postgres provides the GORM implementation of the identity repository.
// Production runs it on PostgreSQL; the model is dialect-neutral.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/usergate/internal/domain"
	"github.com/bissquit/usergate/internal/identity"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// userRecord maps the users table.
type userRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"size:255;not null"`
	Email     string `gorm:"size:255;not null;uniqueIndex:users_email_key"`
	Password  string `gorm:"size:255;not null"`
	Role      string `gorm:"size:32;not null;default:user"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRecord) TableName() string {
	return "users"
}

// publicColumns excludes the password hash.
var publicColumns = []string{"id", "username", "email", "role", "created_at", "updated_at"}

// Repository implements identity.Repository using GORM.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// AutoMigrate creates the users table from the model. PostgreSQL deployments
// use the SQL migrations instead; this serves embedded databases such as SQLite.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&userRecord{})
}

// CreateUser inserts user and fills in its id and timestamps.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	if !user.Role.IsValid() {
		return identity.ErrInvalidRole
	}

	rec := userRecord{
		Username: user.Username,
		Email:    user.Email,
		Password: user.Password,
		Role:     string(user.Role),
	}

	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create user: %w", translateError(err))
	}

	user.ID = rec.ID
	user.CreatedAt = rec.CreatedAt
	user.UpdatedAt = rec.UpdatedAt
	return nil
}

// GetUserByID returns a user without its password hash.
func (r *Repository) GetUserByID(ctx context.Context, id uint) (*domain.User, error) {
	var rec userRecord
	err := r.db.WithContext(ctx).
		Select(publicColumns).
		Where("id = ?", id).
		Take(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", translateError(err))
	}
	return rec.toDomain(), nil
}

// GetUserByEmail returns a user including its password hash.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var rec userRecord
	err := r.db.WithContext(ctx).
		Where("email = ?", email).
		Take(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", translateError(err))
	}
	return rec.toDomain(), nil
}

// ListUsers returns all users ordered by id, without password hashes.
func (r *Repository) ListUsers(ctx context.Context) ([]domain.User, error) {
	var recs []userRecord
	err := r.db.WithContext(ctx).
		Select(publicColumns).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list users: %w", translateError(err))
	}

	users := make([]domain.User, 0, len(recs))
	for i := range recs {
		users = append(users, *recs[i].toDomain())
	}
	return users, nil
}

// UpdateUser writes the non-nil fields in a single statement and returns the
// updated user.
func (r *Repository) UpdateUser(ctx context.Context, id uint, fields identity.UserUpdate) (*domain.User, error) {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if fields.Username != nil {
		updates["username"] = *fields.Username
	}
	if fields.Email != nil {
		updates["email"] = *fields.Email
	}
	if fields.Password != nil {
		updates["password"] = *fields.Password
	}
	if fields.Role != nil {
		updates["role"] = string(*fields.Role)
	}

	result := r.db.WithContext(ctx).
		Model(&userRecord{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("update user: %w", translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return nil, identity.ErrUserNotFound
	}

	return r.GetUserByID(ctx, id)
}

// DeleteUser permanently removes a user.
func (r *Repository) DeleteUser(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&userRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete user: %w", translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

func (rec *userRecord) toDomain() *domain.User {
	return &domain.User{
		ID:        rec.ID,
		Username:  rec.Username,
		Email:     rec.Email,
		Password:  rec.Password,
		Role:      domain.Role(rec.Role),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// translateError maps storage errors onto identity errors. The only unique
// constraint besides the primary key is the email index.
func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.ErrUserNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return identity.ErrEmailExists
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return identity.ErrEmailExists
	}

	// SQLite drivers that do not implement gorm's error translation.
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return identity.ErrEmailExists
	}
	return err
}
