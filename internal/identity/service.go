// Package identity provides user registration, authentication and user management.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/usergate/internal/domain"
	"github.com/bissquit/usergate/internal/pkg/ctxlog"
	"golang.org/x/text/unicode/norm"
)

// Claims are the identity assertions carried by an access token.
type Claims struct {
	UserID    uint
	Email     string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenService issues and verifies access tokens.
type TokenService interface {
	IssueToken(ctx context.Context, user *domain.User) (string, error)
	VerifyToken(ctx context.Context, token string) (*Claims, error)
}

// Service implements identity business logic.
type Service struct {
	repo   Repository
	tokens TokenService
	hasher PasswordHasher

	dummyOnce sync.Once
	dummyHash string
}

// NewService creates a new identity service.
func NewService(repo Repository, tokens TokenService, hasher PasswordHasher) *Service {
	return &Service{
		repo:   repo,
		tokens: tokens,
		hasher: hasher,
	}
}

// RegisterInput contains self-service registration data.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// LoginInput contains login credentials.
type LoginInput struct {
	Email    string
	Password string
}

// CreateUserInput contains data for an admin-created user.
type CreateUserInput struct {
	Username string
	Email    string
	Password string
	Role     string
}

// UpdateUserInput contains a partial update. Nil fields are left untouched.
type UpdateUserInput struct {
	Username *string
	Email    *string
	Password *string
	Role     *string
}

// AdminSeed describes the bootstrap admin account.
type AdminSeed struct {
	Username string
	Email    string
	Password string
}

// Register creates a user with the default role and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, string, error) {
	user, err := s.createUser(ctx, CreateUserInput{
		Username: input.Username,
		Email:    input.Email,
		Password: input.Password,
		Role:     string(domain.RoleUser),
	})
	if err != nil {
		if errors.Is(err, ErrEmailExists) {
			recordAuthOperation("register", resultConflict)
		} else {
			recordAuthOperation("register", resultError)
		}
		return nil, "", err
	}

	token, err := s.tokens.IssueToken(ctx, user)
	if err != nil {
		recordAuthOperation("register", resultError)
		return nil, "", fmt.Errorf("issue token: %w", err)
	}

	recordAuthOperation("register", resultSuccess)
	ctxlog.FromContext(ctx).Info("user registered", "user_id", user.ID)

	return user, token, nil
}

// Login checks credentials and returns the user with a fresh token.
// Unknown email and wrong password both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, input LoginInput) (*domain.User, string, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(input.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn the same bcrypt time as a real comparison.
			s.hasher.Verify(s.dummyPasswordHash(), input.Password)
			recordAuthOperation("login", resultFailure)
			return nil, "", ErrInvalidCredentials
		}
		recordAuthOperation("login", resultError)
		return nil, "", fmt.Errorf("get user by email: %w", err)
	}

	if !s.hasher.Verify(user.Password, input.Password) {
		recordAuthOperation("login", resultFailure)
		return nil, "", ErrInvalidCredentials
	}
	user.Password = ""

	token, err := s.tokens.IssueToken(ctx, user)
	if err != nil {
		recordAuthOperation("login", resultError)
		return nil, "", fmt.Errorf("issue token: %w", err)
	}

	recordAuthOperation("login", resultSuccess)
	return user, token, nil
}

// Authenticate verifies token and resolves the user it was issued for.
// A valid token whose user no longer exists is rejected as ErrInvalidToken.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.tokens.VerifyToken(ctx, token)
	if err != nil {
		recordAuthOperation("authenticate", resultFailure)
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			recordAuthOperation("authenticate", resultFailure)
			return nil, ErrInvalidToken
		}
		recordAuthOperation("authenticate", resultError)
		return nil, fmt.Errorf("resolve token user: %w", err)
	}

	recordAuthOperation("authenticate", resultSuccess)
	return user, nil
}

// CreateUser creates a user on behalf of an admin. The role may be set explicitly.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (*domain.User, error) {
	return s.createUser(ctx, input)
}

// ListUsers returns all users ordered by id.
func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id uint) (*domain.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// UpdateUser applies a partial update. The password is re-hashed only when supplied.
func (s *Service) UpdateUser(ctx context.Context, id uint, input UpdateUserInput) (*domain.User, error) {
	existing, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var fields UserUpdate

	if input.Username != nil {
		username := normalizeUsername(*input.Username)
		fields.Username = &username
	}

	if input.Role != nil {
		role, ok := domain.ParseRole(*input.Role)
		if !ok {
			return nil, ErrInvalidRole
		}
		fields.Role = &role
	}

	if input.Email != nil {
		email := strings.TrimSpace(*input.Email)
		if email != existing.Email {
			if err := s.ensureEmailAvailable(ctx, email); err != nil {
				return nil, err
			}
		}
		fields.Email = &email
	}

	if input.Password != nil {
		hash, err := s.hasher.Hash(*input.Password)
		if err != nil {
			return nil, err
		}
		fields.Password = &hash
	}

	if fields.IsEmpty() {
		return existing, nil
	}

	return s.repo.UpdateUser(ctx, id, fields)
}

// DeleteUser permanently removes a user.
func (s *Service) DeleteUser(ctx context.Context, id uint) error {
	return s.repo.DeleteUser(ctx, id)
}

// EnsureAdmin creates the bootstrap admin account unless a user with its email exists.
// It reports whether an account was created.
func (s *Service) EnsureAdmin(ctx context.Context, seed AdminSeed) (bool, error) {
	if seed.Email == "" || seed.Password == "" {
		return false, nil
	}

	username := seed.Username
	if strings.TrimSpace(username) == "" {
		username = "admin"
	}

	_, err := s.createUser(ctx, CreateUserInput{
		Username: username,
		Email:    seed.Email,
		Password: seed.Password,
		Role:     string(domain.RoleAdmin),
	})
	if errors.Is(err, ErrEmailExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create admin: %w", err)
	}
	return true, nil
}

func (s *Service) createUser(ctx context.Context, input CreateUserInput) (*domain.User, error) {
	role, ok := domain.ParseRole(input.Role)
	if !ok {
		return nil, ErrInvalidRole
	}

	email := strings.TrimSpace(input.Email)

	// Advisory only; the unique index decides under concurrency.
	if err := s.ensureEmailAvailable(ctx, email); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		Username: normalizeUsername(input.Username),
		Email:    email,
		Password: hash,
		Role:     role,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	user.Password = ""
	return user, nil
}

func (s *Service) ensureEmailAvailable(ctx context.Context, email string) error {
	_, err := s.repo.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return ErrEmailExists
	case errors.Is(err, ErrUserNotFound):
		return nil
	default:
		return fmt.Errorf("check email: %w", err)
	}
}

func (s *Service) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("usergate-dummy-password")
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func normalizeUsername(username string) string {
	return norm.NFC.String(strings.TrimSpace(username))
}
