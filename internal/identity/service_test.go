package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/usergate/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	users  map[uint]*domain.User
	nextID uint

	createUserErr error
	getByEmailErr error
	getByIDErr    error
	updates       []UserUpdate
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		users:  make(map[uint]*domain.User),
		nextID: 1,
	}
}

func (m *mockRepository) CreateUser(_ context.Context, user *domain.User) error {
	if m.createUserErr != nil {
		return m.createUserErr
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrEmailExists
		}
	}
	user.ID = m.nextID
	m.nextID++
	stored := *user
	m.users[user.ID] = &stored
	return nil
}

func (m *mockRepository) GetUserByID(_ context.Context, id uint) (*domain.User, error) {
	if m.getByIDErr != nil {
		return nil, m.getByIDErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	out.Password = ""
	return &out, nil
}

func (m *mockRepository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	if m.getByEmailErr != nil {
		return nil, m.getByEmailErr
	}
	for _, u := range m.users {
		if u.Email == email {
			out := *u
			return &out, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockRepository) ListUsers(_ context.Context) ([]domain.User, error) {
	users := make([]domain.User, 0, len(m.users))
	for id := uint(1); id < m.nextID; id++ {
		if u, ok := m.users[id]; ok {
			out := *u
			out.Password = ""
			users = append(users, out)
		}
	}
	return users, nil
}

func (m *mockRepository) UpdateUser(ctx context.Context, id uint, fields UserUpdate) (*domain.User, error) {
	m.updates = append(m.updates, fields)
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	if fields.Username != nil {
		u.Username = *fields.Username
	}
	if fields.Email != nil {
		u.Email = *fields.Email
	}
	if fields.Password != nil {
		u.Password = *fields.Password
	}
	if fields.Role != nil {
		u.Role = *fields.Role
	}
	return m.GetUserByID(ctx, id)
}

func (m *mockRepository) DeleteUser(_ context.Context, id uint) error {
	if _, ok := m.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, id)
	return nil
}

// mockTokens implements TokenService for testing. Tokens look like "token-<id>".
type mockTokens struct {
	issueErr  error
	verifyErr error
}

func (m *mockTokens) IssueToken(_ context.Context, user *domain.User) (string, error) {
	if m.issueErr != nil {
		return "", m.issueErr
	}
	return "token-" + strings.Repeat("x", int(user.ID)), nil
}

func (m *mockTokens) VerifyToken(_ context.Context, token string) (*Claims, error) {
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	rest, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return nil, ErrInvalidToken
	}
	now := time.Now()
	return &Claims{UserID: uint(len(rest)), IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
}

// fakeHasher implements PasswordHasher without bcrypt's cost.
type fakeHasher struct {
	verifyCalls int
}

func (f *fakeHasher) Hash(password string) (string, error) {
	return "hashed:" + password, nil
}

func (f *fakeHasher) Verify(hash, password string) bool {
	f.verifyCalls++
	return hash == "hashed:"+password
}

func newTestService() (*Service, *mockRepository, *fakeHasher) {
	repo := newMockRepository()
	hasher := &fakeHasher{}
	return NewService(repo, &mockTokens{}, hasher), repo, hasher
}

func TestRegister(t *testing.T) {
	service, repo, _ := newTestService()

	user, token, err := service.Register(context.Background(), RegisterInput{
		Username: "  jane ",
		Email:    " jane@example.com ",
		Password: "Secret123",
	})
	require.NoError(t, err)

	assert.Equal(t, uint(1), user.ID)
	assert.Equal(t, "jane", user.Username)
	assert.Equal(t, "jane@example.com", user.Email)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Empty(t, user.Password)
	assert.Equal(t, "token-x", token)

	assert.Equal(t, "hashed:Secret123", repo.users[1].Password)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	service, repo, _ := newTestService()
	before := testutil.ToFloat64(authOperations.WithLabelValues("register", resultConflict))

	_, _, err := service.Register(context.Background(), RegisterInput{Username: "a", Email: "a@example.com", Password: "Secret123"})
	require.NoError(t, err)

	_, _, err = service.Register(context.Background(), RegisterInput{Username: "b", Email: "a@example.com", Password: "Other1234"})
	assert.ErrorIs(t, err, ErrEmailExists)
	assert.Len(t, repo.users, 1)

	after := testutil.ToFloat64(authOperations.WithLabelValues("register", resultConflict))
	assert.Equal(t, before+1, after)
}

func TestRegister_ConflictAtWrite(t *testing.T) {
	service, repo, _ := newTestService()
	// The pre-check passes but the unique index rejects the insert.
	repo.createUserErr = ErrEmailExists

	_, _, err := service.Register(context.Background(), RegisterInput{Username: "a", Email: "a@example.com", Password: "Secret123"})
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestRegister_NormalizesUsername(t *testing.T) {
	service, _, _ := newTestService()

	// "e" followed by a combining acute accent.
	user, _, err := service.Register(context.Background(), RegisterInput{
		Username: "Jose\u0301",
		Email:    "jose@example.com",
		Password: "Secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, "Jos\u00e9", user.Username)
}

func TestLogin(t *testing.T) {
	service, _, _ := newTestService()
	_, _, err := service.Register(context.Background(), RegisterInput{Username: "a", Email: "a@example.com", Password: "Secret123"})
	require.NoError(t, err)

	user, token, err := service.Login(context.Background(), LoginInput{Email: "a@example.com", Password: "Secret123"})
	require.NoError(t, err)
	assert.Equal(t, uint(1), user.ID)
	assert.Empty(t, user.Password)
	assert.NotEmpty(t, token)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	service, _, hasher := newTestService()
	_, _, err := service.Register(context.Background(), RegisterInput{Username: "a", Email: "a@example.com", Password: "Secret123"})
	require.NoError(t, err)

	_, _, wrongPassword := service.Login(context.Background(), LoginInput{Email: "a@example.com", Password: "wrong-pass"})
	_, _, unknownEmail := service.Login(context.Background(), LoginInput{Email: "nobody@example.com", Password: "Secret123"})

	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
	assert.Equal(t, 2, hasher.verifyCalls, "unknown email must still run a password comparison")
}

func TestLogin_StorageError(t *testing.T) {
	service, repo, _ := newTestService()
	repo.getByEmailErr = errors.New("connection refused")

	_, _, err := service.Login(context.Background(), LoginInput{Email: "a@example.com", Password: "Secret123"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate(t *testing.T) {
	service, _, _ := newTestService()
	_, token, err := service.Register(context.Background(), RegisterInput{Username: "a", Email: "a@example.com", Password: "Secret123"})
	require.NoError(t, err)

	before := testutil.ToFloat64(authOperations.WithLabelValues("authenticate", resultSuccess))

	user, err := service.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)
	assert.Empty(t, user.Password)

	after := testutil.ToFloat64(authOperations.WithLabelValues("authenticate", resultSuccess))
	assert.Equal(t, before+1, after)
}

func TestAuthenticate_DeletedUser(t *testing.T) {
	service, _, _ := newTestService()
	created, token, err := service.Register(context.Background(), RegisterInput{Username: "a", Email: "a@example.com", Password: "Secret123"})
	require.NoError(t, err)
	require.NoError(t, service.DeleteUser(context.Background(), created.ID))

	_, err = service.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	service, _, _ := newTestService()

	_, err := service.Authenticate(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_StorageError(t *testing.T) {
	service, repo, _ := newTestService()
	repo.getByIDErr = errors.New("connection refused")

	_, err := service.Authenticate(context.Background(), "token-x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestCreateUser_Roles(t *testing.T) {
	service, _, _ := newTestService()

	admin, err := service.CreateUser(context.Background(), CreateUserInput{
		Username: "root", Email: "root@example.com", Password: "Secret123", Role: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, admin.Role)

	plain, err := service.CreateUser(context.Background(), CreateUserInput{
		Username: "u", Email: "u@example.com", Password: "Secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, plain.Role)

	_, err = service.CreateUser(context.Background(), CreateUserInput{
		Username: "x", Email: "x@example.com", Password: "Secret123", Role: "superuser",
	})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestUpdateUser(t *testing.T) {
	service, repo, _ := newTestService()
	created, err := service.CreateUser(context.Background(), CreateUserInput{
		Username: "u", Email: "u@example.com", Password: "Secret123",
	})
	require.NoError(t, err)

	role := "admin"
	password := "NewSecret1"
	updated, err := service.UpdateUser(context.Background(), created.ID, UpdateUserInput{
		Role:     &role,
		Password: &password,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RoleAdmin, updated.Role)
	assert.Equal(t, "u", updated.Username)
	assert.Empty(t, updated.Password)
	assert.Equal(t, "hashed:NewSecret1", repo.users[created.ID].Password)
}

func TestUpdateUser_KeepsPasswordWhenAbsent(t *testing.T) {
	service, repo, _ := newTestService()
	created, err := service.CreateUser(context.Background(), CreateUserInput{
		Username: "u", Email: "u@example.com", Password: "Secret123",
	})
	require.NoError(t, err)

	username := "renamed"
	_, err = service.UpdateUser(context.Background(), created.ID, UpdateUserInput{Username: &username})
	require.NoError(t, err)

	require.Len(t, repo.updates, 1)
	assert.Nil(t, repo.updates[0].Password)
	assert.Equal(t, "hashed:Secret123", repo.users[created.ID].Password)
}

func TestUpdateUser_EmptyUpdate(t *testing.T) {
	service, repo, _ := newTestService()
	created, err := service.CreateUser(context.Background(), CreateUserInput{
		Username: "u", Email: "u@example.com", Password: "Secret123",
	})
	require.NoError(t, err)

	user, err := service.UpdateUser(context.Background(), created.ID, UpdateUserInput{})
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)
	assert.Empty(t, repo.updates)
}

func TestUpdateUser_DuplicateEmail(t *testing.T) {
	service, _, _ := newTestService()
	_, err := service.CreateUser(context.Background(), CreateUserInput{Username: "a", Email: "a@example.com", Password: "Secret123"})
	require.NoError(t, err)
	b, err := service.CreateUser(context.Background(), CreateUserInput{Username: "b", Email: "b@example.com", Password: "Secret123"})
	require.NoError(t, err)

	email := "a@example.com"
	_, err = service.UpdateUser(context.Background(), b.ID, UpdateUserInput{Email: &email})
	assert.ErrorIs(t, err, ErrEmailExists)

	// Re-submitting the current email is not a conflict.
	own := "b@example.com"
	_, err = service.UpdateUser(context.Background(), b.ID, UpdateUserInput{Email: &own})
	assert.NoError(t, err)
}

func TestUpdateUser_NotFound(t *testing.T) {
	service, _, _ := newTestService()

	username := "ghost"
	_, err := service.UpdateUser(context.Background(), 7, UpdateUserInput{Username: &username})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDeleteUser_NotFound(t *testing.T) {
	service, _, _ := newTestService()

	assert.ErrorIs(t, service.DeleteUser(context.Background(), 7), ErrUserNotFound)
}

func TestEnsureAdmin(t *testing.T) {
	service, repo, _ := newTestService()
	seed := AdminSeed{Username: "  ", Email: "admin@example.com", Password: "AdminPass1"}

	created, err := service.EnsureAdmin(context.Background(), seed)
	require.NoError(t, err)
	assert.True(t, created)

	admin := repo.users[1]
	assert.Equal(t, "admin", admin.Username)
	assert.Equal(t, domain.RoleAdmin, admin.Role)

	created, err = service.EnsureAdmin(context.Background(), seed)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, repo.users, 1)
}

func TestEnsureAdmin_NotConfigured(t *testing.T) {
	service, repo, _ := newTestService()

	created, err := service.EnsureAdmin(context.Background(), AdminSeed{Email: "admin@example.com"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, repo.users)
}
