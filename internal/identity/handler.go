package identity

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/usergate/internal/domain"
	"github.com/bissquit/usergate/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Message: "User not found"},
	{Error: ErrEmailExists, Status: http.StatusBadRequest, Message: "User already exists"},
	{Error: ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "Invalid email or password"},
	{Error: ErrInvalidRole, Status: http.StatusBadRequest, Message: "role must be one of: user admin"},
}

// CookieSettings contains settings for the access token cookie.
type CookieSettings struct {
	Secure              bool
	Domain              string
	AccessTokenDuration time.Duration
}

// Handler handles HTTP requests for the identity module.
type Handler struct {
	service        *Service
	validator      *validator.Validate
	cookieSettings CookieSettings
}

// NewHandler creates a new identity handler.
func NewHandler(service *Service, cookieSettings CookieSettings) *Handler {
	return &Handler{
		service:        service,
		validator:      httputil.NewValidator(),
		cookieSettings: cookieSettings,
	}
}

// RegisterRoutes registers public authentication routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})
}

// RegisterProtectedRoutes registers routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Get("/auth/me", h.Me)
}

// RegisterAdminRoutes registers user management routes. The caller is
// expected to mount them behind the admin role gate.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/user", func(r chi.Router) {
		r.Post("/", h.CreateUser)
		r.Get("/all", h.ListUsers)
		r.Get("/{id}", h.GetUser)
		r.Patch("/{id}", h.UpdateUser)
		r.Put("/{id}", h.UpdateUser)
		r.Delete("/{id}", h.DeleteUser)
	})
}

// RegisterRequest represents registration request body.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,notblank"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,bcryptmax"`
}

// LoginRequest represents login request body.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// CreateUserRequest represents the request body for an admin-created user.
type CreateUserRequest struct {
	Username string `json:"username" validate:"required,notblank"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,bcryptmax"`
	Role     string `json:"role" validate:"omitempty,oneof=user admin"`
}

// UpdateUserRequest represents a partial update. Absent fields are kept;
// present fields follow the same rules as on create.
type UpdateUserRequest struct {
	Username *string `json:"username" validate:"omitnil,notblank"`
	Email    *string `json:"email" validate:"omitnil,email"`
	Password *string `json:"password" validate:"omitnil,min=8,bcryptmax"`
	Role     *string `json:"role" validate:"omitnil,oneof=user admin"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Message string       `json:"message"`
	User    *domain.User `json:"user"`
	Token   string       `json:"token"`
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, token, err := h.service.Register(r.Context(), RegisterInput(req))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, "Failed to register user", errorMappings)
		return
	}

	h.setAccessCookie(w, token)

	httputil.JSON(w, http.StatusCreated, AuthResponse{
		Message: "User registered successfully",
		User:    user,
		Token:   token,
	})
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, token, err := h.service.Login(r.Context(), LoginInput(req))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, "Failed to login", errorMappings)
		return
	}

	h.setAccessCookie(w, token)

	httputil.JSON(w, http.StatusOK, AuthResponse{
		Message: "Login successful",
		User:    user,
		Token:   token,
	})
}

// Logout handles POST /auth/logout.
// Tokens are not tracked server-side; an issued token stays valid until it expires.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	h.clearAccessCookie(w)
	httputil.Message(w, http.StatusOK, "Logout successful")
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := httputil.UserFromContext(r.Context())
	if user == nil {
		httputil.Error(w, http.StatusUnauthorized, httputil.MsgMissingToken)
		return
	}
	httputil.JSON(w, http.StatusOK, user)
}

// CreateUser handles POST /user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.CreateUser(r.Context(), CreateUserInput(req))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, "Failed to create user", errorMappings)
		return
	}

	httputil.JSON(w, http.StatusCreated, user)
}

// ListUsers handles GET /user/all.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, "Failed to fetch users", errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, users)
}

// GetUser handles GET /user/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(r)
	if !ok {
		httputil.HandleError(r.Context(), w, ErrUserNotFound, "", errorMappings)
		return
	}

	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, "Failed to fetch user", errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, user)
}

// UpdateUser handles PATCH and PUT /user/{id}.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(r)
	if !ok {
		httputil.HandleError(r.Context(), w, ErrUserNotFound, "", errorMappings)
		return
	}

	var req UpdateUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.UpdateUser(r.Context(), id, UpdateUserInput(req))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, "Failed to update user", errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, user)
}

// DeleteUser handles DELETE /user/{id}.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(r)
	if !ok {
		httputil.HandleError(r.Context(), w, ErrUserNotFound, "", errorMappings)
		return
	}

	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, "Failed to delete user", errorMappings)
		return
	}

	httputil.Message(w, http.StatusOK, "User deleted successfully")
}

// decode reads a JSON body into req and validates it, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}

// userIDParam parses the {id} URL parameter. A malformed id cannot name a
// user, so callers treat it as not found.
func userIDParam(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, strconv.IntSize)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) setAccessCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     httputil.AccessTokenCookie,
		Value:    token,
		Path:     "/",
		Domain:   h.cookieSettings.Domain,
		MaxAge:   int(h.cookieSettings.AccessTokenDuration.Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSettings.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearAccessCookie removes the access token cookie by setting Max-Age=0.
func (h *Handler) clearAccessCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     httputil.AccessTokenCookie,
		Value:    "",
		Path:     "/",
		Domain:   h.cookieSettings.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSettings.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
