package identity

import (
	"errors"
	"fmt"

	"github.com/bissquit/usergate/internal/pkg/httputil"
)

// Identity errors.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailExists        = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidRole        = errors.New("invalid role")

	// ErrInvalidToken is shared with the authentication middleware so that it can
	// tell a rejected token from a storage failure.
	ErrInvalidToken = httputil.ErrInvalidToken
	ErrTokenExpired = fmt.Errorf("%w: expired", httputil.ErrInvalidToken)
)
