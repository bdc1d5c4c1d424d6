package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const BasicAuthServiceName = "Basic"

// UserInfo describes a configured user of the service, including the grid
// identity the match engine sees once the user has authenticated.
type UserInfo struct {
	Password string
	// Distinguished name of the credential.
	DN string
	// Group the credential belongs to.
	Group string
	// Pilot security properties granted to this user.
	Properties []string
	// Host marks host-type credentials (services rather than users).
	Host bool
}

type ErrMissingCredentials struct {
	Message string
}

func (err *ErrMissingCredentials) Error() string {
	return fmt.Sprintf("missing credentials: %s", err.Message)
}

type ErrInvalidCredentials struct {
	Username string
}

func (err *ErrInvalidCredentials) Error() string {
	return fmt.Sprintf("invalid username/password for user %q", err.Username)
}

// BasicAuthService authenticates callers from a static user table.
type BasicAuthService struct {
	users map[string]UserInfo
}

func NewBasicAuthService(users map[string]UserInfo) *BasicAuthService {
	return &BasicAuthService{users: users}
}

func (authService *BasicAuthService) Name() string {
	return BasicAuthServiceName
}

// Authenticate resolves an Authorization header value into a principal.
func (authService *BasicAuthService) Authenticate(authHeader string) (Principal, error) {
	authHeaderSplits := strings.SplitN(authHeader, " ", 2)
	if len(authHeaderSplits) < 2 || !strings.EqualFold(authHeaderSplits[0], "basic") {
		return nil, &ErrMissingCredentials{Message: "basic auth header not found"}
	}

	payload, err := base64.StdEncoding.DecodeString(authHeaderSplits[1])
	if err != nil {
		return nil, &ErrMissingCredentials{Message: err.Error()}
	}
	pair := strings.SplitN(string(payload), ":", 2)
	if len(pair) < 2 {
		return nil, &ErrMissingCredentials{Message: "malformed basic auth payload"}
	}
	return authService.loginUser(pair[0], pair[1])
}

func (authService *BasicAuthService) loginUser(username string, password string) (Principal, error) {
	userInfo, ok := authService.users[username]
	if ok && userInfo.Password == password {
		return NewStaticPrincipal(username, userInfo.DN, userInfo.Group, userInfo.Host, userInfo.Properties), nil
	}
	return nil, &ErrInvalidCredentials{Username: username}
}
