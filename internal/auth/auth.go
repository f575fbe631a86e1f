// Package auth verifies the optional bearer credential presented when a
// connection opens and resolves it to a user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/rs/zerolog/log"
)

// ErrMissingCredential is returned when no credential was presented.
var ErrMissingCredential = errors.New("missing credential")

// UserResolver looks a user up by id.
type UserResolver interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Claims carries the user id under "id".
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID. ttl <= 0 issues a token without expiry.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies signature and expiry and returns the user id.
func ParseToken(secret []byte, token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", errors.New("token has no user id")
	}
	return claims.UserID, nil
}

// Authenticator turns credentials into users. With AllowAnonymous set, any
// failure yields an anonymous connection instead of an error.
type Authenticator struct {
	secret         []byte
	users          UserResolver
	allowAnonymous bool
}

func NewAuthenticator(secret string, users UserResolver, allowAnonymous bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users, allowAnonymous: allowAnonymous}
}

func (a *Authenticator) AllowAnonymous() bool { return a.allowAnonymous }

// Authenticate returns (nil, nil) for an anonymous connection.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*model.User, error) {
	user, err := a.resolve(ctx, strings.TrimSpace(credential))
	if err == nil {
		return user, nil
	}
	if a.allowAnonymous {
		if !errors.Is(err, ErrMissingCredential) {
			log.Debug().Err(err).Str("module", "auth").Msg("credential rejected, continuing as anonymous")
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
}

func (a *Authenticator) resolve(ctx context.Context, credential string) (*model.User, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	if len(a.secret) == 0 {
		return nil, errors.New("no signing secret configured")
	}
	userID, err := ParseToken(a.secret, credential)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if a.users == nil {
		return nil, model.ErrUserNotFound
	}
	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CredentialFromHeader extracts the token from an "Authorization: Bearer" value.
func CredentialFromHeader(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
