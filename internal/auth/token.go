// Package auth issues and validates the bearer tokens that gate the chat
// socket and the presence endpoints.
package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkglog "division-chat/internal/log"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Identity is the caller resolved from a token.
type Identity struct {
	UserID      int64
	Role        string
	Email       string
	DisplayName string
}

type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// IdentityLookup resolves a user id to its current identity. It returns an
// error when the user no longer exists.
type IdentityLookup interface {
	LookupIdentity(ctx context.Context, userID int64) (Identity, error)
}

type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs an HS256 access token for id.
func (m *TokenManager) Issue(id Identity) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: id.UserID,
		Role:   id.Role,
		Email:  id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	return token.SignedString(m.secret)
}

// Parse validates signature, expiry and issuer.
func (m *TokenManager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticator turns a raw bearer token into an Identity.
type Authenticator struct {
	tokens *TokenManager
	users  IdentityLookup
}

func NewAuthenticator(tokens *TokenManager, users IdentityLookup) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Authenticate reports false for every kind of failure; it never returns an error.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (Identity, bool) {
	if rawToken == "" {
		return Identity{}, false
	}

	claims, err := a.tokens.Parse(rawToken)
	if err != nil {
		l := pkglog.Ctx(ctx)
		l.Debug().Err(err).Msg("token rejected")
		return Identity{}, false
	}

	if a.users == nil {
		return Identity{UserID: claims.UserID, Role: claims.Role, Email: claims.Email}, true
	}

	id, err := a.users.LookupIdentity(ctx, claims.UserID)
	if err != nil {
		l := pkglog.Ctx(ctx)
		l.Debug().Err(err).Int64(pkglog.FieldUserID, claims.UserID).Msg("token user lookup failed")
		return Identity{}, false
	}
	return id, true
}
