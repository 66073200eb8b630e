package llm

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	// TokenLifetime defines how long session tokens are valid
	TokenLifetime = 7 * 24 * 60 * 60 // 7 days in seconds
)

var (
	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the token is invalid for any reason
	ErrInvalidToken = errors.New("invalid token")
)

// TokenClaims struct for JWT session token claims
type TokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// SessionToken is the validated content of a session token.
type SessionToken struct {
	Iat    int64
	Exp    int64
	Jti    string
	UserID string
	Email  string
}

// CreateSessionToken generates a JWT session token, issued after a
// successful OTP verification.
func CreateSessionToken(userID, email, secret string) (string, error) {
	now := time.Now()

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime * time.Second)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

// ValidateSessionToken validates and parses a JWT session token
func ValidateSessionToken(tokenString string, secret string) (*SessionToken, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &SessionToken{
		Iat:    claims.IssuedAt.Unix(),
		Exp:    claims.ExpiresAt.Unix(),
		Jti:    claims.ID,
		UserID: claims.UserID,
		Email:  claims.Email,
	}, nil
}
