package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campus-chat/internal/apperr"
)

// Verifier validates a bearer token and returns the authenticated user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Claims is the token payload issued by the auth collaborator.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier constructs a verifier. An empty issuer disables the iss check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses token and returns the user id carried in user_id or sub.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token: %w", apperr.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("parse token: %v: %w", err, apperr.ErrUnauthorized)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid token: %w", apperr.ErrUnauthorized)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("token has no subject: %w", apperr.ErrUnauthorized)
	}
	return userID, nil
}

// Issue signs a token for userID. Only tests and the dev CLI use it; real
// tokens come from the auth service.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := v.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ExtractBearer picks the token from an Authorization header or, for browser
// websocket upgrades that cannot set headers, from the token query parameter.
func ExtractBearer(header, queryToken string) (string, error) {
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("invalid authorization header: %w", apperr.ErrUnauthorized)
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if queryToken != "" {
		return queryToken, nil
	}
	return "", fmt.Errorf("missing authorization: %w", apperr.ErrUnauthorized)
}
