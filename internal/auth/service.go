package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for malformed, expired or mis-signed session tokens.
var ErrInvalidToken = errors.New("invalid token")

// Service issues and validates session tokens. Credential checks live in the
// account service; this package only deals with the token once identity is proven.
type Service interface {
	IssueToken(accountID uuid.UUID, role string) (string, time.Time, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type service struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewService(secret []byte, ttl time.Duration, issuer string) *service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &service{secret: secret, ttl: ttl, issuer: issuer, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) IssueToken(accountID uuid.UUID, role string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return id, c.Role, nil
}
