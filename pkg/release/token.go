package release

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("release: invalid resolution token")

// TokenClaims bind a resolution token to one grant and one direction of
// lookup: requester resolves subject, never the reverse.
type TokenClaims struct {
	GrantID     string `json:"grant_id"`
	RequesterID string `json:"requester_id"`
	SubjectID   string `json:"subject_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies resolution tokens with HS256.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{secret: secret, ttl: ttl}
}

func (t *TokenIssuer) Issue(grantID, requesterID, subjectID string, now time.Time) (string, error) {
	claims := TokenClaims{
		GrantID:     grantID,
		RequesterID: requesterID,
		SubjectID:   subjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bidlock-release",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign resolution token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) Verify(token string, now time.Time) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithIssuer("bidlock-release"))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.GrantID == "" || claims.RequesterID == "" || claims.SubjectID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
