package sso

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAssertionIssuer = "lmsbridge"
	defaultAssertionTTL    = time.Minute
)

// AssertionClaims is the identity statement handed to the destination system.
type AssertionClaims struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"given_name,omitempty"`
	LastName  string `json:"family_name,omitempty"`
	jwt.RegisteredClaims
}

// AssertionSigner produces HS256 assertions appended to destination redirects.
type AssertionSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	method jwt.SigningMethod
}

// NewAssertionSigner returns nil when secret is empty; callers treat a nil
// signer as "no assertion parameter".
func NewAssertionSigner(secret, issuer string, ttl time.Duration, now func() time.Time) *AssertionSigner {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	if issuer == "" {
		issuer = defaultAssertionIssuer
	}
	if ttl <= 0 {
		ttl = defaultAssertionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &AssertionSigner{secret: []byte(secret), issuer: issuer, ttl: ttl, now: now, method: jwt.SigningMethodHS256}
}

// Sign issues an assertion for acct addressed to its subaccount.
func (s *AssertionSigner) Sign(acct *Account) (string, error) {
	now := s.now().UTC()
	claims := AssertionClaims{
		Email:     acct.Email,
		FirstName: acct.FirstName,
		LastName:  acct.LastName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   acct.UniqueID,
			Audience:  jwt.ClaimStrings{acct.SubaccountID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// ParseAssertion validates an assertion the way the destination would.
func ParseAssertion(token, secret, issuer, audience string, now func() time.Time) (*AssertionClaims, error) {
	if now == nil {
		now = time.Now
	}
	parsed, err := jwt.ParseWithClaims(token, &AssertionClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AssertionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid assertion")
	}
	return claims, nil
}
