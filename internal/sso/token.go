package sso

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	tokenVersion  = "v1"
	tokenSegments = 6

	// DefaultTokenTTL bounds how long an issued token can be presented.
	DefaultTokenTTL = 5 * time.Minute
)

// Strict decoding rejects non-zero trailing bits, so every token has exactly
// one accepted encoding.
var b64 = base64.RawURLEncoding.Strict()

// Claims is the decoded content of an auth token.
type Claims struct {
	ClientID  string
	UniqueID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Signature is the encoded MAC segment; unique per token.
	Signature string
}

// IssueToken mints a signed token for uniqueID valid for ttl from now.
//
// Wire form: v1.<b64 client>.<b64 unique id>.<iat>.<exp>.<b64 mac>, with the
// MAC computed over everything before the last dot. Identifiers are base64url
// encoded so they can never contain the delimiter.
func IssueToken(clientID, uniqueID string, key []byte, now time.Time, ttl time.Duration) (string, Claims, error) {
	if strings.TrimSpace(uniqueID) == "" {
		return "", Claims{}, fmt.Errorf("%w: unique id is required", ErrInvalidInput)
	}
	if len(key) == 0 {
		return "", Claims{}, fmt.Errorf("%w: signing key is empty", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	iat := now.Unix()
	exp := iat + int64(ttl/time.Second)

	signing := strings.Join([]string{
		tokenVersion,
		b64.EncodeToString([]byte(clientID)),
		b64.EncodeToString([]byte(uniqueID)),
		strconv.FormatInt(iat, 10),
		strconv.FormatInt(exp, 10),
	}, ".")
	sig := b64.EncodeToString(Sign([]byte(signing), key))

	return signing + "." + sig, Claims{
		ClientID:  clientID,
		UniqueID:  uniqueID,
		IssuedAt:  time.Unix(iat, 0).UTC(),
		ExpiresAt: time.Unix(exp, 0).UTC(),
		Signature: sig,
	}, nil
}

// VerifyToken checks the MAC and expiry of token and returns its claims.
// Malformed input of any kind yields ErrInvalidSignature. A token is still
// valid at the exact second of its expiry; skew extends that bound.
func VerifyToken(token string, key []byte, now time.Time, skew time.Duration) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != tokenSegments || parts[0] != tokenVersion || len(key) == 0 {
		return Claims{}, ErrInvalidSignature
	}
	sig, err := b64.DecodeString(parts[5])
	if err != nil {
		return Claims{}, ErrInvalidSignature
	}
	signing := token[:len(token)-len(parts[5])-1]
	if !Verify([]byte(signing), sig, key) {
		return Claims{}, ErrInvalidSignature
	}

	claims, err := decodeClaims(parts)
	if err != nil {
		return Claims{}, ErrInvalidSignature
	}
	if now.After(claims.ExpiresAt.Add(skew)) {
		return claims, ErrExpired
	}
	return claims, nil
}

// PeekClientID returns the unverified client segment of token so the caller
// can select the verification key.
func PeekClientID(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != tokenSegments || parts[0] != tokenVersion {
		return "", ErrInvalidSignature
	}
	raw, err := b64.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidSignature
	}
	return string(raw), nil
}

func decodeClaims(parts []string) (Claims, error) {
	client, err := b64.DecodeString(parts[1])
	if err != nil {
		return Claims{}, err
	}
	uid, err := b64.DecodeString(parts[2])
	if err != nil {
		return Claims{}, err
	}
	if len(uid) == 0 {
		return Claims{}, errors.New("empty unique id")
	}
	iat, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Claims{}, err
	}
	exp, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Claims{}, err
	}
	if exp < iat {
		return Claims{}, errors.New("expiry precedes issued-at")
	}
	return Claims{
		ClientID:  string(client),
		UniqueID:  string(uid),
		IssuedAt:  time.Unix(iat, 0).UTC(),
		ExpiresAt: time.Unix(exp, 0).UTC(),
		Signature: parts[5],
	}, nil
}

// Issuer mints tokens only for accounts present in the directory.
type Issuer struct {
	dir AccountDirectory
	ttl time.Duration
	now func() time.Time
}

// NewIssuer constructs an Issuer. A zero ttl selects DefaultTokenTTL.
func NewIssuer(dir AccountDirectory, ttl time.Duration, now func() time.Time) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{dir: dir, ttl: ttl, now: now}
}

// Issue looks up uniqueID and signs a token with the client's derived key.
func (i *Issuer) Issue(ctx context.Context, client *ClientCredential, uniqueID string) (string, Claims, error) {
	if _, err := i.dir.Lookup(ctx, uniqueID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", Claims{}, ErrUnknownAccount
		}
		return "", Claims{}, storageErr(err)
	}
	return IssueToken(client.ClientID, uniqueID, DeriveTokenKey([]byte(client.Secret)), i.now(), i.ttl)
}

// Verifier validates tokens against a client secret.
type Verifier struct {
	skew time.Duration
	now  func() time.Time
}

// NewVerifier constructs a Verifier with the given clock-skew tolerance.
func NewVerifier(skew time.Duration, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	if skew < 0 {
		skew = 0
	}
	return &Verifier{skew: skew, now: now}
}

// Verify checks token with the key derived from clientSecret.
func (v *Verifier) Verify(token string, clientSecret []byte) (Claims, error) {
	return VerifyToken(token, DeriveTokenKey(clientSecret), v.now(), v.skew)
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
