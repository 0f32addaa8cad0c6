package sso

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"lmsbridge.org/internal/obs"
)

const defaultNotifyWindow = 5 * time.Minute

// Notification field names as sent by the source system.
const (
	FieldClientID     = "client_id"
	FieldUniqueID     = "unique_id"
	FieldTimestamp    = "timestamp"
	FieldEmail        = "email"
	FieldFirstName    = "first_name"
	FieldLastName     = "last_name"
	FieldSubaccountID = "subaccount_id"

	// FieldBridgeSubaccountID is the name the WordPress plugin sends.
	FieldBridgeSubaccountID = "bridge_subaccount_id"
)

// Notification is a login event reported by the source system. Signature is
// the hex HMAC-SHA256 under the client secret of the fields urlencoded
// either in the order they were sent (Order) or sorted by key.
type Notification struct {
	Fields    url.Values
	Order     []string
	Signature string
}

// SignNotification computes the signature over fields sorted by key.
func SignNotification(fields url.Values, secret string) string {
	return SignHex([]byte(fields.Encode()), []byte(secret))
}

// EncodeOrdered urlencodes fields with keys in the given order. Keys missing
// from order follow, sorted.
func EncodeOrdered(fields url.Values, order []string) string {
	var b strings.Builder
	seen := make(map[string]bool, len(fields))
	write := func(k string) {
		if seen[k] {
			return
		}
		seen[k] = true
		for _, v := range fields[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	for _, k := range order {
		if _, ok := fields[k]; ok {
			write(k)
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		write(k)
	}
	return b.String()
}

func (n Notification) verify(secret string) bool {
	if n.Signature == "" {
		return false
	}
	if len(n.Order) > 0 && VerifyHex([]byte(EncodeOrdered(n.Fields, n.Order)), n.Signature, []byte(secret)) {
		return true
	}
	return VerifyHex([]byte(n.Fields.Encode()), n.Signature, []byte(secret))
}

func (n Notification) subaccountID() string {
	if sub := strings.TrimSpace(n.Fields.Get(FieldSubaccountID)); sub != "" {
		return sub
	}
	return strings.TrimSpace(n.Fields.Get(FieldBridgeSubaccountID))
}

// Grant is the result of an accepted login notification.
type Grant struct {
	UniqueID    string
	Token       string
	RedirectURL string
	ExpiresAt   time.Time
}

// Redirect is the result of an accepted authentication arrival.
type Redirect struct {
	UniqueID     string
	SubaccountID string
	URL          string
}

// Service implements the two-step SSO handshake.
type Service struct {
	accounts AccountDirectory
	clients  ClientStore
	log      AccessLog

	now          func() time.Time
	tokenTTL     time.Duration
	skew         time.Duration
	notifyWindow time.Duration
	provision    bool
	singleUse    bool

	publicBaseURL   string
	destinationBase string
	landingPath     string
	assertionSecret string
	assertionTTL    time.Duration

	issuer    *Issuer
	verifier  *Verifier
	replay    *ReplayGuard
	assertion *AssertionSigner
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
		return nil
	}
}

// WithClockSkew extends the expiry bound when verifying tokens.
func WithClockSkew(skew time.Duration) ServiceOption {
	return func(s *Service) error {
		if skew < 0 {
			return errors.New("sso: clock skew must not be negative")
		}
		s.skew = skew
		return nil
	}
}

// WithNotifyWindow bounds the age of a notification timestamp.
func WithNotifyWindow(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.notifyWindow = d
		}
		return nil
	}
}

// WithProvisionOnNotify lets notifications carrying a subaccount create or
// update the account before a token is issued.
func WithProvisionOnNotify(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.provision = enabled
		return nil
	}
}

// WithSingleUseTokens rejects a second presentation of the same token.
func WithSingleUseTokens(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.singleUse = enabled
		return nil
	}
}

// WithPublicBaseURL sets the externally visible base of this bridge.
func WithPublicBaseURL(raw string) ServiceOption {
	return func(s *Service) error {
		raw = strings.TrimRight(strings.TrimSpace(raw), "/")
		if raw != "" {
			if _, err := url.ParseRequestURI(raw); err != nil {
				return fmt.Errorf("sso: public base url: %w", err)
			}
		}
		s.publicBaseURL = raw
		return nil
	}
}

// WithDestination sets the destination base URL and an optional landing path
// appended after the subaccount.
func WithDestination(baseURL, landingPath string) ServiceOption {
	return func(s *Service) error {
		baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("sso: destination base url %q is not absolute", baseURL)
		}
		s.destinationBase = baseURL
		s.landingPath = strings.Trim(strings.TrimSpace(landingPath), "/")
		return nil
	}
}

// WithAssertion enables the signed destination assertion parameter.
func WithAssertion(secret string, ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		s.assertionSecret = secret
		s.assertionTTL = ttl
		return nil
	}
}

// NewService wires the handshake over the given stores.
func NewService(accounts AccountDirectory, clients ClientStore, log AccessLog, opts ...ServiceOption) (*Service, error) {
	if accounts == nil || clients == nil || log == nil {
		return nil, errors.New("sso: accounts, clients and access log are required")
	}
	s := &Service{
		accounts:     accounts,
		clients:      clients,
		log:          log,
		now:          time.Now,
		tokenTTL:     DefaultTokenTTL,
		notifyWindow: defaultNotifyWindow,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.destinationBase == "" {
		return nil, errors.New("sso: destination base url is required")
	}
	s.issuer = NewIssuer(accounts, s.tokenTTL, s.now)
	s.verifier = NewVerifier(s.skew, s.now)
	if s.singleUse {
		s.replay = NewReplayGuard(0, s.tokenTTL+s.skew+time.Second)
	}
	s.assertion = NewAssertionSigner(s.assertionSecret, "", s.assertionTTL, s.now)
	return s, nil
}

// NotifyLogin authenticates a login notification and issues a token.
// Exactly one access-log entry is recorded.
func (s *Service) NotifyLogin(ctx context.Context, n Notification, at Attempt) (Grant, error) {
	entry := s.newEntry(FlowLoginNotify, at)
	grant, err := s.notifyLogin(ctx, n, entry)
	entry.Outcome = OutcomeFor(err)
	s.record(ctx, entry)
	return grant, err
}

func (s *Service) notifyLogin(ctx context.Context, n Notification, entry *AccessLogEntry) (Grant, error) {
	client, err := s.resolveClient(ctx, n.Fields.Get(FieldClientID))
	if err != nil {
		return Grant{}, err
	}
	entry.ClientID = client.ClientID

	if !n.verify(client.Secret) {
		return Grant{}, ErrInvalidClientSignature
	}
	// timestamp is mandatory
	if !s.withinNotifyWindow(n.Fields.Get(FieldTimestamp)) {
		return Grant{}, ErrInvalidClientSignature
	}
	uid := strings.TrimSpace(n.Fields.Get(FieldUniqueID))
	if uid == "" {
		return Grant{}, fmt.Errorf("%w: unique_id is required", ErrInvalidInput)
	}
	entry.UniqueID = uid

	if sub := n.subaccountID(); s.provision && sub != "" {
		ok, err := s.provisionAccount(ctx, uid, sub, n.Fields)
		if err != nil {
			return Grant{}, err
		}
		if ok {
			entry.SubaccountID = sub
		}
	}

	token, claims, err := s.issuer.Issue(ctx, client, uid)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		UniqueID:    uid,
		Token:       token,
		RedirectURL: s.publicBaseURL + "/auth/" + url.PathEscape(uid) + "?" + url.Values{"token": {token}}.Encode(),
		ExpiresAt:   claims.ExpiresAt,
	}, nil
}

// provisionAccount creates or updates the account named in a notification.
// Profile fields absent from the notification keep their stored values and
// a deactivated account is left untouched.
func (s *Service) provisionAccount(ctx context.Context, uid, sub string, fields url.Values) (bool, error) {
	acct, err := s.accounts.Lookup(ctx, uid)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		exists, err := s.accounts.Exists(ctx, uid)
		if err != nil {
			return false, storageErr(err)
		}
		if exists {
			return false, nil
		}
		acct = &Account{UniqueID: uid, Active: true}
	default:
		return false, storageErr(err)
	}

	acct.SubaccountID = sub
	for key, dst := range map[string]*string{
		FieldEmail:     &acct.Email,
		FieldFirstName: &acct.FirstName,
		FieldLastName:  &acct.LastName,
	} {
		if v, ok := fields[key]; ok && len(v) > 0 {
			*dst = v[0]
		}
	}
	if err := s.accounts.Upsert(ctx, acct); err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return false, err
		}
		return false, storageErr(err)
	}
	return true, nil
}

// Authenticate verifies a presented token and resolves the destination URL.
// pathUniqueID, when set, must match the identity inside the token.
// Exactly one access-log entry is recorded.
func (s *Service) Authenticate(ctx context.Context, pathUniqueID, token string, at Attempt) (Redirect, error) {
	entry := s.newEntry(FlowAuthenticate, at)
	red, err := s.authenticate(ctx, pathUniqueID, token, entry)
	entry.Outcome = OutcomeFor(err)
	s.record(ctx, entry)
	return red, err
}

func (s *Service) authenticate(ctx context.Context, pathUniqueID, token string, entry *AccessLogEntry) (Redirect, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Redirect{}, ErrInvalidSignature
	}
	clientID, err := PeekClientID(token)
	if err != nil {
		return Redirect{}, err
	}
	client, err := s.clients.FindClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Redirect{}, ErrInvalidSignature
		}
		return Redirect{}, storageErr(err)
	}
	if !client.Active {
		return Redirect{}, ErrInvalidSignature
	}

	claims, err := s.verifier.Verify(token, []byte(client.Secret))
	if err != nil {
		if errors.Is(err, ErrExpired) {
			entry.UniqueID = claims.UniqueID
			entry.ClientID = claims.ClientID
		}
		return Redirect{}, err
	}
	entry.UniqueID = claims.UniqueID
	entry.ClientID = claims.ClientID
	if pathUniqueID != "" && pathUniqueID != claims.UniqueID {
		return Redirect{}, ErrInvalidSignature
	}

	acct, err := s.accounts.Lookup(ctx, claims.UniqueID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Redirect{}, ErrAccountNotFound
		}
		return Redirect{}, storageErr(err)
	}
	entry.SubaccountID = acct.SubaccountID

	target, err := s.destinationURL(acct)
	if err != nil {
		return Redirect{}, err
	}
	if s.replay != nil && !s.replay.Use(claims.Signature) {
		return Redirect{}, ErrReplayed
	}
	return Redirect{UniqueID: acct.UniqueID, SubaccountID: acct.SubaccountID, URL: target}, nil
}

// DestinationCallback records a post-authentication confirmation from the
// destination. It makes no identity decision.
func (s *Service) DestinationCallback(ctx context.Context, params url.Values, at Attempt) {
	entry := s.newEntry(FlowDestinationCallback, at)
	for _, key := range []string{"state", FieldUniqueID} {
		if v := strings.TrimSpace(params.Get(key)); v != "" {
			entry.UniqueID = v
			break
		}
	}
	entry.SubaccountID = params.Get(FieldSubaccountID)
	entry.Outcome = OutcomeSuccess
	s.record(ctx, entry)
}

// RecordRejected logs an attempt turned away before it reached the handshake,
// such as an unreadable notification body.
func (s *Service) RecordRejected(ctx context.Context, flow Flow, at Attempt, err error) {
	entry := s.newEntry(flow, at)
	entry.Outcome = OutcomeFor(err)
	s.record(ctx, entry)
}

func (s *Service) destinationURL(acct *Account) (string, error) {
	var b strings.Builder
	b.WriteString(s.destinationBase)
	b.WriteByte('/')
	b.WriteString(url.PathEscape(acct.SubaccountID))
	if s.landingPath != "" {
		b.WriteByte('/')
		b.WriteString(s.landingPath)
	}
	q := url.Values{"state": {acct.UniqueID}}
	if s.assertion != nil {
		assertion, err := s.assertion.Sign(acct)
		if err != nil {
			return "", err
		}
		q.Set("assertion", assertion)
	}
	b.WriteByte('?')
	b.WriteString(q.Encode())
	return b.String(), nil
}

func (s *Service) resolveClient(ctx context.Context, clientID string) (*ClientCredential, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID != "" {
		c, err := s.clients.FindClient(ctx, clientID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrInvalidClientSignature
			}
			return nil, storageErr(err)
		}
		if !c.Active {
			return nil, ErrInvalidClientSignature
		}
		return c, nil
	}
	active, err := s.clients.ActiveClients(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	if len(active) != 1 {
		return nil, ErrInvalidClientSignature
	}
	return active[0], nil
}

func (s *Service) withinNotifyWindow(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return false
	}
	delta := s.now().Sub(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	return delta <= s.notifyWindow
}

func (s *Service) newEntry(flow Flow, at Attempt) *AccessLogEntry {
	return &AccessLogEntry{
		OccurredAt: s.now().UTC(),
		Flow:       flow,
		UniqueID:   UnknownUniqueID,
		SourceIP:   at.SourceIP,
		UserAgent:  at.UserAgent,
		RequestID:  at.RequestID,
	}
}

func (s *Service) record(ctx context.Context, entry *AccessLogEntry) {
	if err := s.log.Append(ctx, entry); err != nil {
		obs.Error("access log append failed", map[string]any{
			"flow":    string(entry.Flow),
			"outcome": string(entry.Outcome),
			"error":   err.Error(),
		})
	}
}

// EnsureClients creates any of the given credentials missing from store and
// rotates the secret of those whose stored secret differs.
func EnsureClients(ctx context.Context, store ClientStore, clients []ClientCredential) error {
	for i := range clients {
		c := clients[i]
		existing, err := store.FindClient(ctx, c.ClientID)
		switch {
		case err == nil:
			if existing.Secret == c.Secret {
				continue
			}
			if err := store.UpdateClientSecret(ctx, c.ClientID, c.Secret); err != nil {
				return err
			}
			obs.Warn("client secret rotated from config", map[string]any{"client_id": c.ClientID})
		case errors.Is(err, ErrNotFound):
			if err := store.CreateClient(ctx, &c); err != nil {
				return err
			}
		default:
			return storageErr(err)
		}
	}
	return nil
}
