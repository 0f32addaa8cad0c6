package sso

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID = "wp-client"
	testSecret   = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"
	testDestURL  = "https://bridge.example.com"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore, *clock) {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Upsert(ctx, &Account{UniqueID: "U123", SubaccountID: "acme-corp", Email: "u@example.com", Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.CreateClient(ctx, &ClientCredential{ClientID: testClientID, Secret: testSecret, Name: "wordpress", Active: true}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	clk := &clock{t: time.Unix(1000, 0)}
	base := []ServiceOption{
		WithClock(clk.now),
		WithDestination(testDestURL, ""),
		WithPublicBaseURL("https://sso.example.com"),
	}
	svc, err := NewService(store, store, store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, clk
}

// signedNotification stamps the notification with the test clock's start.
func signedNotification(uid string, extra url.Values, secret string) Notification {
	fields := url.Values{FieldUniqueID: {uid}, FieldTimestamp: {"1000"}}
	for k, v := range extra {
		fields[k] = v
	}
	return Notification{Fields: fields, Signature: SignNotification(fields, secret)}
}

func lastEntry(t *testing.T, store *MemoryStore) *AccessLogEntry {
	t.Helper()
	logs, err := store.Recent(context.Background(), 1)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected an access log entry, got %v (%v)", logs, err)
	}
	return logs[0]
}

func logCount(t *testing.T, store *MemoryStore) int {
	t.Helper()
	logs, _ := store.Recent(context.Background(), 0)
	return len(logs)
}

func TestScenarioNotifyThenRedirect(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	at := Attempt{SourceIP: "203.0.113.7", UserAgent: "test"}

	grant, err := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), at)
	if err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}
	if !strings.HasPrefix(grant.RedirectURL, "https://sso.example.com/auth/U123?token=") {
		t.Fatalf("unexpected redirect url %q", grant.RedirectURL)
	}
	if e := lastEntry(t, store); e.Outcome != OutcomeSuccess || e.Flow != FlowLoginNotify || e.UniqueID != "U123" {
		t.Fatalf("unexpected notify entry %+v", e)
	}

	clk.t = time.Unix(1200, 0)
	red, err := svc.Authenticate(ctx, "U123", grant.Token, at)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !strings.HasPrefix(red.URL, testDestURL+"/acme-corp?") {
		t.Fatalf("unexpected destination %q", red.URL)
	}
	u, _ := url.Parse(red.URL)
	if u.Query().Get("state") != "U123" {
		t.Fatalf("missing state parameter: %q", red.URL)
	}
	e := lastEntry(t, store)
	if e.Outcome != OutcomeSuccess || e.SubaccountID != "acme-corp" || e.SourceIP != "203.0.113.7" {
		t.Fatalf("unexpected auth entry %+v", e)
	}
	if !e.OccurredAt.Equal(time.Unix(1200, 0)) {
		t.Fatalf("inaccurate timestamp %v", e.OccurredAt)
	}

	clk.t = time.Unix(1400, 0)
	if _, err := svc.Authenticate(ctx, "U123", grant.Token, at); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if e := lastEntry(t, store); e.Outcome != OutcomeExpired || e.UniqueID != "U123" {
		t.Fatalf("unexpected expired entry %+v", e)
	}
	if n := logCount(t, store); n != 3 {
		t.Fatalf("expected exactly one entry per attempt, got %d", n)
	}
}

func TestNotifyRejectsBadClientSignature(t *testing.T) {
	svc, store, _ := newTestService(t)

	_, err := svc.NotifyLogin(context.Background(), signedNotification("U123", nil, "wrong-secret"), Attempt{})
	if !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected ErrInvalidClientSignature, got %v", err)
	}
	e := lastEntry(t, store)
	if e.Outcome != OutcomeInvalidClientSignature {
		t.Fatalf("unexpected outcome %q", e.Outcome)
	}
	if e.UniqueID != UnknownUniqueID {
		t.Fatalf("unverified identity logged: %q", e.UniqueID)
	}
	if logCount(t, store) != 1 {
		t.Fatal("expected exactly one entry")
	}
}

func TestNotifyRequiresTimestamp(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()

	fields := url.Values{FieldUniqueID: {"U123"}}
	unstamped := Notification{Fields: fields, Signature: SignNotification(fields, testSecret)}
	if _, err := svc.NotifyLogin(ctx, unstamped, Attempt{}); !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected unstamped notification rejected, got %v", err)
	}
	if e := lastEntry(t, store); e.UniqueID != UnknownUniqueID {
		t.Fatalf("unexpected entry %+v", e)
	}

	// a captured notification stops working once the window has passed
	n := signedNotification("U123", nil, testSecret)
	if _, err := svc.NotifyLogin(ctx, n, Attempt{}); err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}
	clk.t = clk.t.Add(30 * 24 * time.Hour)
	if grant, err := svc.NotifyLogin(ctx, n, Attempt{}); !errors.Is(err, ErrInvalidClientSignature) || grant.Token != "" {
		t.Fatalf("expected replayed notification rejected, got %v", err)
	}

	garbled := signedNotification("U123", url.Values{FieldTimestamp: {"soon"}}, testSecret)
	if _, err := svc.NotifyLogin(ctx, garbled, Attempt{}); !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected non-numeric timestamp rejected, got %v", err)
	}
}

func TestNotifyAcceptsFieldsInSentOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	fields := url.Values{FieldUniqueID: {"U123"}, FieldTimestamp: {"1000"}, FieldEmail: {"u+x@example.com"}}
	order := []string{FieldUniqueID, FieldTimestamp, FieldEmail}
	payload := EncodeOrdered(fields, order)
	if payload != "unique_id=U123&timestamp=1000&email=u%2Bx%40example.com" {
		t.Fatalf("unexpected payload %q", payload)
	}
	sig := SignHex([]byte(payload), []byte(testSecret))

	if _, err := svc.NotifyLogin(ctx, Notification{Fields: fields, Order: order, Signature: sig}, Attempt{}); err != nil {
		t.Fatalf("sent-order signature rejected: %v", err)
	}
	if _, err := svc.NotifyLogin(ctx, Notification{Fields: fields, Signature: sig}, Attempt{}); !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected rejection without the sent order, got %v", err)
	}
	sorted := Notification{Fields: fields, Order: order, Signature: SignNotification(fields, testSecret)}
	if _, err := svc.NotifyLogin(ctx, sorted, Attempt{}); err != nil {
		t.Fatalf("sorted signature rejected: %v", err)
	}
}

func TestEncodeOrderedAppendsUnlistedKeysSorted(t *testing.T) {
	fields := url.Values{"b": {"2"}, "a": {"1"}, "z": {"x y"}, "m": {"3", "4"}}
	got := EncodeOrdered(fields, []string{"z", "missing", "z"})
	if got != "z=x+y&a=1&b=2&m=3&m=4" {
		t.Fatalf("unexpected encoding %q", got)
	}
}

func TestNotifyRejectsTamperedFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	n := signedNotification("U123", nil, testSecret)
	n.Fields.Set(FieldUniqueID, "U999")
	if _, err := svc.NotifyLogin(context.Background(), n, Attempt{}); !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected ErrInvalidClientSignature, got %v", err)
	}
}

func TestNotifyMissingSignature(t *testing.T) {
	svc, _, _ := newTestService(t)
	n := Notification{Fields: url.Values{FieldUniqueID: {"U123"}}}
	if _, err := svc.NotifyLogin(context.Background(), n, Attempt{}); !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected ErrInvalidClientSignature, got %v", err)
	}
}

func TestNotifyTimestampWindow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	fresh := signedNotification("U123", url.Values{FieldTimestamp: {"900"}}, testSecret)
	if _, err := svc.NotifyLogin(ctx, fresh, Attempt{}); err != nil {
		t.Fatalf("fresh notification rejected: %v", err)
	}
	stale := signedNotification("U123", url.Values{FieldTimestamp: {"600"}}, testSecret)
	if _, err := svc.NotifyLogin(ctx, stale, Attempt{}); !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected stale notification rejected, got %v", err)
	}
}

func TestNotifyUnknownAccount(t *testing.T) {
	svc, store, _ := newTestService(t)
	grant, err := svc.NotifyLogin(context.Background(), signedNotification("U404", nil, testSecret), Attempt{})
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if grant.Token != "" {
		t.Fatal("token issued for unknown account")
	}
	if e := lastEntry(t, store); e.Outcome != OutcomeUnknownAccount || e.UniqueID != "U404" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestNotifyProvisionsAccount(t *testing.T) {
	svc, store, _ := newTestService(t, WithProvisionOnNotify(true))
	ctx := context.Background()
	n := signedNotification("U777", url.Values{
		FieldSubaccountID: {"globex"},
		FieldEmail:        {"new@example.com"},
	}, testSecret)

	if _, err := svc.NotifyLogin(ctx, n, Attempt{}); err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}
	acct, err := store.Lookup(ctx, "U777")
	if err != nil || acct.SubaccountID != "globex" || acct.Email != "new@example.com" {
		t.Fatalf("account not provisioned: %+v, %v", acct, err)
	}
}

func TestNotifyProvisionAcceptsBridgeSubaccountField(t *testing.T) {
	svc, store, _ := newTestService(t, WithProvisionOnNotify(true))
	ctx := context.Background()
	n := signedNotification("U778", url.Values{FieldBridgeSubaccountID: {"initech"}}, testSecret)
	if _, err := svc.NotifyLogin(ctx, n, Attempt{}); err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}
	if acct, err := store.Lookup(ctx, "U778"); err != nil || acct.SubaccountID != "initech" {
		t.Fatalf("account not provisioned: %+v, %v", acct, err)
	}
}

func TestNotifyProvisionKeepsAbsentProfileFields(t *testing.T) {
	svc, store, _ := newTestService(t, WithProvisionOnNotify(true))
	ctx := context.Background()
	n := signedNotification("U123", url.Values{
		FieldSubaccountID: {"globex"},
		FieldFirstName:    {"Ada"},
	}, testSecret)
	if _, err := svc.NotifyLogin(ctx, n, Attempt{}); err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}
	acct, err := store.Lookup(ctx, "U123")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if acct.SubaccountID != "globex" || acct.Email != "u@example.com" || acct.FirstName != "Ada" {
		t.Fatalf("profile not merged: %+v", acct)
	}
}

func TestNotifyProvisionLeavesInactiveAccount(t *testing.T) {
	svc, store, _ := newTestService(t, WithProvisionOnNotify(true))
	ctx := context.Background()
	if err := store.Upsert(ctx, &Account{UniqueID: "U500", SubaccountID: "old", Email: "gone@example.com", Active: false}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	n := signedNotification("U500", url.Values{FieldSubaccountID: {"new"}}, testSecret)
	if _, err := svc.NotifyLogin(ctx, n, Attempt{}); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if _, err := store.Lookup(ctx, "U500"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deactivated account was reactivated: %v", err)
	}
}

func TestNotifyIgnoresSubaccountWithoutProvisioning(t *testing.T) {
	svc, store, _ := newTestService(t)
	n := signedNotification("U777", url.Values{FieldSubaccountID: {"globex"}}, testSecret)
	if _, err := svc.NotifyLogin(context.Background(), n, Attempt{}); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if _, err := store.Lookup(context.Background(), "U777"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("account must not be created: %v", err)
	}
}

func TestNotifyResolvesExplicitClient(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	if err := store.CreateClient(ctx, &ClientCredential{ClientID: "second", Secret: "second-secret", Active: true}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	// two active clients: the client must name itself
	if _, err := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{}); !errors.Is(err, ErrInvalidClientSignature) {
		t.Fatalf("expected ambiguity to be rejected, got %v", err)
	}
	n := signedNotification("U123", url.Values{FieldClientID: {"second"}}, "second-secret")
	grant, err := svc.NotifyLogin(ctx, n, Attempt{})
	if err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}
	if id, _ := PeekClientID(grant.Token); id != "second" {
		t.Fatalf("token bound to wrong client %q", id)
	}
	if _, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	grant, err := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{})
	if err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}

	foreign, _, _ := IssueToken(testClientID, "U123", DeriveTokenKey([]byte("other")), clk.t, 0)

	cases := []struct {
		name    string
		path    string
		token   string
		want    error
		outcome Outcome
	}{
		{"empty", "U123", "", ErrInvalidSignature, OutcomeInvalidSignature},
		{"garbage", "U123", "not-a-token", ErrInvalidSignature, OutcomeInvalidSignature},
		{"wrong key", "U123", foreign, ErrInvalidSignature, OutcomeInvalidSignature},
		{"path mismatch", "U999", grant.Token, ErrInvalidSignature, OutcomeInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tc.path, tc.token, Attempt{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if e := lastEntry(t, store); e.Outcome != tc.outcome {
				t.Fatalf("unexpected outcome %q", e.Outcome)
			}
		})
	}
}

func TestAuthenticateAccountRemovedAfterIssue(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	grant, err := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{})
	if err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}
	if err := store.Upsert(ctx, &Account{UniqueID: "U123", SubaccountID: "acme-corp", Active: false}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if e := lastEntry(t, store); e.Outcome != OutcomeNotFound {
		t.Fatalf("unexpected outcome %q", e.Outcome)
	}
}

func TestAuthenticateSingleUse(t *testing.T) {
	svc, store, _ := newTestService(t, WithSingleUseTokens(true))
	ctx := context.Background()
	grant, _ := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{})

	if _, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{}); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{}); !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}
	if e := lastEntry(t, store); e.Outcome != OutcomeReplayed {
		t.Fatalf("unexpected outcome %q", e.Outcome)
	}
}

func TestSingleUseTokenSurvivesFailedRedirect(t *testing.T) {
	svc, _, _ := newTestService(t, WithSingleUseTokens(true), WithAssertion("dest-secret", 0))
	ctx := context.Background()
	grant, err := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{})
	if err != nil {
		t.Fatalf("NotifyLogin: %v", err)
	}

	// an RSA method cannot sign with an HMAC secret
	svc.assertion.method = jwt.SigningMethodRS256
	if _, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{}); err == nil || errors.Is(err, ErrReplayed) {
		t.Fatalf("expected signing failure, got %v", err)
	}
	svc.assertion.method = jwt.SigningMethodHS256
	if _, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{}); err != nil {
		t.Fatalf("token burned by failed redirect: %v", err)
	}
}

func TestAuthenticateReusableByDefault(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	grant, _ := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{})
	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{}); err != nil {
			t.Fatalf("use %d: %v", i, err)
		}
	}
}

func TestAuthenticateWithLandingPathAndAssertion(t *testing.T) {
	svc, _, clk := newTestService(t,
		WithDestination(testDestURL, "/learner/courses/"),
		WithAssertion("dest-secret", time.Minute),
	)
	ctx := context.Background()
	grant, _ := svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{})
	red, err := svc.Authenticate(ctx, "U123", grant.Token, Attempt{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	u, err := url.Parse(red.URL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if u.Path != "/acme-corp/learner/courses" {
		t.Fatalf("unexpected path %q", u.Path)
	}
	claims, err := ParseAssertion(u.Query().Get("assertion"), "dest-secret", "lmsbridge", "acme-corp", clk.now)
	if err != nil {
		t.Fatalf("ParseAssertion: %v", err)
	}
	if claims.Subject != "U123" || claims.Email != "u@example.com" {
		t.Fatalf("unexpected assertion claims %+v", claims)
	}
}

func TestDestinationCallbackRecordsEntry(t *testing.T) {
	svc, store, _ := newTestService(t)
	svc.DestinationCallback(context.Background(), url.Values{"state": {"U123"}}, Attempt{SourceIP: "198.51.100.1"})
	e := lastEntry(t, store)
	if e.Flow != FlowDestinationCallback || e.UniqueID != "U123" || e.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected callback entry %+v", e)
	}
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Lookup(context.Context, string) (*Account, error) {
	return nil, errors.New("connection refused")
}

func TestStorageFailureIsRetryable(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	_ = mem.CreateClient(ctx, &ClientCredential{ClientID: testClientID, Secret: testSecret, Active: true})
	broken := brokenStore{mem}
	clk := &clock{t: time.Unix(1000, 0)}
	svc, err := NewService(broken, mem, mem, WithDestination(testDestURL, ""), WithClock(clk.now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = svc.NotifyLogin(ctx, signedNotification("U123", nil, testSecret), Attempt{})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if e := lastEntry(t, mem); e.Outcome != OutcomeStorageUnavailable {
		t.Fatalf("unexpected outcome %q", e.Outcome)
	}
}

func TestNewServiceRequiresDestination(t *testing.T) {
	store := NewMemoryStore()
	if _, err := NewService(store, store, store); err == nil {
		t.Fatal("expected error without destination")
	}
	if _, err := NewService(store, store, store, WithDestination("not a url", "")); err == nil {
		t.Fatal("expected error for relative destination")
	}
}

func TestEnsureClients(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	clients := []ClientCredential{{ClientID: "a", Secret: "s1", Active: true}}
	if err := EnsureClients(ctx, store, clients); err != nil {
		t.Fatalf("EnsureClients: %v", err)
	}
	if err := EnsureClients(ctx, store, clients); err != nil {
		t.Fatalf("EnsureClients unchanged: %v", err)
	}
	clients[0].Secret = "rotated"
	if err := EnsureClients(ctx, store, clients); err != nil {
		t.Fatalf("EnsureClients rotated: %v", err)
	}
	c, err := store.FindClient(ctx, "a")
	if err != nil || c.Secret != "rotated" {
		t.Fatalf("secret not rotated: %+v, %v", c, err)
	}
}
