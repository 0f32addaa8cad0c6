package sso

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreUpsertKeepsCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	t1 := time.Unix(1000, 0)
	store.now = func() time.Time { return t1 }

	if err := store.Upsert(ctx, &Account{UniqueID: "U1", SubaccountID: "a", Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	store.now = func() time.Time { return t1.Add(time.Hour) }
	if err := store.Upsert(ctx, &Account{UniqueID: "U1", SubaccountID: "b", Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	acct, err := store.Lookup(ctx, "U1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if acct.SubaccountID != "b" || !acct.CreatedAt.Equal(t1) || !acct.UpdatedAt.Equal(t1.Add(time.Hour)) {
		t.Fatalf("unexpected account %+v", acct)
	}
}

func TestMemoryStoreRejectsInvalidAccount(t *testing.T) {
	store := NewMemoryStore()
	for _, a := range []*Account{nil, {UniqueID: "U1"}, {SubaccountID: "x"}} {
		if err := store.Upsert(context.Background(), a); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Upsert(%+v): expected ErrInvalidInput, got %v", a, err)
		}
	}
}

func TestMemoryStoreInactiveIsHiddenButExists(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Upsert(ctx, &Account{UniqueID: "U9", SubaccountID: "x", Active: false}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := store.Lookup(ctx, "U9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := store.Exists(ctx, "U9"); err != nil || !ok {
		t.Fatalf("Exists(U9) = %v, %v", ok, err)
	}
	if ok, _ := store.Exists(ctx, "nobody"); ok {
		t.Fatal("unexpected account")
	}
}

func TestMemoryStoreRecentNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, o := range []Outcome{OutcomeSuccess, OutcomeExpired, OutcomeNotFound} {
		if err := store.Append(ctx, &AccessLogEntry{Outcome: o}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	logs, _ := store.Recent(ctx, 2)
	if len(logs) != 2 || logs[0].Outcome != OutcomeNotFound || logs[1].Outcome != OutcomeExpired {
		t.Fatalf("unexpected order %+v", logs)
	}
}

func TestMemoryStoreClients(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.CreateClient(ctx, &ClientCredential{ClientID: "b", Secret: "s", Name: "beta", Active: true})
	_ = store.CreateClient(ctx, &ClientCredential{ClientID: "a", Secret: "s", Name: "alpha", Active: false})

	active, _ := store.ActiveClients(ctx)
	if len(active) != 1 || active[0].ClientID != "b" {
		t.Fatalf("unexpected active clients %+v", active)
	}
	c, err := store.FindClientByName(ctx, "alpha")
	if err != nil || c.ClientID != "a" {
		t.Fatalf("FindClientByName: %+v, %v", c, err)
	}
	if _, err := store.FindClient(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
