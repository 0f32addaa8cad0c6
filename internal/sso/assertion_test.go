package sso

import (
	"testing"
	"time"
)

func TestAssertionSignerDisabledWithoutSecret(t *testing.T) {
	if NewAssertionSigner("  ", "", 0, nil) != nil {
		t.Fatal("expected nil signer for empty secret")
	}
}

func TestAssertionAudienceAndExpiry(t *testing.T) {
	now := time.Unix(5000, 0)
	clk := func() time.Time { return now }
	s := NewAssertionSigner("dest-secret", "bridge", time.Minute, clk)
	acct := &Account{UniqueID: "U1", SubaccountID: "acme", FirstName: "Ada"}

	tok, err := s.Sign(acct)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := ParseAssertion(tok, "dest-secret", "bridge", "acme", clk)
	if err != nil {
		t.Fatalf("ParseAssertion: %v", err)
	}
	if claims.Subject != "U1" || claims.FirstName != "Ada" || claims.ID == "" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := ParseAssertion(tok, "dest-secret", "bridge", "other", clk); err == nil {
		t.Fatal("accepted assertion for another subaccount")
	}
	if _, err := ParseAssertion(tok, "wrong", "bridge", "acme", clk); err == nil {
		t.Fatal("accepted assertion under wrong secret")
	}
	later := func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := ParseAssertion(tok, "dest-secret", "bridge", "acme", later); err == nil {
		t.Fatal("accepted expired assertion")
	}
}
