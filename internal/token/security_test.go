package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/clock"
	"github.com/MGallo-Code/boxgate/internal/testutil"
)

func newTestSecurity(t *testing.T) (*SecurityService, *testutil.MockUsedTokens, *clock.Fake) {
	t.Helper()
	used := &testutil.MockUsedTokens{}
	clk := clock.NewFake(testStart)
	return NewSecurityService(testutil.Vault(t), used, testIssuer, clk), used, clk
}

func TestSecurityTokenTypes(t *testing.T) {
	if len(SecurityTokenTypes) != 8 {
		t.Fatalf("expected 8 types, got %d", len(SecurityTokenTypes))
	}
	seen := map[SecurityTokenType]bool{}
	for _, typ := range SecurityTokenTypes {
		if !typ.Valid() || seen[typ] {
			t.Errorf("type %q invalid or duplicated", typ)
		}
		seen[typ] = true
	}
	if SecurityTokenType("root_shell").Valid() {
		t.Error("unknown type reported valid")
	}
}

func TestSecurityIssueVerify(t *testing.T) {
	svc, _, _ := newTestSecurity(t)

	for _, typ := range SecurityTokenTypes {
		t.Run(string(typ), func(t *testing.T) {
			tok, err := svc.Issue(typ, "client-a", 5*time.Minute, nil)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			v := svc.Verify(tok.Token, typ, "client-a")
			if v == nil {
				t.Fatal("Verify returned nil for a matching token")
			}
			if v.Type != typ || v.ClientID != "client-a" || v.TokenID == "" {
				t.Errorf("verified: %+v", v)
			}
			if !v.ExpiresAt.Equal(testStart.Add(5 * time.Minute)) {
				t.Errorf("expiry: %v", v.ExpiresAt)
			}
		})
	}
}

func TestSecurityVerifyRejects(t *testing.T) {
	svc, _, clk := newTestSecurity(t)
	tok, err := svc.Issue(PasswordReset, "client-a", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	if svc.Verify(tok.Token, DeviceBind, "client-a") != nil {
		t.Error("wrong type must not verify")
	}
	if svc.Verify(tok.Token, PasswordReset, "client-b") != nil {
		t.Error("wrong client must not verify")
	}
	if svc.Verify("junk", PasswordReset, "client-a") != nil {
		t.Error("junk must not verify")
	}

	other := NewSecurityService(testutil.Vault(t), nil, "https://elsewhere", clk)
	if other.Verify(tok.Token, PasswordReset, "client-a") != nil {
		t.Error("foreign issuer must not verify")
	}

	clk.Advance(time.Minute)
	if svc.Verify(tok.Token, PasswordReset, "client-a") != nil {
		t.Error("expired token must not verify")
	}
}

func TestSecurityClaimsAreOpaque(t *testing.T) {
	svc, _, _ := newTestSecurity(t)
	tok, err := svc.Issue(AdminTransfer, "client-secret-name", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := jwt.NewParser().DecodeSegment(strings.Split(tok.Token, ".")[1])
	if err != nil {
		t.Fatal(err)
	}
	for _, leak := range []string{"admin_transfer", "client-secret-name"} {
		if strings.Contains(string(payload), leak) {
			t.Errorf("payload reveals %q", leak)
		}
	}
}

func TestSecurityAccept(t *testing.T) {
	svc, _, _ := newTestSecurity(t)
	yes := true
	tok, err := svc.Issue(LoginConfirm, "client-a", time.Minute, &yes)
	if err != nil {
		t.Fatal(err)
	}
	v := svc.Verify(tok.Token, LoginConfirm, "client-a")
	if v == nil || v.Accept == nil || !*v.Accept {
		t.Fatalf("accept flag lost: %+v", v)
	}

	tok, _ = svc.Issue(LoginConfirm, "client-a", time.Minute, nil)
	if v := svc.Verify(tok.Token, LoginConfirm, "client-a"); v == nil || v.Accept != nil {
		t.Fatalf("absent accept should stay nil: %+v", v)
	}
}

func TestSecurityIssueValidation(t *testing.T) {
	svc, _, _ := newTestSecurity(t)
	tests := []struct {
		name   string
		typ    SecurityTokenType
		client string
		ttl    time.Duration
	}{
		{"unknown type", "root_shell", "client-a", time.Minute},
		{"empty client", PasswordReset, "", time.Minute},
		{"zero ttl", PasswordReset, "client-a", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Issue(tc.typ, tc.client, tc.ttl, nil)
			wantKind(t, err, apperr.KindInvalidRequest)
		})
	}
}

func TestSecurityConsume(t *testing.T) {
	ctx := context.Background()
	svc, used, _ := newTestSecurity(t)
	tok, err := svc.Issue(PasswordReset, "client-a", 5*time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	v, err := svc.Consume(ctx, tok.Token, PasswordReset, "client-a")
	if err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if used.Used[v.TokenID] != 5*time.Minute {
		t.Errorf("used marker ttl: got %s", used.Used[v.TokenID])
	}

	_, err = svc.Consume(ctx, tok.Token, PasswordReset, "client-a")
	// Both errors share a kind, so tell them apart by identity.
	if err != ErrSecurityTokenUsed || !errors.Is(err, apperr.ErrSecurityTokenRejected) {
		t.Fatalf("replay: expected ErrSecurityTokenUsed, got %v", err)
	}

	t.Run("rejected token", func(t *testing.T) {
		_, err := svc.Consume(ctx, tok.Token, DeviceUnbind, "client-a")
		if !errors.Is(err, apperr.ErrSecurityTokenRejected) || err == ErrSecurityTokenUsed {
			t.Fatalf("expected plain rejection, got %v", err)
		}
	})

	t.Run("store outage", func(t *testing.T) {
		fresh, _ := svc.Issue(PasswordReset, "client-a", time.Minute, nil)
		used.MarkErr = errors.New("redis down")
		defer func() { used.MarkErr = nil }()
		_, err := svc.Consume(ctx, fresh.Token, PasswordReset, "client-a")
		if err == nil {
			t.Fatal("expected error")
		}
		if _, ok := apperr.KindOf(err); ok {
			t.Errorf("outage should not be a catalog error: %v", err)
		}
	})
}

func TestSecurityExpiryFromFractionalSecond(t *testing.T) {
	clk := clock.NewFake(testStart.Add(600 * time.Millisecond))
	svc := NewSecurityService(testutil.Vault(t), &testutil.MockUsedTokens{}, testIssuer, clk)

	tok, err := svc.Issue(PasswordReset, "client-a", 3*time.Second, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !tok.IssuedAt.Equal(testStart) || tok.ExpiresAt.Sub(tok.IssuedAt) != 3*time.Second {
		t.Fatalf("iat %v exp %v", tok.IssuedAt, tok.ExpiresAt)
	}

	clk.Advance(2300 * time.Millisecond)
	if svc.Verify(tok.Token, PasswordReset, "client-a") == nil {
		t.Fatal("rejected before expiry")
	}
	clk.Advance(200 * time.Millisecond)
	if svc.Verify(tok.Token, PasswordReset, "client-a") != nil {
		t.Fatal("accepted after expiry")
	}
}

func TestSecurityAccountBinding(t *testing.T) {
	svc, _, _ := newTestSecurity(t)

	t.Run("bound token carries the account", func(t *testing.T) {
		tok, err := svc.IssueForAccount(PasswordReset, "client-a", "acct-1", time.Minute, nil)
		if err != nil {
			t.Fatalf("IssueForAccount: %v", err)
		}
		v := svc.Verify(tok.Token, PasswordReset, "client-a")
		if v == nil || v.AccountID != "acct-1" {
			t.Fatalf("verified: %+v", v)
		}
	})

	t.Run("unbound token has no account", func(t *testing.T) {
		tok, _ := svc.Issue(PasswordReset, "client-a", time.Minute, nil)
		v := svc.Verify(tok.Token, PasswordReset, "client-a")
		if v == nil || v.AccountID != "" {
			t.Fatalf("verified: %+v", v)
		}
	})
}
