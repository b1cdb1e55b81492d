// password_test.go

// unit tests for HashPassword, VerifyPassword, and ValidatePassword.
package gateway

import (
	"strings"
	"testing"
)

func TestHashPassword(t *testing.T) {
	t.Run("output is PHC argon2id with default params", func(t *testing.T) {
		hash, err := HashPassword("correcthorsebatterystaple")
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		parts := strings.Split(hash, "$")
		if len(parts) != 6 {
			t.Fatalf("expected 6 parts, got %d: %q", len(parts), hash)
		}
		if parts[1] != "argon2id" || parts[2] != "v=19" || parts[3] != "m=65536,t=3,p=2" {
			t.Errorf("header: %q", strings.Join(parts[:4], "$"))
		}
	})

	t.Run("unique salts per call", func(t *testing.T) {
		h1, _ := HashPassword("same-password")
		h2, _ := HashPassword("same-password")
		if h1 == h2 {
			t.Error("two hashes of the same password should differ")
		}
	})
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correcthorsebatterystaple")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("correct password", func(t *testing.T) {
		ok, err := VerifyPassword("correcthorsebatterystaple", hash)
		if err != nil || !ok {
			t.Errorf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		ok, err := VerifyPassword("wrong", hash)
		if err != nil || ok {
			t.Errorf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("dummy hash parses", func(t *testing.T) {
		if _, err := VerifyPassword("anything", dummyPasswordHash); err != nil {
			t.Errorf("dummy hash: %v", err)
		}
	})

	malformed := map[string]string{
		"too few parts":   "$argon2id$v=19$m=65536,t=3,p=2$salt",
		"wrong algorithm": "$argon2i$v=19$m=65536,t=3,p=2$YWJj$YWJj",
		"wrong version":   "$argon2id$v=16$m=65536,t=3,p=2$YWJj$YWJj",
		"bad params":      "$argon2id$v=19$m=x,t=3,p=2$YWJj$YWJj",
		"bad salt":        "$argon2id$v=19$m=65536,t=3,p=2$!!!$YWJj",
		"bad hash":        "$argon2id$v=19$m=65536,t=3,p=2$YWJj$!!!",
	}
	for name, h := range malformed {
		t.Run(name, func(t *testing.T) {
			if _, err := VerifyPassword("pw", h); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	cases := map[string]string{
		"":                        "password required",
		"short":                   "password too short",
		strings.Repeat("a", 129):  "password too long",
		"has\x00control char":     "password contains invalid characters",
		"long enough passphrase":  "",
		"ünïcödé8":                "",
	}
	for pw, want := range cases {
		if got := ValidatePassword(pw); got != want {
			t.Errorf("ValidatePassword(%q): expected %q, got %q", pw, want, got)
		}
	}
}
