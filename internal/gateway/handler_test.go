package gateway

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/store"
)

// --- CheckHealth ---

func TestCheckHealth(t *testing.T) {
	health := func(fx *fixture) (int, string) {
		w := httptest.NewRecorder()
		fx.h.CheckHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		return w.Code, strings.TrimSpace(w.Body.String())
	}

	t.Run("both up returns 200", func(t *testing.T) {
		code, body := health(newFixture(t))
		if code != http.StatusOK || body != `{"postgres":"ok","redis":"ok"}` {
			t.Errorf("got %d %s", code, body)
		}
	})

	t.Run("postgres down returns 503", func(t *testing.T) {
		fx := newFixture(t)
		fx.accounts.HealthErr = errors.New("connection refused")
		code, body := health(fx)
		if code != http.StatusServiceUnavailable || body != `{"postgres":"error","redis":"ok"}` {
			t.Errorf("got %d %s", code, body)
		}
	})

	t.Run("redis down returns 503", func(t *testing.T) {
		fx := newFixture(t)
		fx.mr.Close()
		code, body := health(fx)
		if code != http.StatusServiceUnavailable || body != `{"postgres":"ok","redis":"error"}` {
			t.Errorf("got %d %s", code, body)
		}
	})
}

// --- PublicKey ---

func TestPublicKey(t *testing.T) {
	fx := newFixture(t)
	w := httptest.NewRecorder()

	fx.h.PublicKey(w, httptest.NewRequest(http.MethodGet, "/keys/public", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	var body struct {
		Algorithm       string `json:"algorithm"`
		KeyExchange     string `json:"key_exchange"`
		SignatureMethod string `json:"signature_method"`
		KeyID           string `json:"key_id"`
		KeySize         int    `json:"key_size"`
		PublicKey       string `json:"public_key"`
	}
	decodeBody(t, w, &body)
	if body.Algorithm != "RSA" || body.KeyExchange != "RSA-OAEP-256" || body.SignatureMethod != "RS256" {
		t.Errorf("metadata: %+v", body)
	}
	if body.KeySize != 2048 || body.KeyID != fx.vault.KeyID() {
		t.Errorf("key size %d id %q", body.KeySize, body.KeyID)
	}
	block, _ := pem.Decode([]byte(body.PublicKey))
	if block == nil {
		t.Fatal("public_key is not PEM")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Errorf("public_key does not parse: %v", err)
	}
}

// --- WriteError / TooManyRequests ---

func TestWriteError(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantBody   string
		wantRetry  string
	}{
		{apperr.ErrExpiredToken, 401, `{"code":4011,"message":"token expired"}`, ""},
		{fmt.Errorf("verify: %w", apperr.ErrClientMismatch), 401, `{"code":4012,"message":"token does not belong to this client"}`, ""},
		{apperr.Wrap(apperr.KindCrypto, errors.New("oaep: decryption error")), 400, `{"code":4000,"message":"cryptographic operation failed"}`, ""},
		{apperr.ErrSecurityTokenRejected, 403, `{"code":4030,"message":"security token rejected"}`, ""},
		{fmt.Errorf("allow: %w", store.ErrRateLimitExceeded), 429, `{"code":4290,"message":"too many requests"}`, "1"},
		{errors.New("dial tcp: refused"), 500, `{"message":"internal server error"}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
			if w.Code != tc.wantStatus {
				t.Errorf("status: expected %d, got %d", tc.wantStatus, w.Code)
			}
			if got := strings.TrimSpace(w.Body.String()); got != tc.wantBody {
				t.Errorf("body: expected %s, got %s", tc.wantBody, got)
			}
			if got := w.Header().Get("Retry-After"); got != tc.wantRetry {
				t.Errorf("Retry-After: expected %q, got %q", tc.wantRetry, got)
			}
		})
	}
}

func TestTooManyRequests(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "1",
		300 * time.Millisecond:  "1",
		time.Second:             "1",
		1001 * time.Millisecond: "2",
		42 * time.Second:        "42",
	}
	for d, want := range cases {
		w := httptest.NewRecorder()
		TooManyRequests(w, d)
		if got := w.Header().Get("Retry-After"); got != want {
			t.Errorf("%v: Retry-After expected %s, got %s", d, want, got)
		}
		if !strings.Contains(w.Body.String(), `"code":4290`) || !strings.Contains(w.Body.String(), "retry in "+want+"s") {
			t.Errorf("%v: body %s", d, w.Body.String())
		}
	}
}
