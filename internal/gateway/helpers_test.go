// helpers_test.go

// Shared fixture for gateway tests: real token services and notification
// channel over the shared test key, mock account and session stores, and
// miniredis for streams and liveness.
package gateway

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/MGallo-Code/boxgate/internal/channel"
	"github.com/MGallo-Code/boxgate/internal/clock"
	"github.com/MGallo-Code/boxgate/internal/keyvault"
	"github.com/MGallo-Code/boxgate/internal/notify"
	"github.com/MGallo-Code/boxgate/internal/store"
	"github.com/MGallo-Code/boxgate/internal/testutil"
	"github.com/MGallo-Code/boxgate/internal/token"
)

const (
	testIssuer   = "https://box.local"
	testUser     = "admin"
	testPassword = "correct horse battery"
	testClient   = "client-a"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testPasswordHash is computed once; Argon2id at production cost is slow.
var testPasswordHash string

func passwordHash(t *testing.T) string {
	t.Helper()
	if testPasswordHash == "" {
		h, err := HashPassword(testPassword)
		if err != nil {
			t.Fatalf("hashing test password: %v", err)
		}
		testPasswordHash = h
	}
	return testPasswordHash
}

type fixture struct {
	h        *Handler
	vault    *keyvault.Vault
	clock    *clock.Fake
	mr       *miniredis.Miniredis
	registry *testutil.MockRegistry
	accounts *testutil.MockAccountStore
	records  *testutil.MockDeliveryRecords
	limiter  *testutil.MockRateLimiter
	account  *store.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vault := testutil.Vault(t)
	clk := clock.NewFake(testStart)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	acct := &store.Account{
		ID:           uuid.Must(uuid.NewV7()),
		Username:     testUser,
		PasswordHash: passwordHash(t),
	}
	accounts := testutil.NewMockAccountStore(acct)
	registry := testutil.NewMockRegistry()
	records := testutil.NewMockDeliveryRecords()
	limiter := &testutil.MockRateLimiter{}

	liveness := notify.NewLivenessTracker(store.NewRedisLiveness(rdb), time.Minute, clk)
	notifications := notify.NewChannel(
		store.NewRedisNotificationLog(rdb, 0), records, liveness,
		notify.Config{BlockSlice: 20 * time.Millisecond, MaxTimeout: 2 * time.Second}, clk,
	)

	h := &Handler{
		Accounts: accounts,
		Cache:    store.NewRedisStore(rdb),
		Vault:    vault,
		Channels: channel.NewEstablisher(vault, 24*time.Hour, clk),
		Tokens: token.NewService(vault, registry, token.Config{
			Issuer:     testIssuer,
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
		}, clk),
		Security:    token.NewSecurityService(vault, &testutil.MockUsedTokens{}, testIssuer, clk),
		Notify:      notifications,
		Liveness:    liveness,
		RL:          limiter,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
		SecurityTTL: 10 * time.Minute,
	}
	return &fixture{
		h: h, vault: vault, clock: clk, mr: mr,
		registry: registry, accounts: accounts, records: records, limiter: limiter,
		account: acct,
	}
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, channel.KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

// encryptHandshake builds what a terminal sends to POST /tokens.
func encryptHandshake(t *testing.T, v *keyvault.Vault, tempKey []byte, credential string) []byte {
	t.Helper()
	raw, err := json.Marshal(channel.Handshake{Key: tempKey, Credential: credential})
	if err != nil {
		t.Fatal(err)
	}
	ct, err := v.EncryptWithPublic(raw)
	if err != nil {
		t.Fatalf("encrypting handshake: %v", err)
	}
	return ct
}

func encrypt(t *testing.T, v *keyvault.Vault, plaintext string) []byte {
	t.Helper()
	ct, err := v.EncryptWithPublic([]byte(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	return ct
}

// jsonRequest builds a request with a JSON body and the test client header.
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(ClientIDHeader, testClient)
	return r
}

func withBearer(r *http.Request, tok string) *http.Request {
	r.Header.Set("Authorization", "Bearer "+tok)
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

// assertError checks status and the catalog code of an error response.
func assertError(t *testing.T, w *httptest.ResponseRecorder, wantStatus, wantCode int) {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("status: expected %d, got %d (body %s)", wantStatus, w.Code, w.Body.String())
	}
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	decodeBody(t, w, &body)
	if body.Code != wantCode {
		t.Errorf("code: expected %d, got %d (%q)", wantCode, body.Code, body.Message)
	}
}

// login runs POST /tokens and returns the decoded pair and the opened channel.
type loginResult struct {
	resp    tokenPairResponse
	channel *channel.Channel
}

func login(t *testing.T, fx *fixture) loginResult {
	t.Helper()
	tempKey := randomKey(t)
	w := httptest.NewRecorder()
	r := jsonRequest(t, http.MethodPost, "/tokens", map[string]any{
		"handshake": encryptHandshake(t, fx.vault, tempKey, testUser+":"+testPassword),
	})
	fx.h.IssueTokens(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp tokenPairResponse
	decodeBody(t, w, &resp)
	ch, err := channel.OpenSealed(tempKey, resp.Channel)
	if err != nil {
		t.Fatalf("login: opening channel: %v", err)
	}
	return loginResult{resp: resp, channel: ch}
}

// serveAuthed runs handler behind RequireAuth with tok as the bearer.
func serveAuthed(fx *fixture, handler http.HandlerFunc, r *http.Request, tok string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	fx.h.RequireAuth(handler).ServeHTTP(w, withBearer(r, tok))
	return w
}

func jsonBytes(v any) ([]byte, error) { return json.Marshal(v) }
