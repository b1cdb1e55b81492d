// stores.go
//
// Shared mock implementations of the store-backed interfaces.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/boxgate/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MockRegistry implements token.Registry.
// Always stateful; use *Err fields to inject errors for specific operations.
type MockRegistry struct {
	SetErr    error
	GetErr    error
	DeleteErr error
	RevokeErr error

	Sessions map[string]store.RegisteredSession
	TTLs     map[string]time.Duration

	mu sync.Mutex
}

// NewMockRegistry returns an empty MockRegistry.
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{
		Sessions: make(map[string]store.RegisteredSession),
		TTLs:     make(map[string]time.Duration),
	}
}

func (m *MockRegistry) SetSession(_ context.Context, key string, sess store.RegisteredSession, ttl time.Duration) error {
	if m.SetErr != nil {
		return m.SetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[key] = sess
	m.TTLs[key] = ttl
	return nil
}

func (m *MockRegistry) GetSession(_ context.Context, key string) (*store.RegisteredSession, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.Sessions[key]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return &sess, nil
}

func (m *MockRegistry) DeleteSession(_ context.Context, key string) (bool, error) {
	if m.DeleteErr != nil {
		return false, m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Sessions[key]
	delete(m.Sessions, key)
	return ok, nil
}

func (m *MockRegistry) DeleteAccountSessions(_ context.Context, accountID string) (int, error) {
	if m.RevokeErr != nil {
		return 0, m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, sess := range m.Sessions {
		if sess.AccountID == accountID && strings.HasPrefix(k, "TOKEN-"+accountID+"-") {
			delete(m.Sessions, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of registered sessions.
func (m *MockRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// MockUsedTokens implements token.UsedTokens.
type MockUsedTokens struct {
	MarkErr error

	Used map[string]time.Duration

	mu sync.Mutex
}

func (m *MockUsedTokens) MarkTokenUsed(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if m.MarkErr != nil {
		return false, m.MarkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Used == nil {
		m.Used = make(map[string]time.Duration)
	}
	if _, ok := m.Used[jti]; ok {
		return false, nil
	}
	m.Used[jti] = ttl
	return true, nil
}

// MockAccountStore implements gateway.AccountStore.
type MockAccountStore struct {
	GetAccountErr     error
	UpdatePasswordErr error
	HealthErr         error

	Accounts map[string]*store.Account // keyed by username

	mu sync.Mutex
}

// NewMockAccountStore returns a MockAccountStore seeded with accounts, indexed by username.
func NewMockAccountStore(accounts ...*store.Account) *MockAccountStore {
	m := &MockAccountStore{Accounts: make(map[string]*store.Account)}
	for _, a := range accounts {
		m.Accounts[a.Username] = a
	}
	return m
}

func (m *MockAccountStore) CheckHealth(context.Context) error { return m.HealthErr }

func (m *MockAccountStore) GetAccountByUsername(_ context.Context, username string) (*store.Account, error) {
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockAccountStore) GetAccountByID(_ context.Context, id uuid.UUID) (*store.Account, error) {
	if m.GetAccountErr != nil {
		return nil, m.GetAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Accounts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockAccountStore) UpdateAccountPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Accounts {
		if a.ID == id {
			a.PasswordHash = passwordHash
			return nil
		}
	}
	return store.ErrNotFound
}

// DeliveryRecord mirrors one delivery_records row for MockDeliveryRecords.
type DeliveryRecord struct {
	IdempotencyKey string
	RecipientKey   string
	MessageID      string
	DeliveredAt    *time.Time
	CreatedAt      time.Time
}

// MockDeliveryRecords implements notify.DeliveryRecords.
type MockDeliveryRecords struct {
	ClaimErr         error
	AttachErr        error
	MarkDeliveredErr error

	Records map[string]*DeliveryRecord // keyed by idempotency key

	mu sync.Mutex
}

// NewMockDeliveryRecords returns an empty MockDeliveryRecords.
func NewMockDeliveryRecords() *MockDeliveryRecords {
	return &MockDeliveryRecords{Records: make(map[string]*DeliveryRecord)}
}

func (m *MockDeliveryRecords) ClaimDelivery(_ context.Context, key, recipient string) (bool, string, error) {
	if m.ClaimErr != nil {
		return false, "", m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.Records[key]; ok {
		return false, rec.MessageID, nil
	}
	m.Records[key] = &DeliveryRecord{IdempotencyKey: key, RecipientKey: recipient, CreatedAt: time.Now()}
	return true, "", nil
}

func (m *MockDeliveryRecords) AttachMessageID(_ context.Context, key, messageID string) error {
	if m.AttachErr != nil {
		return m.AttachErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.Records[key]; ok {
		rec.MessageID = messageID
	}
	return nil
}

func (m *MockDeliveryRecords) ReleaseDelivery(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.Records[key]; ok && rec.MessageID == "" {
		delete(m.Records, key)
	}
	return nil
}

func (m *MockDeliveryRecords) MarkDelivered(_ context.Context, recipient string, ids []string) (int64, error) {
	if m.MarkDeliveredErr != nil {
		return 0, m.MarkDeliveredErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for _, rec := range m.Records {
		if rec.RecipientKey != recipient || rec.DeliveredAt != nil {
			continue
		}
		for _, id := range ids {
			if rec.MessageID == id {
				rec.DeliveredAt = &now
				n++
				break
			}
		}
	}
	return n, nil
}

// Delivered reports whether the record for key has been stamped delivered.
func (m *MockDeliveryRecords) Delivered(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Records[key]
	return ok && rec.DeliveredAt != nil
}

// MockRateLimiter implements gateway.RateLimiter.
// Counts calls per key and rejects once Max is passed; Max zero allows everything.
type MockRateLimiter struct {
	AllowErr   error
	Max        int
	RetryAfter time.Duration

	Calls map[string]int

	mu sync.Mutex
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, _ store.RateLimit) (time.Duration, error) {
	if m.AllowErr != nil {
		return 0, m.AllowErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Calls == nil {
		m.Calls = make(map[string]int)
	}
	m.Calls[key]++
	if m.Max > 0 && m.Calls[key] > m.Max {
		return m.RetryAfter, store.ErrRateLimitExceeded
	}
	return 0, nil
}
