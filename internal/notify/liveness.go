package notify

import (
	"context"
	"time"

	"github.com/MGallo-Code/boxgate/internal/clock"
)

// LivenessStore persists last-seen stamps. Satisfied by *store.RedisLiveness.
type LivenessStore interface {
	SetOnline(ctx context.Context, clientID string, at time.Time) error
	SetOffline(ctx context.Context, clientID string) error
	LastSeen(ctx context.Context, clientID string) (at time.Time, ok bool, err error)
}

// Status is a client's liveness as reported to callers.
type Status struct {
	ClientID string    `json:"client_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// LivenessTracker records when clients last completed a poll.
type LivenessTracker struct {
	store      LivenessStore
	clock      clock.Clock
	staleAfter time.Duration
}

// NewLivenessTracker returns a tracker. A client whose last poll is older
// than staleAfter reports offline; zero disables the staleness check.
func NewLivenessTracker(s LivenessStore, staleAfter time.Duration, c clock.Clock) *LivenessTracker {
	if c == nil {
		c = clock.Real()
	}
	return &LivenessTracker{store: s, clock: c, staleAfter: staleAfter}
}

// SetOnline stamps clientID with the current time.
func (t *LivenessTracker) SetOnline(ctx context.Context, clientID string) error {
	return t.store.SetOnline(ctx, clientID, t.clock.Now())
}

// SetOffline marks clientID offline.
func (t *LivenessTracker) SetOffline(ctx context.Context, clientID string) error {
	return t.store.SetOffline(ctx, clientID)
}

// Status reports whether clientID is online and when it was last seen.
func (t *LivenessTracker) Status(ctx context.Context, clientID string) (Status, error) {
	at, ok, err := t.store.LastSeen(ctx, clientID)
	if err != nil {
		return Status{}, err
	}
	st := Status{ClientID: clientID, Online: ok}
	if ok {
		st.LastSeen = at
		if t.staleAfter > 0 && t.clock.Now().Sub(at) > t.staleAfter {
			st.Online = false
		}
	}
	return st, nil
}
