package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MGallo-Code/boxgate/internal/clock"
	"github.com/MGallo-Code/boxgate/internal/store"
)

func TestLivenessTracker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	lt := NewLivenessTracker(store.NewRedisLiveness(rdb), time.Minute, clk)

	st, err := lt.Status(ctx, "client-a")
	if err != nil || st.Online {
		t.Fatalf("unknown client: %+v err=%v", st, err)
	}

	lt.SetOnline(ctx, "client-a")
	st, _ = lt.Status(ctx, "client-a")
	if !st.Online || !st.LastSeen.Equal(clk.Now()) {
		t.Fatalf("online: %+v", st)
	}

	t.Run("stale stamp reports offline", func(t *testing.T) {
		clk.Advance(2 * time.Minute)
		st, _ := lt.Status(ctx, "client-a")
		if st.Online || st.LastSeen.IsZero() {
			t.Fatalf("stale: %+v", st)
		}
	})

	t.Run("explicit offline", func(t *testing.T) {
		lt.SetOnline(ctx, "client-a")
		lt.SetOffline(ctx, "client-a")
		st, _ := lt.Status(ctx, "client-a")
		if st.Online {
			t.Fatalf("offline: %+v", st)
		}
	})
}
