package store

import (
	"context"
	"testing"
	"time"
)

func TestLiveness(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	lv := NewRedisLiveness(rdb)

	if _, ok, err := lv.LastSeen(ctx, "client-a"); err != nil || ok {
		t.Fatalf("unknown client: ok=%v err=%v", ok, err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := lv.SetOnline(ctx, "client-a", at); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	got, ok, err := lv.LastSeen(ctx, "client-a")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("online: at=%v ok=%v err=%v", got, ok, err)
	}

	if err := lv.SetOffline(ctx, "client-a"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	if _, ok, _ := lv.LastSeen(ctx, "client-a"); ok {
		t.Error("client should be offline")
	}
}
