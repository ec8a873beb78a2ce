package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// all test ban and offense keys before returning. Tests that call this helper
// require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{BanPrefix + "test_*", OffensesPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestIsBanned_NotBanned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	banned, remaining, reason, err := store.IsBanned(ctx, "test_no_ban")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Errorf("expected not banned, got banned (remaining=%d reason=%q)", remaining, reason)
	}
}

func TestBanAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := "test_ban_check"

	if err := store.Ban(ctx, id, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	banned, remaining, reason, err := store.IsBanned(ctx, id)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true")
	}
	if reason != "spam" {
		t.Errorf("expected reason=%q, got %q", "spam", reason)
	}
	if remaining <= 0 || remaining > 30 {
		t.Errorf("expected remaining in (0,30], got %d", remaining)
	}
}

func TestUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := "test_unban"

	if err := store.Ban(ctx, id, time.Minute, "test"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	if err := store.Unban(ctx, id); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}

	banned, _, _, err := store.IsBanned(ctx, id)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if banned {
		t.Error("expected not banned after Unban()")
	}
}

// ---------------------------------------------------------------------------
// Escalation
// ---------------------------------------------------------------------------

func TestEscalationDuration(t *testing.T) {
	cases := []struct {
		count    int
		expected time.Duration
	}{
		{0, Ban15Min},
		{1, Ban15Min},
		{2, Ban1Hour},
		{3, Ban24Hour},
		{10, Ban24Hour},
	}
	for _, tc := range cases {
		if got := escalationDuration(tc.count); got != tc.expected {
			t.Errorf("escalationDuration(%d) = %v, want %v", tc.count, got, tc.expected)
		}
	}
}

func TestEscalate_Grows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := "test_escalate"

	want := []time.Duration{Ban15Min, Ban1Hour, Ban24Hour}
	for i, w := range want {
		got, err := store.Escalate(ctx, id, "abuse")
		if err != nil {
			t.Fatalf("Escalate() #%d error: %v", i+1, err)
		}
		if got != w {
			t.Errorf("offense %d: expected %v, got %v", i+1, w, got)
		}
	}

	banned, remaining, reason, err := store.IsBanned(ctx, id)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned || reason != "abuse" {
		t.Fatalf("expected banned with reason abuse, got banned=%v reason=%q", banned, reason)
	}
	if remaining < int(Ban24Hour.Seconds())-10 {
		t.Errorf("expected ~24h remaining, got %ds", remaining)
	}
}
