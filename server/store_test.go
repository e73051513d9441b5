package server

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// exerciseStore runs the behaviour every Store implementation shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	t.Run("nonce_single_use", func(t *testing.T) {
		n := AuthNonce{ID: NewID(), Binding: "b", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
		if err := store.SaveNonce(ctx, n); err != nil {
			t.Fatalf("save nonce: %v", err)
		}
		got, err := store.ConsumeNonce(ctx, n.ID)
		if err != nil {
			t.Fatalf("consume nonce: %v", err)
		}
		if got.Binding != "b" {
			t.Fatalf("binding mismatch: %q", got.Binding)
		}
		if _, err := store.ConsumeNonce(ctx, n.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second consume should fail with ErrNotFound, got %v", err)
		}
	})

	t.Run("nonce_unknown", func(t *testing.T) {
		if _, err := store.ConsumeNonce(ctx, "missing-"+NewID()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("nonce_empty_id", func(t *testing.T) {
		if err := store.SaveNonce(ctx, AuthNonce{ExpiresAt: now.Add(time.Minute)}); err == nil {
			t.Fatal("expected error for empty nonce id")
		}
	})

	t.Run("session_lifecycle", func(t *testing.T) {
		sess := Session{ID: NewID(), UserID: "u1", Provider: ProviderCognito, AuthTime: now, ExpiresAt: now.Add(time.Hour)}
		if err := store.SaveSession(ctx, sess); err != nil {
			t.Fatalf("save session: %v", err)
		}
		got, err := store.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if got.UserID != "u1" || got.Provider != ProviderCognito {
			t.Fatalf("unexpected session %+v", got)
		}
		if err := store.DeleteSession(ctx, sess.ID); err != nil {
			t.Fatalf("delete session: %v", err)
		}
		if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("session_expired", func(t *testing.T) {
		// Backends may refuse to store an already expired record.
		sess := Session{ID: NewID(), UserID: "u2", ExpiresAt: now.Add(-time.Second)}
		_ = store.SaveSession(ctx, sess)
		if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for expired session, got %v", err)
		}
	})

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestInMemoryStoreExpiresNonces(t *testing.T) {
	store := NewInMemoryStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	n := AuthNonce{ID: "n1", ExpiresAt: clock.Add(time.Minute)}
	if err := store.SaveNonce(ctx, n); err != nil {
		t.Fatalf("save nonce: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if _, err := store.ConsumeNonce(ctx, "n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired nonce should not redeem, got %v", err)
	}

	// Saving sweeps abandoned nonces.
	stale := AuthNonce{ID: "stale", ExpiresAt: clock.Add(time.Second)}
	_ = store.SaveNonce(ctx, stale)
	clock = clock.Add(time.Minute)
	_ = store.SaveNonce(ctx, AuthNonce{ID: "fresh", ExpiresAt: clock.Add(time.Minute)})
	if _, ok := store.nonces["stale"]; ok {
		t.Fatal("expired nonce was not swept")
	}
}

func TestInMemoryStoreSweepsExpiredSessions(t *testing.T) {
	store := NewInMemoryStore()
	clock := time.Now()
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := store.SaveSession(ctx, Session{ID: "old", UserID: "u1", ExpiresAt: clock.Add(time.Minute)}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	clock = clock.Add(2 * time.Minute)

	// Never read again, so only a later save can drop it.
	if err := store.SaveSession(ctx, Session{ID: "new", UserID: "u2", ExpiresAt: clock.Add(time.Hour)}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if _, ok := store.sessions["old"]; ok {
		t.Fatal("expired session was not swept")
	}
	if _, err := store.GetSession(ctx, "new"); err != nil {
		t.Fatalf("live session lost: %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	_ = store.SaveNonce(ctx, AuthNonce{ID: "n", ExpiresAt: clock.Add(time.Minute)})
	if len(store.sessions) != 0 {
		t.Fatalf("expected saving a nonce to sweep sessions too, %d left", len(store.sessions))
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("COGNITOGW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COGNITOGW_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := OpenRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "cognitogate-test:" + NewID() + ":"})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)

	n := AuthNonce{ID: NewID(), ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.SaveNonce(ctx, n); err != nil {
		t.Fatalf("save nonce: %v", err)
	}
	if err := store.SaveNonce(ctx, n); err == nil {
		t.Fatal("duplicate nonce id must be rejected")
	}
}
