//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testPGStore(t *testing.T) *PGStore {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := NewPGStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPGStore: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

// testTable yields a unique logical table per test so runs never collide.
func testTable(t *testing.T, s *PGStore) string {
	t.Helper()

	table := "it_" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := s.Keys(ctx, table)
		if err != nil {
			return
		}
		for _, key := range keys {
			s.Delete(ctx, table, key)
		}
	})
	return table
}

func TestPGStoreRoundTrip(t *testing.T) {
	s := testPGStore(t)
	table := testTable(t, s)
	ctx := context.Background()

	if err := s.Set(ctx, table, "a", []byte("payload"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, table, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get = %q, want %q", got, "payload")
	}

	if err := s.Set(ctx, table, "a", []byte("updated"), 0); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, err = s.Get(ctx, table, "a")
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got) != "updated" {
		t.Errorf("Get after overwrite = %q, want %q", got, "updated")
	}
}

func TestPGStoreMissingKey(t *testing.T) {
	s := testPGStore(t)
	table := testTable(t, s)

	_, err := s.Get(context.Background(), table, "nope")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestPGStoreDelete(t *testing.T) {
	s := testPGStore(t)
	table := testTable(t, s)
	ctx := context.Background()

	if err := s.Set(ctx, table, "a", []byte("x"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, table, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, table, "a"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err after delete = %v, want ErrKeyNotFound", err)
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, table, "nope"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestPGStoreKeysScopedToTable(t *testing.T) {
	s := testPGStore(t)
	first := testTable(t, s)
	second := testTable(t, s)
	ctx := context.Background()

	s.Set(ctx, first, "b", []byte("1"), 0)
	s.Set(ctx, first, "a", []byte("2"), 0)
	s.Set(ctx, second, "c", []byte("3"), 0)

	keys, err := s.Keys(ctx, first)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys = %v, want [a b]", keys)
	}
}

func TestPGStoreTTLExpiry(t *testing.T) {
	s := testPGStore(t)
	table := testTable(t, s)
	ctx := context.Background()

	if err := s.Set(ctx, table, "fleeting", []byte("x"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := s.Get(ctx, table, "fleeting"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expired key still readable: %v", err)
	}

	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed < 1 {
		t.Errorf("Sweep removed %d rows, want at least 1", removed)
	}
}
