package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/kv"
)

var _ kv.Store = (*Store)(nil)

func openStore(t *testing.T) *Store {
	t.Helper()
	u := os.Getenv("WARDEN_TEST_REDIS_URL")
	if u == "" {
		t.Skip("WARDEN_TEST_REDIS_URL not set, skipping integration test")
	}
	s, err := New(context.Background(), u)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"job:", "job:"},
		{"a*b", `a\*b`},
		{"q?[x]", `q\?\[x\]`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetGetDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	key := "warden-test:" + ulid.Make().String()
	t.Cleanup(func() { _ = s.Delete(context.Background(), key) })

	if err := s.Set(ctx, key, []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if string(got) != "v1" {
		t.Errorf("value = %q, want v1", got)
	}

	if err := s.Set(ctx, key, []byte("v2"), time.Minute); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, _, _ = s.Get(ctx, key)
	if string(got) != "v2" {
		t.Errorf("value after overwrite = %q, want v2", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := s.Get(ctx, key); ok || err != nil {
		t.Errorf("Get after delete = %v, %v; want false, nil", ok, err)
	}
}

func TestKeys(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	prefix := "warden-test-keys:" + ulid.Make().String() + ":"
	for _, k := range []string{"b", "a"} {
		if err := s.Set(ctx, prefix+k, []byte("1"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		t.Cleanup(func() { _ = s.Delete(context.Background(), prefix+k) })
	}

	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != prefix+"a" {
		t.Errorf("Keys = %v", keys)
	}
}
