package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fakeClient keeps keys in a map and ignores expiry.
type fakeClient struct {
	mu   sync.Mutex
	keys map[string]string
	err  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{keys: map[string]string{}}
}

func (f *fakeClient) SetNX(ctx context.Context, key string, value any,
	expiration time.Duration) *redis.BoolCmd {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Eval(ctx context.Context, script string, keys []string,
	args ...any) *redis.Cmd {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.keys[keys[0]] == args[0].(string) {
		delete(f.keys, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestAcquireRelease(t *testing.T) {
	client := newFakeClient()
	m := New(&Config{Prefix: "reconcile:", Owner: "pod-a"}, client)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "batch-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Key() != "reconcile:batch-1" {
		t.Fatalf("unexpected key %s", l.Key())
	}
	if !strings.HasPrefix(client.keys[l.Key()], "pod-a/") {
		t.Fatalf("owner missing from token %q", client.keys[l.Key()])
	}

	if _, err := m.Acquire(ctx, "batch-1", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, "batch-1", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRelease_KeepsForeignLease(t *testing.T) {
	client := newFakeClient()
	m := New(&Config{Owner: "pod-a"}, client)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// our lease expired and another pod took the key
	client.keys["k"] = "pod-b/other"

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if client.keys["k"] != "pod-b/other" {
		t.Fatal("released a lease we don't own")
	}
}

func TestAcquire_RedisError(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("connection refused")
	m := New(&Config{}, client)

	_, err := m.Acquire(context.Background(), "k", time.Minute)
	if err == nil || errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected a redis error, got %v", err)
	}
}
