package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-latch/v1/lock"
)

func TestNewInMemoryStandalone(t *testing.T) {
	l, err := NewInMemoryStandalone("stock:42")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	token, err := l.Acquire(ctx, 0, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, 0, time.Minute); !errors.Is(err, lock.ErrAcquireTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !l.Release(ctx, token) {
		t.Fatal("release failed")
	}
}

func TestNewInMemoryStandaloneRejectsEmptyKey(t *testing.T) {
	if _, err := NewInMemoryStandalone(""); !errors.Is(err, lock.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	l, closeFn, err := NewRedis(RedisOptions{Addr: mr.Addr()}, "stock:42")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closeFn()
	ctx := context.Background()

	token, err := l.Acquire(ctx, time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got, _ := mr.Get("stock:42"); got != token {
		t.Fatalf("redis holds %q, want %q", got, token)
	}
	if !l.Release(ctx, token) {
		t.Fatal("release failed")
	}
	if mr.Exists("stock:42") {
		t.Fatal("key still present")
	}
}

func TestNewRedisWithoutBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	l, closeFn, err := NewRedis(RedisOptions{Addr: mr.Addr(), DisableBus: true}, "stock:42")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	token, err := l.Acquire(context.Background(), 0, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.Release(context.Background(), token) {
		t.Fatal("release failed")
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
