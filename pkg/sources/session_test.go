package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSessionConcurrentGetLogsInOnce(t *testing.T) {
	var logins atomic.Int32
	release := make(chan struct{})
	s := NewSession("test", 0, func(ctx context.Context) (Credential, error) {
		n := logins.Add(1)
		<-release
		return Credential{Value: fmt.Sprintf("cookie-%d", n), Expiry: time.Now().Add(time.Hour)}, nil
	})

	const callers = 10
	start := make(chan struct{})
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			value, err := s.Get(context.Background())
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			results <- value
		}()
	}
	close(start)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if got := logins.Load(); got != 1 {
		t.Fatalf("expected one login, got %d", got)
	}
	for value := range results {
		if value != "cookie-1" {
			t.Fatalf("unexpected credential %q", value)
		}
	}
}

func TestSessionRenewsAfterExpiry(t *testing.T) {
	var logins atomic.Int32
	now := time.Unix(1000, 0)
	s := NewSession("test", 5*time.Minute, func(ctx context.Context) (Credential, error) {
		n := logins.Add(1)
		return Credential{Value: fmt.Sprintf("token-%d", n), Expiry: now.Add(time.Hour)}, nil
	})
	s.now = func() time.Time { return now }

	first, err := s.Get(context.Background())
	if err != nil || first != "token-1" {
		t.Fatalf("first get: %q %v", first, err)
	}
	now = now.Add(56 * time.Minute)
	second, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second != "token-2" {
		t.Fatalf("expected renewal inside the margin, got %q", second)
	}
}

func TestSessionRenewStaleOnlyOnce(t *testing.T) {
	var logins atomic.Int32
	s := NewSession("test", 0, func(ctx context.Context) (Credential, error) {
		n := logins.Add(1)
		return Credential{Value: fmt.Sprintf("c%d", n), Expiry: time.Now().Add(time.Hour)}, nil
	})
	ctx := context.Background()
	stale, _ := s.Get(ctx)

	fresh, err := s.Renew(ctx, stale)
	if err != nil || fresh != "c2" {
		t.Fatalf("renew: %q %v", fresh, err)
	}
	again, err := s.Renew(ctx, stale)
	if err != nil || again != "c2" {
		t.Fatalf("second renew with same stale value should reuse c2, got %q %v", again, err)
	}
	if got := logins.Load(); got != 2 {
		t.Fatalf("expected two logins, got %d", got)
	}
}

func TestSessionInvalidateIgnoresOtherValues(t *testing.T) {
	s := NewSession("test", 0, func(ctx context.Context) (Credential, error) {
		return Credential{Value: "live", Expiry: time.Now().Add(time.Hour)}, nil
	})
	ctx := context.Background()
	_, _ = s.Get(ctx)
	s.Invalidate("old")
	if s.current.Value != "live" {
		t.Fatalf("invalidate of a different value must keep the current credential")
	}
	s.Invalidate("live")
	if s.current.Value != "" {
		t.Fatalf("expected credential dropped")
	}
}

func TestSessionLoginErrorReachesEveryWaiter(t *testing.T) {
	boom := errors.New("bad password")
	s := NewSession("test", 0, func(ctx context.Context) (Credential, error) {
		time.Sleep(10 * time.Millisecond)
		return Credential{}, boom
	})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Get(context.Background()); !errors.Is(err, boom) {
				t.Errorf("expected login error, got %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestSessionCancelledCallerDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := NewSession("test", 0, func(ctx context.Context) (Credential, error) {
		<-release
		return Credential{Value: "late", Expiry: time.Now().Add(time.Hour)}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
