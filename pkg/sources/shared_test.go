package sources

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/singleflight"
)

func TestFillSurvivesStarterCancel(t *testing.T) {
	var group singleflight.Group
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fill := func(ctx context.Context) (any, error) {
		runs.Add(1)
		close(started)
		select {
		case <-release:
			return "value", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := Fill(ctxA, &group, "k", time.Second, fill)
		errA <- err
	}()
	<-started

	valB := make(chan any, 1)
	go func() {
		v, err := Fill(context.Background(), &group, "k", time.Second, fill)
		if err != nil {
			t.Errorf("live waiter: %v", err)
		}
		valB <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	close(release)
	if v := <-valB; v != "value" {
		t.Fatalf("unexpected value %v", v)
	}
	if runs.Load() != 1 {
		t.Fatalf("expected one shared run, got %d", runs.Load())
	}
}

func TestFillTimeout(t *testing.T) {
	var group singleflight.Group
	_, err := Fill(context.Background(), &group, "k", 10*time.Millisecond, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestCounterFirstSeenOrder(t *testing.T) {
	var c Counter
	for _, k := range []string{"b", "a", "", "b"} {
		c.Add(k)
	}
	got := c.Counts()
	if len(got) != 2 || got[0] != (Count{Name: "b", Count: 2}) || got[1] != (Count{Name: "a", Count: 1}) {
		t.Fatalf("unexpected counts %+v", got)
	}
}
