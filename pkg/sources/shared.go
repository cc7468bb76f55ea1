package sources

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFillTimeout bounds a shared fill that no caller owns any more.
const DefaultFillTimeout = time.Minute

// Fill runs fn once for every concurrent caller asking for key. The fill
// ignores cancellation of the caller that started it and is bounded by
// timeout instead; each caller stops waiting when its own ctx ends.
func Fill(ctx context.Context, group *singleflight.Group, key string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		timeout = DefaultFillTimeout
	}
	fillCtx := context.WithoutCancel(ctx)
	ch := group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(fillCtx, timeout)
		defer cancel()
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Count is one bucket of a stats breakdown.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Counter tallies keys in first-seen order. Empty keys are ignored.
type Counter struct {
	order []string
	n     map[string]int
}

func (c *Counter) Add(key string) {
	if key == "" {
		return
	}
	if c.n == nil {
		c.n = make(map[string]int)
	}
	if _, ok := c.n[key]; !ok {
		c.order = append(c.order, key)
	}
	c.n[key]++
}

// Counts returns the buckets in first-seen order.
func (c *Counter) Counts() []Count {
	out := make([]Count, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, Count{Name: key, Count: c.n[key]})
	}
	return out
}
