// Package aggregate fans a chat message out to the selected context sources
// and merges their fragments into one augmented system prompt.
package aggregate

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"arisbot/internal/util"
	"arisbot/pkg/domain"
	"arisbot/pkg/sources"
)

// DefaultTimeout bounds a single source fetch.
const DefaultTimeout = 20 * time.Second

// DefaultHistoryLimit caps the past messages surfaced per turn.
const DefaultHistoryLimit = 8

// Fetcher produces the fragment text for one invocation. An empty string
// with a nil error means the source had nothing relevant.
type Fetcher func(ctx context.Context, inv sources.Invocation) (string, error)

// HistorySearcher finds earlier messages of the same user.
type HistorySearcher interface {
	SearchMessages(query, userID, excludeConversationID string, limit int) ([]domain.PastMessage, error)
}

// Options tunes an Aggregator.
type Options struct {
	Timeout      time.Duration
	HistoryLimit int
}

// Aggregator runs the fetchers of one turn concurrently.
type Aggregator struct {
	fetchers     map[sources.Slot]Fetcher
	history      HistorySearcher
	timeout      time.Duration
	historyLimit int
}

// New builds an Aggregator. history may be nil to disable the history block.
func New(fetchers map[sources.Slot]Fetcher, history HistorySearcher, opts Options) *Aggregator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Aggregator{
		fetchers:     fetchers,
		history:      history,
		timeout:      opts.Timeout,
		historyLimit: opts.HistoryLimit,
	}
}

// Request is the input of one aggregation round.
type Request struct {
	Message        string
	UserID         string
	ConversationID string
	BasePrompt     string
	Profile        Profile
	Invocations    []sources.Invocation
	// SearchHistory enables the cross-conversation block.
	SearchHistory bool
}

// Prompt is the augmented system prompt plus what went into it.
type Prompt struct {
	Text        string
	Sources     []string
	Fragments   []sources.Fragment
	HistoryUsed bool
}

// Build fetches every invocation and renders the augmented prompt. It never
// fails: source errors and timeouts only drop that source's fragment.
func (a *Aggregator) Build(ctx context.Context, req Request) Prompt {
	fragments := a.fetchAll(ctx, req.Invocations)

	var b strings.Builder
	b.WriteString(SystemPrompt(req.BasePrompt, req.Profile))

	labels := make([]string, 0, len(fragments))
	for _, f := range fragments {
		labels = append(labels, f.Label)
	}
	if len(fragments) > 0 {
		b.WriteString(priorityHeader(labels))
	} else {
		b.WriteString(NoSourcesHeader)
	}
	for _, f := range fragments {
		b.WriteString(f.Text)
	}

	out := Prompt{Sources: labels, Fragments: fragments}
	if req.SearchHistory && a.history != nil {
		past, err := a.history.SearchMessages(strings.TrimSpace(req.Message), req.UserID, req.ConversationID, a.historyLimit)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("history_search_failed", "err", err)
		} else if len(past) > 0 {
			b.WriteString(historyBlock(past))
			out.HistoryUsed = true
		}
	}
	out.Text = b.String()
	return out
}

// fetchAll returns the non-empty fragments in slot rank order regardless of
// completion order.
func (a *Aggregator) fetchAll(ctx context.Context, invs []sources.Invocation) []sources.Fragment {
	results := make([]string, len(invs))
	logger := util.LoggerFromContext(ctx)

	var g errgroup.Group
	for i, inv := range invs {
		i, inv := i, inv
		fetch, ok := a.fetchers[inv.Slot]
		if !ok {
			continue
		}
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			start := time.Now()
			text, err := fetch(fctx, inv)
			sourceFetchDuration.WithLabelValues(inv.Slot.String()).Observe(time.Since(start).Seconds())
			sourceFetchTotal.WithLabelValues(inv.Slot.String(), fetchOutcome(text, err)).Inc()
			switch {
			case err == nil:
				results[i] = text
			case errors.Is(err, sources.ErrNotConfigured):
			default:
				logger.Warn("source_fetch_failed",
					"source", string(inv.Slot.Source()),
					"slot", inv.Slot.String(),
					"duration_ms", time.Since(start).Milliseconds(),
					"err", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	var fragments []sources.Fragment
	for _, slot := range sources.Slots {
		for i, inv := range invs {
			if inv.Slot != slot || results[i] == "" {
				continue
			}
			fragments = append(fragments, sources.Fragment{Slot: slot, Label: slot.Label(), Text: results[i]})
		}
	}
	return fragments
}

func fetchOutcome(text string, err error) string {
	switch {
	case errors.Is(err, sources.ErrNotConfigured):
		return outcomeNotConfigured
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	case err != nil:
		return outcomeError
	case text == "":
		return outcomeEmpty
	}
	return outcomeFragment
}
