package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"arisbot/internal/util"
	"arisbot/pkg/queue"
	"arisbot/pkg/sources/docindex"
)

const (
	defaultSearchTopK = 5
	maxSearchTopK     = 50
)

// KnowledgeStats summarizes the document index.
func (a *App) KnowledgeStats() (docindex.Stats, error) {
	if a.adapters.Knowledge == nil {
		return docindex.Stats{}, ErrNotConfigured
	}
	return a.adapters.Knowledge.Stats(), nil
}

// KnowledgeDocuments lists the indexed documents.
func (a *App) KnowledgeDocuments() ([]docindex.DocumentInfo, error) {
	if a.adapters.Knowledge == nil {
		return nil, ErrNotConfigured
	}
	return a.adapters.Knowledge.Documents(), nil
}

// SearchKnowledge runs a raw similarity search, without the score floor
// used for chat context.
func (a *App) SearchKnowledge(ctx context.Context, query string, topK int) ([]docindex.Result, error) {
	if a.adapters.Knowledge == nil {
		return nil, ErrNotConfigured
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query required")
	}
	if topK <= 0 {
		topK = defaultSearchTopK
	}
	if topK > maxSearchTopK {
		topK = maxSearchTopK
	}
	return a.adapters.Knowledge.Search(ctx, query, topK, 0)
}

// RequestReindex schedules a rebuild of the document index.
func (a *App) RequestReindex(ctx context.Context, reason string) (queue.JobStatus, error) {
	if a.adapters.Knowledge == nil || a.jobs == nil {
		return queue.JobStatus{}, ErrNotConfigured
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	job, err := a.jobs.Enqueue(ctx, reason)
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("enqueue reindex: %w", err)
	}
	return job, nil
}

// ReindexJob returns the status of a scheduled rebuild.
func (a *App) ReindexJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error) {
	if a.jobs == nil {
		return queue.JobStatus{}, false, ErrNotConfigured
	}
	return a.jobs.GetJob(ctx, jobID)
}

// RunReindex is the queue handler that rebuilds the index.
func (a *App) RunReindex(ctx context.Context, job queue.JobStatus) error {
	if a.adapters.Knowledge == nil {
		return ErrNotConfigured
	}
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "reason", job.Reason)
	res, err := a.adapters.Knowledge.Rebuild(ctx)
	if errors.Is(err, docindex.ErrIndexing) {
		logger.Info("reindex_skipped_running")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("reindex_done", "docs", res.Docs, "chunks", res.Chunks)
	return nil
}
