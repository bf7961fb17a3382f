package manager

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/core/paper"
	"github.com/papertrawl/papertrawl/pkg/dedup"
	"github.com/papertrawl/papertrawl/pkg/queue"
)

// SearchQueries runs several queries against one source and returns the
// deduplicated combination of their results.
func (m *Manager) SearchQueries(ctx context.Context, source string, queries []string, limit int) (dedup.Result, error) {
	specs := make([]SearchSpec, 0, len(queries))
	for _, query := range queries {
		specs = append(specs, SearchSpec{Source: source, Query: query, Limit: limit})
	}
	return m.runBatch(ctx, specs)
}

// SearchSources runs one query against several sources and returns the
// deduplicated combination, collapsing the records the sources share.
func (m *Manager) SearchSources(ctx context.Context, srcs []string, query string, limit int) (dedup.Result, error) {
	specs := make([]SearchSpec, 0, len(srcs))
	for _, source := range srcs {
		specs = append(specs, SearchSpec{Source: source, Query: query, Limit: limit})
	}
	return m.runBatch(ctx, specs)
}

// SearchMatrix runs every query against every source. The limit applies
// per (source, query) pair.
func (m *Manager) SearchMatrix(ctx context.Context, srcs []string, queries []string, limit int) (dedup.Result, error) {
	specs := make([]SearchSpec, 0, len(srcs)*len(queries))
	for _, source := range srcs {
		for _, query := range queries {
			specs = append(specs, SearchSpec{Source: source, Query: query, Limit: limit})
		}
	}
	return m.runBatch(ctx, specs)
}

// runBatch enqueues the specs, drains the queue, and deduplicates the
// combined results of the batch's completed tasks. Tasks that failed or
// were cancelled contribute nothing beyond a warning; partial corpora
// are normal in long acquisition runs.
func (m *Manager) runBatch(ctx context.Context, specs []SearchSpec) (dedup.Result, error) {
	ids, err := m.AddMultiple(specs)
	if err != nil {
		return dedup.Result{}, err
	}
	if err := m.RunAll(ctx, RunOptions{}); err != nil {
		return dedup.Result{}, err
	}

	var combined []paper.Paper
	for _, id := range ids {
		task, err := m.queue.Status(id)
		if err != nil {
			return dedup.Result{}, err
		}
		if task.Status != queue.StatusCompleted || task.QueryID == "" {
			m.log.WithFields(logrus.Fields{
				"task":   id,
				"source": task.Source,
				"status": task.Status,
				"error":  task.ErrorMessage,
			}).Warn("batch task did not complete")
			continue
		}
		papers, err := m.cache.PapersFor(ctx, task.QueryID)
		if err != nil {
			return dedup.Result{}, err
		}
		combined = append(combined, papers...)
	}
	return m.dedup.Deduplicate(combined)
}
