// Package retrieval is the knowledge-base boundary of the orchestrator. A
// Retriever answers a query with ranked snippets; Fetch bounds any Retriever
// with a timeout and classifies its failures.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/util"
)

// Collections known to the built-in knowledge base.
const (
	CollectionTechniques  = "techniques"
	CollectionEducation   = "education"
	CollectionReassurance = "reassurance"
	CollectionResources   = "resources"
)

// Query is one knowledge-base lookup.
type Query struct {
	Text       string
	Collection string
	// Scenario narrows results to items tagged for it; implementations retry
	// without it when nothing matches.
	Scenario models.Scenario
	TopK     int
}

// Retriever returns ranked snippets for a query. Implementations must return
// promptly once ctx is done.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]models.Snippet, error)
}

// Fetch runs r under timeout. A timeout is reported as models.ErrRetrievalTimeout
// and any other failure as models.ErrRetrieval; the call never blocks past the
// timeout even if r ignores its context. At most TopK snippets are returned.
func Fetch(ctx context.Context, r Retriever, q Query, timeout time.Duration) ([]models.Snippet, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no retriever configured", models.ErrRetrieval)
	}
	snippets, err := util.CallWithTimeout(ctx, timeout, func(ctx context.Context) ([]models.Snippet, error) {
		return r.Retrieve(ctx, q)
	})
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w after %v", models.ErrRetrievalTimeout, timeout)
	default:
		return nil, fmt.Errorf("%w: %v", models.ErrRetrieval, err)
	}
	if q.TopK > 0 && len(snippets) > q.TopK {
		snippets = snippets[:q.TopK]
	}
	return snippets, nil
}

// Static returns the same snippets for every query. A Static with no
// snippets is a valid "no knowledge base" retriever.
type Static struct {
	Snippets []models.Snippet
}

// Retrieve implements Retriever.
func (s Static) Retrieve(ctx context.Context, q Query) ([]models.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Snippet, len(s.Snippets))
	copy(out, s.Snippets)
	return out, nil
}
