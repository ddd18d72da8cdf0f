package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/stepflow/agent"
)

// fakeRunCollection is an in-memory runCollection with the same ordering
// and matching rules as the driver-backed collection.
type fakeRunCollection struct {
	mu       sync.Mutex
	docs     map[string]runDocument
	indexed  bool
	indexErr error
}

func newFakeRunCollection() *fakeRunCollection {
	return &fakeRunCollection{docs: make(map[string]runDocument)}
}

func (c *fakeRunCollection) upsert(_ context.Context, doc runDocument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[doc.RunID] = doc
	return nil
}

func (c *fakeRunCollection) findOne(_ context.Context, runID string) (runDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[runID]
	if !ok {
		return runDocument{}, ErrNotFound
	}
	return doc, nil
}

func (c *fakeRunCollection) find(_ context.Context, filter agent.RunFilter) ([]runDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []runDocument
	for _, doc := range c.docs {
		if filter.RecipeID != "" && doc.RecipeID != filter.RecipeID {
			continue
		}
		if filter.Status != "" && doc.Status != string(filter.Status) {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (c *fakeRunCollection) deleteOne(_ context.Context, runID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[runID]; !ok {
		return 0, nil
	}
	delete(c.docs, runID)
	return 1, nil
}

func (c *fakeRunCollection) deleteExpired(_ context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for id, doc := range c.docs {
		if agent.RunStatus(doc.Status).IsTerminal() && doc.UpdatedAt.Before(before) {
			delete(c.docs, id)
			n++
		}
	}
	return n, nil
}

func (c *fakeRunCollection) ensureIndexes(context.Context) error {
	if c.indexErr != nil {
		return c.indexErr
	}
	c.indexed = true
	return nil
}
