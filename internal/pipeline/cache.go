package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sells-group/tender-cli/internal/model"
)

// LoadFunc fetches the documents of a case from storage.
type LoadFunc func(ctx context.Context, caseID string) ([]model.SourceDocument, error)

// DocumentCache holds the documents of cases being run. Concurrent loads of
// one case share a single storage read. A run forgets its case when it ends
// and a pending sweep clears the whole cache.
type DocumentCache struct {
	load  LoadFunc
	group singleflight.Group

	mu   sync.RWMutex
	docs map[string][]model.SourceDocument
}

// NewDocumentCache creates an empty cache over load.
func NewDocumentCache(load LoadFunc) *DocumentCache {
	return &DocumentCache{load: load, docs: make(map[string][]model.SourceDocument)}
}

// Get returns a copy of the documents of a case, loading them on a miss.
func (c *DocumentCache) Get(ctx context.Context, caseID string) ([]model.SourceDocument, error) {
	c.mu.RLock()
	docs, ok := c.docs[caseID]
	c.mu.RUnlock()
	if ok {
		return clone(docs), nil
	}

	v, err, _ := c.group.Do(caseID, func() (any, error) {
		loaded, err := c.load(ctx, caseID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.docs[caseID] = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]model.SourceDocument)), nil
}

// Forget drops one case, e.g. after a document was added to it.
func (c *DocumentCache) Forget(caseID string) {
	c.mu.Lock()
	delete(c.docs, caseID)
	c.mu.Unlock()
}

// Clear empties the cache.
func (c *DocumentCache) Clear() {
	c.mu.Lock()
	c.docs = make(map[string][]model.SourceDocument)
	c.mu.Unlock()
}

// Len returns the number of cached cases.
func (c *DocumentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

func clone(docs []model.SourceDocument) []model.SourceDocument {
	out := make([]model.SourceDocument, len(docs))
	copy(out, docs)
	return out
}
