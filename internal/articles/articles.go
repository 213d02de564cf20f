// Package articles keeps the latest usable record per article number. It is
// fed from completed job events and read by the API.
package articles

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/product-capture/internal/product"
	"github.com/JakeFAU/product-capture/internal/progress"
)

// Entry is the stored view of one article.
type Entry struct {
	ArticleNumber string               `json:"article_number"`
	JobID         string               `json:"job_id"`
	URL           string               `json:"url,omitempty"`
	Record        product.MergedRecord `json:"record"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Index maps article numbers to their newest record.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Key normalizes an article number for lookup.
func Key(articleNumber string) string {
	return strings.ToUpper(strings.Join(strings.Fields(articleNumber), ""))
}

// Put stores rec unless it is unusable or older than what is already held.
func (i *Index) Put(jobID, url string, rec product.MergedRecord, at time.Time) bool {
	if !rec.Usable() {
		return false
	}
	key := Key(rec.ArticleNumber)
	i.mu.Lock()
	defer i.mu.Unlock()
	if cur, ok := i.entries[key]; ok && cur.UpdatedAt.After(at) {
		return false
	}
	i.entries[key] = Entry{
		ArticleNumber: rec.ArticleNumber,
		JobID:         jobID,
		URL:           url,
		Record:        rec,
		UpdatedAt:     at,
	}
	return true
}

// Get looks up an article number.
func (i *Index) Get(articleNumber string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[Key(articleNumber)]
	return e, ok
}

// List returns every entry ordered by article number.
func (i *Index) List() []Entry {
	i.mu.RLock()
	out := make([]Entry, 0, len(i.entries))
	for _, e := range i.entries {
		out = append(out, e)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return Key(out[a].ArticleNumber) < Key(out[b].ArticleNumber) })
	return out
}

// Consume implements progress.Sink by indexing completed jobs.
func (i *Index) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Kind != progress.KindJobCompleted || evt.Result == nil {
			continue
		}
		i.Put(evt.JobID, evt.Name, *evt.Result, evt.TS)
	}
	return nil
}

// Close implements progress.Sink.
func (i *Index) Close(context.Context) error {
	return nil
}
