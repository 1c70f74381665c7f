package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

// InMemoryGateway keeps memories in process. Relevance is word overlap
// between the query and the stored text.
type InMemoryGateway struct {
	mu      sync.RWMutex
	records []statex.MemoryRecord
	now     func() time.Time
}

var _ contractx.MemoryGateway = (*InMemoryGateway)(nil)

func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{now: time.Now}
}

func (g *InMemoryGateway) Retrieve(_ context.Context, userID, query string, limit int) ([]statex.MemoryRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	terms := words(query)
	var out []statex.MemoryRecord
	for _, r := range g.records {
		if r.UserID != userID {
			continue
		}
		r.RelevanceScore = overlap(terms, words(r.Text))
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *InMemoryGateway) Store(_ context.Context, userID, summary string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = append(g.records, statex.MemoryRecord{
		UserID:    userID,
		Text:      summary,
		CreatedAt: g.now().UTC(),
	})
	return nil
}

func words(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if _, ok := doc[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// Noop remembers nothing.
type Noop struct{}

var _ contractx.MemoryGateway = Noop{}

func (Noop) Retrieve(context.Context, string, string, int) ([]statex.MemoryRecord, error) {
	return nil, nil
}

func (Noop) Store(context.Context, string, string) error {
	return nil
}
