package retrieval

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

// Item is one knowledge-base entry.
type Item struct {
	ID         string            `yaml:"id"`
	Collection string            `yaml:"collection"`
	Scenarios  []models.Scenario `yaml:"scenarios"`
	Text       string            `yaml:"text"`
	Keywords   []string          `yaml:"keywords"`
}

type knowledgeDoc struct {
	Items []Item `yaml:"items"`
}

type indexedItem struct {
	Item
	terms map[string]bool
}

// Index is an in-memory keyword index over knowledge items. Scores are the
// cosine similarity of query and item term sets. It is immutable once built
// and safe for concurrent use.
type Index struct {
	byCollection map[string][]indexedItem
	size         int
}

// Default returns the index built from the embedded knowledge base.
func Default() (*Index, error) {
	return Parse(defaultKnowledge)
}

// LoadFile builds an index from a YAML knowledge file.
func LoadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	return Parse(data)
}

// Parse builds an index from YAML. Items without an id, collection or text
// are skipped with a warning.
func Parse(data []byte) (*Index, error) {
	var doc knowledgeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	return NewIndex(doc.Items...), nil
}

// NewIndex indexes items.
func NewIndex(items ...Item) *Index {
	idx := &Index{byCollection: make(map[string][]indexedItem)}
	seen := make(map[string]bool)
	for _, it := range items {
		if it.ID == "" || it.Collection == "" || strings.TrimSpace(it.Text) == "" {
			slog.Warn("Index.NewIndex: skipping incomplete knowledge item", "id", it.ID, "collection", it.Collection)
			continue
		}
		if seen[it.ID] {
			slog.Warn("Index.NewIndex: skipping duplicate knowledge item", "id", it.ID)
			continue
		}
		seen[it.ID] = true
		ts := terms(it.Text)
		for _, k := range it.Keywords {
			for t := range terms(k) {
				ts[t] = true
			}
		}
		idx.byCollection[it.Collection] = append(idx.byCollection[it.Collection], indexedItem{Item: it, terms: ts})
		idx.size++
	}
	slog.Debug("Index.NewIndex: knowledge base indexed", "items", idx.size, "collections", len(idx.byCollection))
	return idx
}

// Len returns the number of indexed items.
func (idx *Index) Len() int {
	return idx.size
}

// Retrieve implements Retriever. A scenario-filtered search is tried first,
// then the whole collection.
func (idx *Index) Retrieve(ctx context.Context, q Query) ([]models.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, ok := idx.byCollection[q.Collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", q.Collection)
	}
	qt := terms(q.Text)
	if len(qt) == 0 {
		return nil, nil
	}
	out := rank(items, qt, q.Scenario, q.TopK)
	if len(out) == 0 && q.Scenario != "" {
		out = rank(items, qt, "", q.TopK)
	}
	return out, nil
}

func rank(items []indexedItem, qt map[string]bool, scenario models.Scenario, topK int) []models.Snippet {
	var out []models.Snippet
	for _, it := range items {
		if scenario != "" && !it.taggedFor(scenario) {
			continue
		}
		if s := cosine(qt, it.terms); s > 0 {
			out = append(out, models.Snippet{Text: strings.TrimSpace(it.Text), SourceID: it.ID, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func (it indexedItem) taggedFor(s models.Scenario) bool {
	for _, v := range it.Scenarios {
		if v == s {
			return true
		}
	}
	return false
}

func cosine(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return math.Round(float64(shared)/math.Sqrt(float64(len(a)*len(b)))*10000) / 10000
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+(?:-[a-z0-9]+)*`)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"but": true, "by": true, "can": true, "do": true, "for": true, "from": true, "i": true,
	"if": true, "in": true, "is": true, "it": true, "me": true, "my": true, "not": true,
	"of": true, "on": true, "or": true, "so": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "what": true, "with": true, "you": true, "your": true,
}

func terms(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if stopwords[tok] || len(tok) < 2 && !isDigit(tok) {
			continue
		}
		out[stem(tok)] = true
	}
	return out
}

func isDigit(s string) bool {
	return len(s) == 1 && s[0] >= '0' && s[0] <= '9'
}

// stem strips a few English suffixes so "worries" meets "worry".
func stem(t string) string {
	switch {
	case len(t) > 4 && strings.HasSuffix(t, "ies"):
		return t[:len(t)-3] + "y"
	case len(t) > 5 && strings.HasSuffix(t, "ing"):
		return t[:len(t)-3]
	case len(t) > 3 && strings.HasSuffix(t, "s") && !strings.HasSuffix(t, "ss"):
		return t[:len(t)-1]
	}
	return t
}
