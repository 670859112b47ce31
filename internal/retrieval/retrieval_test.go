package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"go.uber.org/goleak"
)

type blockingRetriever struct{}

func (blockingRetriever) Retrieve(ctx context.Context, q Query) ([]models.Snippet, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stubbornRetriever ignores its context entirely.
type stubbornRetriever struct{ release chan struct{} }

func (s stubbornRetriever) Retrieve(context.Context, Query) ([]models.Snippet, error) {
	<-s.release
	return []models.Snippet{{Text: "late"}}, nil
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, Query) ([]models.Snippet, error) {
	return nil, errors.New("index offline")
}

func TestFetchTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	start := time.Now()
	_, err := Fetch(context.Background(), blockingRetriever{}, Query{Text: "x"}, 25*time.Millisecond)
	if !errors.Is(err, models.ErrRetrievalTimeout) {
		t.Fatalf("expected ErrRetrievalTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Fetch blocked for %v", elapsed)
	}
}

func TestFetchDoesNotWaitForStubbornRetriever(t *testing.T) {
	r := stubbornRetriever{release: make(chan struct{})}
	defer close(r.release)

	start := time.Now()
	_, err := Fetch(context.Background(), r, Query{Text: "x"}, 25*time.Millisecond)
	if !errors.Is(err, models.ErrRetrievalTimeout) {
		t.Fatalf("expected ErrRetrievalTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Fetch blocked for %v", elapsed)
	}
}

func TestFetchError(t *testing.T) {
	_, err := Fetch(context.Background(), failingRetriever{}, Query{Text: "x"}, time.Second)
	if !errors.Is(err, models.ErrRetrieval) {
		t.Fatalf("expected ErrRetrieval, got %v", err)
	}
	if _, err := Fetch(context.Background(), nil, Query{}, time.Second); !errors.Is(err, models.ErrRetrieval) {
		t.Fatalf("expected ErrRetrieval for nil retriever, got %v", err)
	}
}

func TestFetchTrimsToTopK(t *testing.T) {
	s := Static{Snippets: []models.Snippet{{Text: "a"}, {Text: "b"}, {Text: "c"}}}
	got, err := Fetch(context.Background(), s, Query{TopK: 2}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 snippets, got %d", len(got))
	}
}

func TestDefaultIndex(t *testing.T) {
	idx, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if idx.Len() == 0 {
		t.Fatal("expected embedded knowledge items")
	}
	for _, c := range []string{CollectionTechniques, CollectionEducation, CollectionReassurance, CollectionResources} {
		if len(idx.byCollection[c]) == 0 {
			t.Errorf("collection %s is empty", c)
		}
	}
}

func TestIndexRetrieve(t *testing.T) {
	idx, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	got, err := idx.Retrieve(context.Background(), Query{
		Text:       "5-4-3-2-1 grounding senses panic",
		Collection: CollectionTechniques,
		Scenario:   models.ScenarioPanic,
		TopK:       2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].SourceID != "tech-54321" {
		t.Fatalf("expected tech-54321 first, got %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("results not ranked: %+v", got)
		}
	}
}

func TestIndexRetriesWithoutScenario(t *testing.T) {
	idx := NewIndex(
		Item{ID: "a", Collection: "techniques", Scenarios: []models.Scenario{models.ScenarioSleep}, Text: "breathing slowly helps"},
	)
	got, err := idx.Retrieve(context.Background(), Query{Text: "breathing", Collection: "techniques", Scenario: models.ScenarioPanic})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SourceID != "a" {
		t.Errorf("expected unfiltered retry to find item a, got %+v", got)
	}
}

func TestIndexUnknownCollection(t *testing.T) {
	idx := NewIndex()
	if _, err := idx.Retrieve(context.Background(), Query{Text: "x", Collection: "nope"}); err == nil {
		t.Error("expected error for unknown collection")
	}
}

func TestNewIndexSkipsIncompleteAndDuplicate(t *testing.T) {
	idx := NewIndex(
		Item{ID: "a", Collection: "c", Text: "one"},
		Item{ID: "a", Collection: "c", Text: "two"},
		Item{ID: "", Collection: "c", Text: "three"},
		Item{ID: "b", Collection: "c", Text: "  "},
	)
	if idx.Len() != 1 {
		t.Errorf("expected 1 item, got %d", idx.Len())
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("items: [")); err == nil {
		t.Error("expected parse error")
	}
}
