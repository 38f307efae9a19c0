package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeModelsProvider serves a scripted response per call number.
type fakeModelsProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([]Model, error)
}

func (f *fakeModelsProvider) ListModels(context.Context, string) ([]Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fn(f.calls)
}

func (f *fakeModelsProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func listing(ids ...string) []Model {
	out := make([]Model, 0, len(ids))
	for _, id := range ids {
		out = append(out, Model{ID: id, OwnedBy: "openai"})
	}
	return out
}

func TestModelsCache_ServesFreshListingWithoutRefetch(t *testing.T) {
	provider := &fakeModelsProvider{fn: func(int) ([]Model, error) {
		return listing("gpt-4o", "gpt-4o-mini"), nil
	}}
	cache := NewModelsCache(provider)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	cache.now = func() time.Time { return current }

	first := cache.Models(context.Background(), "sk-test")
	if len(first) != 2 {
		t.Fatalf("initial fetch: got %d models", len(first))
	}

	current = base.Add(59 * time.Minute)
	second := cache.Models(context.Background(), "sk-test")
	if len(second) != 2 {
		t.Fatalf("cached read: got %d models", len(second))
	}
	if provider.callCount() != 1 {
		t.Errorf("expected a single provider fetch, got %d", provider.callCount())
	}
}

func TestModelsCache_RefetchesOnceStale(t *testing.T) {
	provider := &fakeModelsProvider{fn: func(call int) ([]Model, error) {
		if call == 1 {
			return listing("gpt-4o"), nil
		}
		return listing("gpt-4o", "gpt-4.1"), nil
	}}
	cache := NewModelsCache(provider)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	cache.now = func() time.Time { return current }

	if got := cache.Models(context.Background(), "sk-test"); len(got) != 1 {
		t.Fatalf("initial fetch: got %d models", len(got))
	}

	current = base.Add(time.Hour)
	refreshed := cache.Models(context.Background(), "sk-test")
	if len(refreshed) != 2 {
		t.Fatalf("stale read should refetch, got %d models", len(refreshed))
	}
	if provider.callCount() != 2 {
		t.Errorf("expected 2 provider fetches, got %d", provider.callCount())
	}
}

func TestModelsCache_FailureReturnsEmptyAndKeepsEntry(t *testing.T) {
	provider := &fakeModelsProvider{fn: func(call int) ([]Model, error) {
		switch call {
		case 1:
			return listing("gpt-4o"), nil
		case 2:
			return nil, &ProviderError{Status: 500, Body: "upstream down"}
		default:
			return listing("gpt-4.1"), nil
		}
	}}
	cache := NewModelsCache(provider)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	cache.now = func() time.Time { return current }

	if got := cache.Models(context.Background(), "sk-test"); len(got) != 1 {
		t.Fatalf("initial fetch: got %d models", len(got))
	}

	// Entry is stale, refetch fails: the call yields nothing.
	current = base.Add(2 * time.Hour)
	if got := cache.Models(context.Background(), "sk-test"); len(got) != 0 {
		t.Fatalf("failed refetch should return empty, got %v", got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("ProviderError must not be retried, got %d calls", provider.callCount())
	}

	// The failure must not have touched the stored timestamp, so the next
	// read still sees a stale entry and fetches again.
	current = base.Add(2*time.Hour + time.Minute)
	recovered := cache.Models(context.Background(), "sk-test")
	if len(recovered) != 1 || recovered[0].ID != "gpt-4.1" {
		t.Fatalf("recovery fetch: got %v", recovered)
	}
	if provider.callCount() != 3 {
		t.Errorf("expected 3 provider fetches, got %d", provider.callCount())
	}
}

func TestModelsCache_EmptyListingDoesNotReplaceEntry(t *testing.T) {
	provider := &fakeModelsProvider{fn: func(call int) ([]Model, error) {
		switch call {
		case 1:
			return listing("gpt-4o"), nil
		case 2:
			return nil, nil
		default:
			return listing("gpt-5"), nil
		}
	}}
	cache := NewModelsCache(provider)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	cache.now = func() time.Time { return current }

	if got := cache.Models(context.Background(), "sk-test"); len(got) != 1 {
		t.Fatalf("initial fetch: got %d models", len(got))
	}

	current = base.Add(2 * time.Hour)
	if got := cache.Models(context.Background(), "sk-test"); len(got) != 0 {
		t.Fatalf("empty refetch should return empty, got %v", got)
	}

	// An empty listing is not stored, so the following read fetches again
	// and the verified listing takes over.
	current = base.Add(2*time.Hour + time.Minute)
	got := cache.Models(context.Background(), "sk-test")
	if len(got) != 1 || got[0].ID != "gpt-5" {
		t.Fatalf("post-empty fetch: got %v", got)
	}
	if provider.callCount() != 3 {
		t.Errorf("expected 3 provider fetches, got %d", provider.callCount())
	}
}

func TestModelsCache_ColdCacheFailureIsNotCached(t *testing.T) {
	provider := &fakeModelsProvider{fn: func(call int) ([]Model, error) {
		if call <= 2 {
			return nil, &ProviderError{Status: 502, Body: "bad gateway"}
		}
		return listing("gpt-4o"), nil
	}}
	cache := NewModelsCache(provider)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	cache.now = func() time.Time { return current }

	if got := cache.Models(context.Background(), "sk-test"); len(got) != 0 {
		t.Fatalf("cold-cache failure should return empty, got %v", got)
	}

	// One second later the cache is still cold, so the call fetches again
	// instead of serving the failure as if it were data.
	current = base.Add(time.Second)
	if got := cache.Models(context.Background(), "sk-test"); len(got) != 0 {
		t.Fatalf("second cold failure should return empty, got %v", got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected a fresh attempt per cold call, got %d", provider.callCount())
	}

	current = base.Add(2 * time.Second)
	if got := cache.Models(context.Background(), "sk-test"); len(got) != 1 {
		t.Fatalf("recovery fetch: got %v", got)
	}
}

func TestModelsCache_RetriesTransportErrors(t *testing.T) {
	provider := &fakeModelsProvider{fn: func(call int) ([]Model, error) {
		if call == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return listing("gpt-4o"), nil
	}}
	cache := NewModelsCache(provider)

	got := cache.Models(context.Background(), "sk-test")
	if len(got) != 1 {
		t.Fatalf("expected listing after retry, got %v", got)
	}
	if provider.callCount() != 2 {
		t.Errorf("expected retry after transport error, got %d calls", provider.callCount())
	}
}

func TestModelsCache_ReturnedListingIsACopy(t *testing.T) {
	provider := &fakeModelsProvider{fn: func(int) ([]Model, error) {
		return listing("gpt-4o"), nil
	}}
	cache := NewModelsCache(provider)

	first := cache.Models(context.Background(), "sk-test")
	first[0].ID = "mutated"

	second := cache.Models(context.Background(), "sk-test")
	if second[0].ID != "gpt-4o" {
		t.Fatalf("cached entry was mutated through the returned slice: %v", second)
	}
	if provider.callCount() != 1 {
		t.Errorf("expected cached read, got %d calls", provider.callCount())
	}
}
