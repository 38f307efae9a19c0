package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Rusuban/common/retry"
	"github.com/bdobrica/Rusuban/common/ttlcache"
)

// modelsTTL is how long a verified model listing is served from memory.
const modelsTTL = time.Hour

// ModelsCache caches the provider's model listing for one hour.
//
// Only a fetch that verifiably returned a non-empty listing replaces the
// entry; failures and empty listings leave the previous entry and its
// timestamp untouched and yield an empty result for that call. The cache
// holds a single entry, so an API key change within the TTL window still
// serves the cached listing; with one account per deployment that is the
// intended coarseness.
type ModelsCache struct {
	provider ModelsProvider
	now      func() time.Time

	mu    sync.Mutex
	entry ttlcache.Entry[[]Model]
}

// NewModelsCache creates an empty cache over provider.
func NewModelsCache(provider ModelsProvider) *ModelsCache {
	return &ModelsCache{provider: provider, now: time.Now}
}

// Models returns the cached listing while it is fresh, otherwise refetches.
// The returned slice is the caller's to keep. Fetch failures and empty
// fetches return an empty listing.
func (m *ModelsCache) Models(ctx context.Context, apiKey string) []Model {
	m.mu.Lock()
	if m.entry.Fresh(m.now(), modelsTTL) {
		cached, _ := m.entry.Value()
		m.mu.Unlock()
		return copyModels(cached)
	}
	m.mu.Unlock()

	var listing []Model
	err := retry.Do(ctx, retry.Config{
		Attempts: 2,
		Delay:    500 * time.Millisecond,
		// A rejected key or bad request will not heal between attempts;
		// only transport failures are worth a second try.
		ShouldRetry: func(err error) bool {
			var pe *ProviderError
			return !errors.As(err, &pe)
		},
	}, func() error {
		var err error
		listing, err = m.provider.ListModels(ctx, apiKey)
		return err
	})
	if err != nil {
		slog.Warn("model listing fetch failed", "err", err)
		return nil
	}
	if len(listing) == 0 {
		slog.Warn("model listing fetch returned no models, keeping previous entry")
		return nil
	}

	m.mu.Lock()
	m.entry.Store(copyModels(listing), m.now())
	m.mu.Unlock()
	return listing
}

func copyModels(in []Model) []Model {
	if len(in) == 0 {
		return nil
	}
	out := make([]Model, len(in))
	copy(out, in)
	return out
}
