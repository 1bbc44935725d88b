package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// CachedQuote is a quote plus its cache provenance. Stale means the entry is
// older than the freshness TTL and is being served because a live fetch
// failed.
type CachedQuote struct {
	Quote     model.Quote
	FetchedAt time.Time
	Stale     bool
}

// QuoteService caches market quotes per symbol with a freshness TTL. Entries
// are never evicted except by Clear; growth is bounded only by the universe
// of symbols ever requested, which stays small for this workload.
type QuoteService struct {
	brokerage driven.BrokerageClient
	manager   *TokenManager
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]*CachedQuote

	now func() time.Time
}

// NewQuoteService creates a QuoteService fetching through the given gateway.
func NewQuoteService(brokerage driven.BrokerageClient, manager *TokenManager, ttl time.Duration) *QuoteService {
	return &QuoteService{
		brokerage: brokerage,
		manager:   manager,
		ttl:       ttl,
		cache:     make(map[string]*CachedQuote),
		now:       time.Now,
	}
}

// Quote returns the quote for one symbol. A cache entry younger than the TTL
// is returned without an upstream call unless force is set. When the live
// fetch fails and any prior entry exists, that entry is served flagged stale;
// only a miss with no fallback propagates the failure.
func (s *QuoteService) Quote(ctx context.Context, symbol string, force bool) (*CachedQuote, error) {
	if !force {
		if cached := s.fresh(symbol); cached != nil {
			return cached, nil
		}
	}

	quotes, err := s.fetch(ctx, []string{symbol})
	if err == nil {
		if cached, ok := quotes[symbol]; ok {
			return cached, nil
		}
		err = fmt.Errorf("quote for %s: %w", symbol, driven.ErrSymbolNotFound)
	}

	if stale := s.anyAge(symbol); stale != nil {
		slog.Warn("serving stale quote after fetch failure",
			"symbol", symbol,
			"age", s.now().Sub(stale.FetchedAt).Round(time.Second),
			"error", err,
		)
		return stale, nil
	}

	return nil, err
}

// Quotes returns quotes for several symbols, fetching all cache misses in one
// batched upstream call. Symbols absent from the batch response are retried
// individually so one unknown symbol cannot blank out the rest; symbols that
// still cannot be resolved are simply omitted from the result.
func (s *QuoteService) Quotes(ctx context.Context, symbols []string) (map[string]*CachedQuote, error) {
	result := make(map[string]*CachedQuote, len(symbols))
	var misses []string
	for _, symbol := range symbols {
		if cached := s.fresh(symbol); cached != nil {
			result[symbol] = cached
		} else {
			misses = append(misses, symbol)
		}
	}
	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := s.fetch(ctx, misses)
	if err != nil {
		// Batch failed outright; fall back to whatever stale entries exist.
		for _, symbol := range misses {
			if stale := s.anyAge(symbol); stale != nil {
				result[symbol] = stale
			}
		}
		if len(result) == 0 {
			return nil, err
		}
		slog.Warn("serving stale quotes after batch fetch failure", "symbols", misses, "error", err)
		return result, nil
	}

	var backfill []string
	for _, symbol := range misses {
		if cached, ok := fetched[symbol]; ok {
			result[symbol] = cached
		} else {
			backfill = append(backfill, symbol)
		}
	}

	for _, symbol := range backfill {
		cached, err := s.Quote(ctx, symbol, true)
		if err != nil {
			slog.Warn("symbol missing from batch and backfill", "symbol", symbol, "error", err)
			continue
		}
		result[symbol] = cached
	}

	return result, nil
}

// Clear drops every cached entry. Operator-triggered only.
func (s *QuoteService) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*CachedQuote)
	slog.Info("quote cache cleared")
}

// Size returns the number of cached symbols.
func (s *QuoteService) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// fetch performs one upstream quotes call as the first healthy person and
// stores every returned quote.
func (s *QuoteService) fetch(ctx context.Context, symbols []string) (map[string]*CachedQuote, error) {
	person, err := s.quotePerson(ctx)
	if err != nil {
		return nil, err
	}

	quotes, err := s.brokerage.Quotes(ctx, person, symbols)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fetched := make(map[string]*CachedQuote, len(quotes))
	s.mu.Lock()
	for _, q := range quotes {
		if q.Symbol == "" {
			continue
		}
		entry := &CachedQuote{Quote: q, FetchedAt: now}
		s.cache[q.Symbol] = entry
		fetched[q.Symbol] = entry
	}
	s.mu.Unlock()

	return fetched, nil
}

// quotePerson picks the first healthy enrolled person to authenticate quote
// fetches. Quotes are market data, identical for every person, so any working
// credential will do.
func (s *QuoteService) quotePerson(ctx context.Context) (string, error) {
	statuses, err := s.manager.ListStatuses(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving quote person: %w", err)
	}
	for _, status := range statuses {
		if status.IsHealthy {
			return status.PersonName, nil
		}
	}
	return "", errors.New("no healthy person enrolled for quote fetches")
}

// fresh returns the cached entry when it is younger than the TTL.
func (s *QuoteService) fresh(symbol string) *CachedQuote {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[symbol]
	if !ok || s.now().Sub(entry.FetchedAt) >= s.ttl {
		return nil
	}
	return entry
}

// anyAge returns the cached entry regardless of age, marked stale when past
// the TTL.
func (s *QuoteService) anyAge(symbol string) *CachedQuote {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[symbol]
	if !ok {
		return nil
	}
	if s.now().Sub(entry.FetchedAt) >= s.ttl {
		stale := *entry
		stale.Stale = true
		return &stale
	}
	return entry
}
