// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package orchestrator coordinates report computation: cache reads,
// account resolution, bounded fan-out over regions and resource kinds,
// failure-isolated aggregation, cache writes, and live publication.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/bus"
	"github.com/xammer/xamops/internal/cache"
	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
	"github.com/xammer/xamops/internal/task"
)

// prefixEvictor is the optional bulk-eviction capability of the durable
// store. When absent the registry hooks fall back to enumerated keys.
type prefixEvictor interface {
	EvictPrefix(ctx context.Context, prefix string) (int, error)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store    cache.Store
	Runner   *task.Runner
	Bus      bus.Bus
	Resolver account.Resolver

	// Evictions receives one registration per report type so global
	// sweeps reach every namespace.
	Evictions *cache.Registry

	// FetchRate bounds upstream fetches per second per account.
	// Zero disables limiting.
	FetchRate  float64
	FetchBurst int
}

// Orchestrator implements get-or-compute and force-refresh semantics
// for every report family.
type Orchestrator struct {
	store     cache.Store
	runner    *task.Runner
	bus       bus.Bus
	resolver  account.Resolver
	evictions *cache.Registry

	fetchRate  float64
	fetchBurst int

	mu       sync.Mutex
	fetchers map[ReportType][]Fetcher
	limiters map[string]*rate.Limiter

	group singleflight.Group
}

// New creates an Orchestrator and registers an eviction hook per report
// family with opts.Evictions.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:      opts.Store,
		runner:     opts.Runner,
		bus:        opts.Bus,
		resolver:   opts.Resolver,
		evictions:  opts.Evictions,
		fetchRate:  opts.FetchRate,
		fetchBurst: opts.FetchBurst,
		fetchers:   make(map[ReportType][]Fetcher),
		limiters:   make(map[string]*rate.Limiter),
	}
	if o.fetchBurst <= 0 {
		o.fetchBurst = 4
	}

	if o.evictions != nil {
		for _, rt := range ReportTypes {
			o.evictions.Register(o.registration(rt))
		}
	}
	return o
}

// RegisterFetchers binds fetchers to a report family. Called once per
// family at startup.
func (o *Orchestrator) RegisterFetchers(rt ReportType, fetchers ...Fetcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetchers[rt] = append(o.fetchers[rt], fetchers...)
}

// GetOrCompute serves the request from cache when possible. On a miss
// or a forced refresh it recomputes: resolve the account, fan out one
// task per region and fetcher, aggregate with per-branch failure
// isolation, write the cache entry, and return. Concurrent identical
// requests share a single computation.
func (o *Orchestrator) GetOrCompute(ctx context.Context, req Request) (*Report, error) {
	key, err := req.Key()
	if err != nil {
		return nil, err
	}

	if !req.ForceRefresh {
		var cached Report
		ok, err := o.store.GetJSON(ctx, key, &cached)
		if err != nil {
			return nil, fmt.Errorf("cache read for %s: %w", key, err)
		}
		if ok {
			logging.Ctx(ctx).Debug().Str("key", key).Msg("report served from cache")
			return &cached, nil
		}
	}

	// A forced refresh publishes the fresh aggregate; a plain lazy
	// miss does not.
	return o.computeShared(ctx, req, key, req.ForceRefresh)
}

// ForceRefresh evicts the request's downstream cache entries,
// recomputes, publishes the result to the request's topic, and returns
// a handle the caller may await or discard.
func (o *Orchestrator) ForceRefresh(ctx context.Context, req Request) *task.Future[*Report] {
	req.ForceRefresh = true
	key, err := req.Key()
	if err != nil {
		return task.Go(ctx, "refresh-invalid", func(context.Context) (*Report, error) {
			return nil, err
		})
	}

	// The recompute outlives the caller's context. A caller that
	// triggers and walks away must not cancel the fan-out midway and
	// turn every branch into a default.
	runCtx := context.WithoutCancel(ctx)
	return task.Go(runCtx, "refresh-"+key, func(ctx context.Context) (*Report, error) {
		return o.computeShared(ctx, req, key, true)
	})
}

// EvictAllCaches sweeps every registered report namespace. Returns the
// number of namespaces whose eviction hook failed.
func (o *Orchestrator) EvictAllCaches(ctx context.Context) int {
	if o.evictions == nil {
		return 0
	}
	return o.evictions.EvictEverything(ctx)
}

// EvictAccount clears every report namespace for one account.
func (o *Orchestrator) EvictAccount(ctx context.Context, accountID string) int {
	if o.evictions == nil {
		return 0
	}
	return o.evictions.EvictAccount(ctx, accountID)
}

// computeShared deduplicates concurrent identical computations. Two
// overlapping refreshes of the same key produce one upstream fan-out
// and share its result. Publishing and non-publishing computations
// never coalesce: a refresh joining a lazy miss would silently skip
// its publish step.
func (o *Orchestrator) computeShared(ctx context.Context, req Request, key string, publish bool) (*Report, error) {
	flight := key
	if publish {
		flight += "|publish"
	}
	v, err, shared := o.group.Do(flight, func() (interface{}, error) {
		return o.compute(ctx, req, key, publish)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Ctx(ctx).Debug().Str("key", key).Msg("recompute coalesced with in-flight computation")
	}
	return v.(*Report), nil
}

func (o *Orchestrator) compute(ctx context.Context, req Request, key string, publish bool) (*Report, error) {
	start := time.Now()
	defer metrics.ObserveRefreshDuration(string(req.Type), start)

	log := logging.Ctx(ctx).With().Str("key", key).Str("account_id", req.AccountID).Logger()

	acct, err := o.resolver.Resolve(ctx, req.AccountID)
	if err != nil {
		// Total failure: no fan-out, no cache write. Refresh paths
		// publish an error payload so subscribers are not left waiting.
		metrics.RefreshFailures.WithLabelValues(string(req.Type)).Inc()
		log.Error().Err(err).Msg("report recompute aborted, account resolution failed")
		if publish {
			o.bus.Publish(ctx, req.Topic(), bus.ErrorPayload{Error: err.Error()})
		}
		return nil, err
	}

	fetchers := o.fetchersFor(req.Type)
	if len(fetchers) == 0 {
		metrics.RefreshFailures.WithLabelValues(string(req.Type)).Inc()
		err := fmt.Errorf("%w: no fetchers registered for %q", ErrUnknownReport, req.Type)
		if publish {
			o.bus.Publish(ctx, req.Topic(), bus.ErrorPayload{Error: err.Error()})
		}
		return nil, err
	}

	if req.ForceRefresh {
		keys, _ := req.evictKeys()
		evicted := o.store.EvictAll(ctx, keys)
		log.Debug().Int("evicted", evicted).Msg("scoped eviction before recompute")
	}

	limiter := o.limiterFor(req.AccountID)
	futures := make([]*task.Future[Partial], 0, len(acct.Regions)*len(fetchers))
	for _, region := range acct.Regions {
		for _, fetcher := range fetchers {
			region, fetcher := region, fetcher
			name := string(req.Type) + "/" + fetcher.Kind() + "/" + region
			futures = append(futures, task.Submit(o.runner, ctx, name, func(ctx context.Context) (Partial, error) {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return Partial{}, err
					}
				}
				return fetcher.Fetch(ctx, acct, region)
			}))
		}
	}

	parts, defaulted := task.AwaitAll(ctx, Partial{}, futures)
	if err := ctx.Err(); err != nil {
		// Cancellation defaults every unfinished branch. Writing that
		// aggregate would replace good cached data with zeros, so the
		// whole computation fails instead: no cache write, error
		// payload on refresh paths.
		metrics.RefreshFailures.WithLabelValues(string(req.Type)).Inc()
		log.Warn().Err(err).Msg("report recompute canceled, keeping cached entry")
		if publish {
			o.bus.Publish(ctx, req.Topic(), bus.ErrorPayload{Error: err.Error()})
		}
		return nil, fmt.Errorf("recompute %s: %w", key, err)
	}
	if defaulted > 0 {
		metrics.RefreshPartialFailures.WithLabelValues(string(req.Type)).Add(float64(defaulted))
		log.Warn().Int("failed_branches", defaulted).Int("total_branches", len(futures)).
			Msg("aggregating with defaulted branches")
	}

	report := merge(req, parts, defaulted)

	if err := o.store.PutJSON(ctx, key, report); err != nil {
		metrics.RefreshFailures.WithLabelValues(string(req.Type)).Inc()
		log.Error().Err(err).Msg("failed to write report cache entry")
		if publish {
			o.bus.Publish(ctx, req.Topic(), bus.ErrorPayload{Error: err.Error()})
		}
		return nil, fmt.Errorf("cache write for %s: %w", key, err)
	}

	if publish {
		o.bus.Publish(ctx, req.Topic(), report)
	}

	log.Info().
		Int("branches", len(futures)).
		Int("failed_branches", defaulted).
		Dur("took", time.Since(start)).
		Msg("report recomputed")
	return report, nil
}

func (o *Orchestrator) fetchersFor(rt ReportType) []Fetcher {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetchers[rt]
}

// limiterFor returns the per-account fetch limiter, creating it on
// first use. Nil when limiting is disabled.
func (o *Orchestrator) limiterFor(accountID string) *rate.Limiter {
	if o.fetchRate <= 0 {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.fetchRate), o.fetchBurst)
		o.limiters[accountID] = l
	}
	return l
}

// registration builds the eviction-registry entry for one report
// family. With a prefix-capable store the hooks clear the namespace by
// key prefix; otherwise they evict the enumerable canonical keys.
func (o *Orchestrator) registration(rt ReportType) cache.Registration {
	prefix := string(rt) + "-"

	return cache.Registration{
		Namespace: string(rt),
		EvictAccount: func(ctx context.Context, accountID string) error {
			if pe, ok := o.store.(prefixEvictor); ok {
				_, err := pe.EvictPrefix(ctx, prefix+accountID)
				return err
			}
			req := Request{Type: rt, AccountID: accountID}
			keys, err := req.evictKeys()
			if err != nil {
				return err
			}
			o.store.EvictAll(ctx, keys)
			return nil
		},
		EvictEverything: func(ctx context.Context) error {
			if pe, ok := o.store.(prefixEvictor); ok {
				_, err := pe.EvictPrefix(ctx, prefix)
				return err
			}
			return fmt.Errorf("store cannot enumerate namespace %s", strings.TrimSuffix(prefix, "-"))
		},
	}
}
