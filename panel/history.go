package panel

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// cached retrieval of time ordered series.
// A cache entry stores one contiguous window for one subject. A request that extends
// the entry's upper bound fetches only the missing tail. A request for another subject,
// or one that starts before the entry or after a gap, replaces the entry.
// Concurrent requests for a key within the coalesce timeout share one fetch,
// and the most recent request's subject and window determine that fetch.
// A failed fetch never modifies the entry

const (
	HistoryFetchFull  = "full"
	HistoryFetchDelta = "delta"
)

const (
	HistoryRequestFetched   = "fetched"
	HistoryRequestCached    = "cached"
	HistoryRequestCoalesced = "coalesced"
	HistoryRequestError     = "error"
)

type HistoryPoint struct {
	Time  time.Time
	State string
}

// inclusive on both ends
type Window struct {
	Start time.Time
	End   time.Time
}

func (self Window) Contains(t time.Time) bool {
	return !t.Before(self.Start) && !t.After(self.End)
}

// true if `window` lies within this window
func (self Window) Covers(window Window) bool {
	return !window.Start.Before(self.Start) && !window.End.After(self.End)
}

type HistoryFetchFunction func(ctx context.Context, subject string, window Window) ([]HistoryPoint, error)

type historyEntry struct {
	subject string
	window  Window
	// ordered by time
	points []HistoryPoint
}

func (self *historyEntry) covers(subject string, window Window) bool {
	return self.subject == subject && self.window.Covers(window)
}

// the points of the entry within `window`
func (self *historyEntry) clip(window Window) []HistoryPoint {
	points := []HistoryPoint{}
	for _, point := range self.points {
		if window.Contains(point.Time) {
			points = append(points, point)
		}
	}
	return points
}

// one fetch shared by all requests that arrive before it starts
type historyBatch struct {
	subject  string
	window   Window
	fetching bool
	// closed when the fetch completes. `entry` and `err` are set before close.
	// `entry` stays nil when the key was invalidated during the fetch
	done  chan struct{}
	entry *historyEntry
	err   error
}

// the history cache of one composing component. Safe for concurrent use
type HistoryCache struct {
	stateLock sync.Mutex
	entries   map[string]*historyEntry
	batches   map[string]*historyBatch
	// incremented by `Invalidate`. A fetch planned before an invalidation is not committed
	generations map[string]uint64
}

func NewHistoryCache() *HistoryCache {
	return &HistoryCache{
		entries:     map[string]*historyEntry{},
		batches:     map[string]*historyBatch{},
		generations: map[string]uint64{},
	}
}

func (self *HistoryCache) Invalidate(cacheKey string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.entries, cacheKey)
	self.generations[cacheKey] += 1
}

// the subject and window stored for `cacheKey`
func (self *HistoryCache) Entry(cacheKey string) (string, Window, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry, ok := self.entries[cacheKey]
	if !ok {
		return "", Window{}, false
	}
	return entry.subject, entry.window, true
}

func (self *HistoryCache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

type CachedRangeFetcherSettings struct {
	CoalesceTimeout time.Duration
	// applied to each fetch, which is detached from the requesting context
	FetchTimeout time.Duration
}

func DefaultCachedRangeFetcherSettings() *CachedRangeFetcherSettings {
	return &CachedRangeFetcherSettings{
		CoalesceTimeout: 200 * time.Millisecond,
		FetchTimeout:    30 * time.Second,
	}
}

type CachedRangeFetcher struct {
	cache    *HistoryCache
	fetch    HistoryFetchFunction
	settings *CachedRangeFetcherSettings
	metrics  *Metrics
}

func NewCachedRangeFetcherWithDefaults(cache *HistoryCache, fetch HistoryFetchFunction, metrics *Metrics) *CachedRangeFetcher {
	return NewCachedRangeFetcher(cache, fetch, DefaultCachedRangeFetcherSettings(), metrics)
}

func NewCachedRangeFetcher(
	cache *HistoryCache,
	fetch HistoryFetchFunction,
	settings *CachedRangeFetcherSettings,
	metrics *Metrics,
) *CachedRangeFetcher {
	return &CachedRangeFetcher{
		cache:    cache,
		fetch:    fetch,
		settings: settings,
		metrics:  metrics,
	}
}

func (self *CachedRangeFetcher) Cache() *HistoryCache {
	return self.cache
}

// the points of `subject` within `window`, ordered by time.
// Cancelling `ctx` abandons the wait. A fetch in flight still completes for other requests
func (self *CachedRangeFetcher) GetRange(
	ctx context.Context,
	subject string,
	window Window,
	cacheKey string,
) ([]HistoryPoint, error) {
	coalesced := false
	for {
		var points []HistoryPoint
		var batch *historyBatch
		lead := false
		func() {
			self.cache.stateLock.Lock()
			defer self.cache.stateLock.Unlock()

			if entry, ok := self.cache.entries[cacheKey]; ok && entry.covers(subject, window) {
				points = entry.clip(window)
				return
			}

			batch = self.cache.batches[cacheKey]
			switch {
			case batch == nil:
				batch = &historyBatch{
					subject: subject,
					window:  window,
					done:    make(chan struct{}),
				}
				self.cache.batches[cacheKey] = batch
				lead = true
			case !batch.fetching:
				// the most recent request wins
				batch.subject = subject
				batch.window = window
				coalesced = true
			default:
				coalesced = true
			}
		}()

		if batch == nil {
			if coalesced {
				self.metrics.HistoryRequest(HistoryRequestCoalesced)
			} else {
				self.metrics.HistoryRequest(HistoryRequestCached)
			}
			return points, nil
		}

		if lead {
			go HandleError(func() {
				self.run(context.WithoutCancel(ctx), cacheKey, batch)
			})
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-batch.done:
		}

		if batch.err != nil {
			self.metrics.HistoryRequest(HistoryRequestError)
			return nil, batch.err
		}
		if batch.entry != nil && batch.entry.covers(subject, window) {
			if coalesced {
				self.metrics.HistoryRequest(HistoryRequestCoalesced)
			} else {
				self.metrics.HistoryRequest(HistoryRequestFetched)
			}
			return batch.entry.clip(window), nil
		}
		// a later request changed the batch, or the key was invalidated. Go again
		glog.V(2).Infof("[h]%s not covered by batch, retry\n", cacheKey)
	}
}

func (self *CachedRangeFetcher) run(ctx context.Context, cacheKey string, batch *historyBatch) {
	defer close(batch.done)

	select {
	case <-ctx.Done():
	case <-time.After(self.settings.CoalesceTimeout):
	}

	var entry *historyEntry
	var generation uint64
	var subject string
	var window Window
	func() {
		self.cache.stateLock.Lock()
		defer self.cache.stateLock.Unlock()

		batch.fetching = true
		subject = batch.subject
		window = batch.window
		entry = self.cache.entries[cacheKey]
		generation = self.cache.generations[cacheKey]
	}()

	next, err := self.extend(ctx, entry, subject, window)

	self.cache.stateLock.Lock()
	defer self.cache.stateLock.Unlock()

	if self.cache.batches[cacheKey] == batch {
		delete(self.cache.batches, cacheKey)
	}
	if err != nil {
		glog.Infof("[h]%s fetch error = %s\n", cacheKey, err)
		batch.err = err
		return
	}
	if self.cache.generations[cacheKey] != generation {
		// waiters go again and fetch past the invalidation
		glog.V(1).Infof("[h]%s invalidated during fetch\n", cacheKey)
		return
	}
	batch.entry = next
	self.cache.entries[cacheKey] = next
}

// computes the entry that covers `window`, fetching what `entry` is missing.
// `entry` is not modified
func (self *CachedRangeFetcher) extend(
	ctx context.Context,
	entry *historyEntry,
	subject string,
	window Window,
) (*historyEntry, error) {
	if self.settings.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, self.settings.FetchTimeout)
		defer cancel()
	}

	full := entry == nil ||
		entry.subject != subject ||
		window.Start.Before(entry.window.Start) ||
		entry.window.End.Before(window.Start)

	if full {
		self.metrics.HistoryFetch(HistoryFetchFull)
		glog.V(1).Infof("[h]full fetch %s [%s, %s]\n", subject, window.Start, window.End)
		points, err := self.fetch(ctx, subject, window)
		if err != nil {
			return nil, err
		}
		return &historyEntry{
			subject: subject,
			window:  window,
			points:  sortPoints(points),
		}, nil
	}

	if !window.End.After(entry.window.End) {
		return entry, nil
	}

	delta := Window{
		Start: entry.window.End,
		End:   window.End,
	}
	self.metrics.HistoryFetch(HistoryFetchDelta)
	glog.V(1).Infof("[h]delta fetch %s (%s, %s]\n", subject, delta.Start, delta.End)
	deltaPoints, err := self.fetch(ctx, subject, delta)
	if err != nil {
		return nil, err
	}

	points := slices.Clone(entry.points)
	for _, point := range sortPoints(deltaPoints) {
		// the stored bound was already fetched
		if point.Time.After(entry.window.End) {
			points = append(points, point)
		}
	}
	return &historyEntry{
		subject: subject,
		window: Window{
			Start: entry.window.Start,
			End:   window.End,
		},
		points: points,
	}, nil
}

func sortPoints(points []HistoryPoint) []HistoryPoint {
	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(a HistoryPoint, b HistoryPoint) int {
		return a.Time.Compare(b.Time)
	})
	return sorted
}

type wsHistoryState struct {
	State       string  `json:"s"`
	LastUpdated float64 `json:"lu"`
}

// fetches one entity's state history over the persistent connection
func WsHistoryFetch(conn Connection) HistoryFetchFunction {
	return func(ctx context.Context, subject string, window Window) ([]HistoryPoint, error) {
		result, err := callWSResult[map[string][]wsHistoryState](ctx, conn, Message{
			"type":                     "history/history_during_period",
			"start_time":               window.Start.UTC().Format(time.RFC3339Nano),
			"end_time":                 window.End.UTC().Format(time.RFC3339Nano),
			"entity_ids":               []string{subject},
			"minimal_response":         true,
			"no_attributes":            true,
			"significant_changes_only": false,
		})
		if err != nil {
			return nil, err
		}
		states := result[subject]
		points := make([]HistoryPoint, 0, len(states))
		for _, state := range states {
			points = append(points, HistoryPoint{
				Time:  time.UnixMicro(int64(state.LastUpdated * 1e6)),
				State: state.State,
			})
		}
		return points, nil
	}
}
