package panel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func at(s int64) time.Time {
	return time.Unix(s, 0)
}

func window(start int64, end int64) Window {
	return Window{
		Start: at(start),
		End:   at(end),
	}
}

// a series with one point every 10 seconds
type testHistorySource struct {
	stateLock sync.Mutex
	fetches   []Window
	subjects  []string
	err       error
}

func (self *testHistorySource) fetch(ctx context.Context, subject string, window Window) ([]HistoryPoint, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.fetches = append(self.fetches, window)
	self.subjects = append(self.subjects, subject)
	if self.err != nil {
		return nil, self.err
	}
	points := []HistoryPoint{}
	start := window.Start.Unix()
	if r := start % 10; r != 0 {
		start += 10 - r
	}
	for s := start; s <= window.End.Unix(); s += 10 {
		points = append(points, HistoryPoint{
			Time:  at(s),
			State: subject,
		})
	}
	return points, nil
}

func (self *testHistorySource) Fetches() []Window {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]Window{}, self.fetches...)
}

func (self *testHistorySource) SetErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.err = err
}

func newTestFetcher(coalesceTimeout time.Duration) (*CachedRangeFetcher, *testHistorySource, *Metrics) {
	source := &testHistorySource{}
	metrics := NewMetrics(prometheus.NewRegistry())
	settings := DefaultCachedRangeFetcherSettings()
	settings.CoalesceTimeout = coalesceTimeout
	fetcher := NewCachedRangeFetcher(NewHistoryCache(), source.fetch, settings, metrics)
	return fetcher, source, metrics
}

func pointTimes(points []HistoryPoint) []int64 {
	times := []int64{}
	for _, point := range points {
		times = append(times, point.Time.Unix())
	}
	return times
}

func TestHistoryIdempotent(t *testing.T) {
	ctx := context.Background()
	fetcher, source, metrics := newTestFetcher(time.Millisecond)

	a, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)
	b, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)

	assert.Equal(t, len(source.Fetches()), 1)
	assert.Equal(t, pointTimes(a), pointTimes(b))
	assert.Equal(t, len(a), 11)
	assert.Equal(t, testutil.ToFloat64(metrics.historyRequests.WithLabelValues(HistoryRequestFetched)), float64(1))
	assert.Equal(t, testutil.ToFloat64(metrics.historyRequests.WithLabelValues(HistoryRequestCached)), float64(1))

	// a narrower window is clipped from the entry
	c, err := fetcher.GetRange(ctx, "S", window(25, 55), "K")
	assert.Equal(t, err, nil)
	assert.Equal(t, pointTimes(c), []int64{30, 40, 50})
	assert.Equal(t, len(source.Fetches()), 1)
}

func TestHistoryDelta(t *testing.T) {
	ctx := context.Background()
	fetcher, source, metrics := newTestFetcher(time.Millisecond)

	_, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)
	points, err := fetcher.GetRange(ctx, "S", window(0, 200), "K")
	assert.Equal(t, err, nil)

	fetches := source.Fetches()
	assert.Equal(t, len(fetches), 2)
	// only (100, 200] is fetched
	assert.Equal(t, fetches[1].Start.Unix(), int64(100))
	assert.Equal(t, fetches[1].End.Unix(), int64(200))

	expected := []int64{}
	for s := int64(0); s <= 200; s += 10 {
		expected = append(expected, s)
	}
	assert.Equal(t, pointTimes(points), expected)

	subject, entryWindow, ok := fetcher.Cache().Entry("K")
	assert.Equal(t, ok, true)
	assert.Equal(t, subject, "S")
	assert.Equal(t, entryWindow.Start.Unix(), int64(0))
	assert.Equal(t, entryWindow.End.Unix(), int64(200))

	assert.Equal(t, testutil.ToFloat64(metrics.historyFetches.WithLabelValues(HistoryFetchFull)), float64(1))
	assert.Equal(t, testutil.ToFloat64(metrics.historyFetches.WithLabelValues(HistoryFetchDelta)), float64(1))

	// a later start within the entry is a delta too
	points, err = fetcher.GetRange(ctx, "S", window(150, 250), "K")
	assert.Equal(t, err, nil)
	assert.Equal(t, pointTimes(points), []int64{150, 160, 170, 180, 190, 200, 210, 220, 230, 240, 250})
	fetches = source.Fetches()
	assert.Equal(t, len(fetches), 3)
	assert.Equal(t, fetches[2].Start.Unix(), int64(200))
}

func TestHistorySubjectChange(t *testing.T) {
	ctx := context.Background()
	fetcher, source, _ := newTestFetcher(time.Millisecond)

	_, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)

	points, err := fetcher.GetRange(ctx, "S2", window(0, 50), "K")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(points), 6)
	for _, point := range points {
		assert.Equal(t, point.State, "S2")
	}

	fetches := source.Fetches()
	assert.Equal(t, len(fetches), 2)
	assert.Equal(t, fetches[1].Start.Unix(), int64(0))
	assert.Equal(t, fetches[1].End.Unix(), int64(50))

	subject, entryWindow, ok := fetcher.Cache().Entry("K")
	assert.Equal(t, ok, true)
	assert.Equal(t, subject, "S2")
	assert.Equal(t, entryWindow.End.Unix(), int64(50))
}

func TestHistoryGap(t *testing.T) {
	ctx := context.Background()
	fetcher, source, _ := newTestFetcher(time.Millisecond)

	_, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)
	// a window after a gap replaces the entry
	_, err = fetcher.GetRange(ctx, "S", window(200, 300), "K")
	assert.Equal(t, err, nil)
	// a window before the entry replaces the entry
	_, err = fetcher.GetRange(ctx, "S", window(100, 250), "K")
	assert.Equal(t, err, nil)

	fetches := source.Fetches()
	assert.Equal(t, len(fetches), 3)
	assert.Equal(t, fetches[1].Start.Unix(), int64(200))
	assert.Equal(t, fetches[2].Start.Unix(), int64(100))
	assert.Equal(t, fetches[2].End.Unix(), int64(250))
}

func TestHistoryErrorKeepsEntry(t *testing.T) {
	ctx := context.Background()
	fetcher, source, metrics := newTestFetcher(time.Millisecond)

	_, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)

	fetchErr := errors.New("fetch failed")
	source.SetErr(fetchErr)
	_, err = fetcher.GetRange(ctx, "S", window(0, 200), "K")
	assert.Equal(t, errors.Is(err, fetchErr), true)

	_, entryWindow, ok := fetcher.Cache().Entry("K")
	assert.Equal(t, ok, true)
	assert.Equal(t, entryWindow.End.Unix(), int64(100))
	assert.Equal(t, testutil.ToFloat64(metrics.historyRequests.WithLabelValues(HistoryRequestError)), float64(1))

	// the cached range is still served
	points, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(points), 11)

	source.SetErr(nil)
	points, err = fetcher.GetRange(ctx, "S", window(0, 200), "K")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(points), 21)
}

func TestHistoryCoalesce(t *testing.T) {
	ctx := context.Background()
	fetcher, source, metrics := newTestFetcher(100 * time.Millisecond)

	n := 8
	results := make([][]HistoryPoint, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = fetcher.GetRange(ctx, "S", window(0, 100), "K")
		}()
	}
	wg.Wait()

	assert.Equal(t, len(source.Fetches()), 1)
	for i := range n {
		assert.Equal(t, errs[i], nil)
		assert.Equal(t, len(results[i]), 11)
	}
	fetched := testutil.ToFloat64(metrics.historyRequests.WithLabelValues(HistoryRequestFetched))
	coalesced := testutil.ToFloat64(metrics.historyRequests.WithLabelValues(HistoryRequestCoalesced))
	cached := testutil.ToFloat64(metrics.historyRequests.WithLabelValues(HistoryRequestCached))
	assert.Equal(t, fetched+coalesced+cached, float64(n))
	assert.Equal(t, fetched, float64(1))
}

func TestHistoryCoalesceLatestWins(t *testing.T) {
	ctx := context.Background()
	fetcher, source, _ := newTestFetcher(100 * time.Millisecond)

	var wg sync.WaitGroup
	var a []HistoryPoint
	var b []HistoryPoint
	wg.Add(1)
	go func() {
		defer wg.Done()
		a, _ = fetcher.GetRange(ctx, "S", window(0, 100), "K")
	}()
	time.Sleep(20 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		b, _ = fetcher.GetRange(ctx, "S", window(0, 150), "K")
	}()
	wg.Wait()

	// the later window was fetched, and covers the earlier request
	fetches := source.Fetches()
	assert.Equal(t, len(fetches), 1)
	assert.Equal(t, fetches[0].End.Unix(), int64(150))
	assert.Equal(t, len(a), 11)
	assert.Equal(t, len(b), 16)
}

func TestHistoryCoalesceNotCovered(t *testing.T) {
	ctx := context.Background()
	fetcher, source, _ := newTestFetcher(100 * time.Millisecond)

	var wg sync.WaitGroup
	var a []HistoryPoint
	var b []HistoryPoint
	wg.Add(1)
	go func() {
		defer wg.Done()
		a, _ = fetcher.GetRange(ctx, "S", window(0, 150), "K")
	}()
	time.Sleep(20 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		b, _ = fetcher.GetRange(ctx, "S", window(0, 100), "K")
	}()
	wg.Wait()

	// the earlier, wider request goes again for the missing tail
	fetches := source.Fetches()
	assert.Equal(t, len(fetches), 2)
	assert.Equal(t, fetches[0].End.Unix(), int64(100))
	assert.Equal(t, fetches[1].Start.Unix(), int64(100))
	assert.Equal(t, fetches[1].End.Unix(), int64(150))
	assert.Equal(t, len(a), 16)
	assert.Equal(t, len(b), 11)
}

func TestHistoryInvalidate(t *testing.T) {
	ctx := context.Background()
	fetcher, source, _ := newTestFetcher(time.Millisecond)

	_, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)
	fetcher.Cache().Invalidate("K")
	_, _, ok := fetcher.Cache().Entry("K")
	assert.Equal(t, ok, false)

	_, err = fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(source.Fetches()), 2)
	assert.Equal(t, fetcher.Cache().Len(), 1)
}

func TestHistoryInvalidateDuringFetch(t *testing.T) {
	ctx := context.Background()
	source := &testHistorySource{}
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context, subject string, window Window) ([]HistoryPoint, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return source.fetch(ctx, subject, window)
	}
	fetcher := NewCachedRangeFetcherWithDefaults(NewHistoryCache(), fetch, nil)

	type result struct {
		points []HistoryPoint
		err    error
	}
	results := make(chan result, 1)
	go func() {
		points, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
		results <- result{points, err}
	}()

	<-started
	fetcher.Cache().Invalidate("K")
	close(release)

	select {
	case r := <-results:
		assert.Equal(t, r.err, nil)
		assert.Equal(t, len(r.points), 11)
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for range.")
	}
	// the stale fetch is dropped and the waiter fetches again
	assert.Equal(t, len(source.Fetches()), 2)
	assert.Equal(t, fetcher.Cache().Len(), 1)
}

func TestHistoryCallerCancel(t *testing.T) {
	fetcher, source, _ := newTestFetcher(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fetcher.GetRange(ctx, "S", window(0, 100), "K")
	assert.Equal(t, errors.Is(err, context.Canceled), true)

	// the fetch still completes and is committed
	for i := 0; i < 100; i += 1 {
		if fetcher.Cache().Len() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, fetcher.Cache().Len(), 1)
	assert.Equal(t, len(source.Fetches()), 1)
}

func TestWsHistoryFetch(t *testing.T) {
	conn := newTestConnection()
	var request Message
	conn.OnCall("history/history_during_period", func(message Message) (any, error) {
		request = message
		return map[string]any{
			"sensor.a": []map[string]any{
				{"s": "on", "lu": 1000.5},
				{"s": "off", "lu": 1010.25},
			},
		}, nil
	})

	points, err := WsHistoryFetch(conn)(context.Background(), "sensor.a", window(1000, 1100))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(points), 2)
	assert.Equal(t, points[0].State, "on")
	assert.Equal(t, points[0].Time.UnixMilli(), int64(1000500))
	assert.Equal(t, points[1].Time.UnixMilli(), int64(1010250))
	assert.Equal(t, request["entity_ids"], []string{"sensor.a"})
	assert.Equal(t, request["minimal_response"], true)
}
