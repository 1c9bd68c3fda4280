// Package network downloads tile images. It keeps at most one request per URL
// in flight, re-issues requests that outlive their deadline, and reports
// finished downloads on a channel so the consumer never touches its state
// from a transport goroutine.
package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mapcore/internal/cache"
	"mapcore/internal/metrics"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultCheckInterval = 5 * time.Second
	DefaultUserAgent     = "mapcore"

	resultBuffer = 256
)

// Outcome tells the consumer what to do with a Result.
type Outcome int

const (
	// OutcomeDisplay carries tile bytes meant for the screen.
	OutcomeDisplay Outcome = iota
	// OutcomeCacheOnly means the bytes were persisted for offline use only.
	OutcomeCacheOnly
	// OutcomeFailed is a permanent failure.
	OutcomeFailed
)

// Result is one finished download.
type Result struct {
	URL       string
	CacheOnly bool
	Outcome   Outcome
	Data      []byte
	FromCache bool
	Err       error
	// QueueEmptied is set when this completion left no request in flight.
	QueueEmptied bool
}

type Options struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	UserAgent     string
	// Proxy may carry credentials as user info.
	Proxy  *url.URL
	Policy Policy
	// Client overrides the default transport, mostly for tests.
	Client *http.Client
}

type request struct {
	id        uuid.UUID
	url       string
	cacheOnly bool
	deadline  time.Time
	started   time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// Fetcher is the download queue. Create it with New and Close it when done.
type Fetcher struct {
	logger *zap.Logger
	client *http.Client
	keyOf  func(string) cache.TileKey

	timeout       time.Duration
	checkInterval time.Duration
	userAgent     string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	inflight  map[string]*request
	sweepStop chan struct{}
	store     cache.Cache
	policy    Policy
	proxy     *url.URL
	closed    bool

	results chan Result
	wg      sync.WaitGroup
}

// New creates a fetcher writing downloaded bytes to store. keyOf maps a URL to
// the disk cache key.
func New(opts Options, store cache.Cache, keyOf func(string) cache.TileKey, logger *zap.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CheckInterval <= 0 || opts.CheckInterval >= opts.Timeout {
		opts.CheckInterval = min(DefaultCheckInterval, opts.Timeout/2)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if store == nil {
		store = cache.NewNoopCache()
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Fetcher{
		logger:        logger,
		keyOf:         keyOf,
		timeout:       opts.Timeout,
		checkInterval: opts.CheckInterval,
		userAgent:     opts.UserAgent,
		ctx:           ctx,
		cancel:        cancel,
		inflight:      make(map[string]*request),
		store:         store,
		policy:        opts.Policy,
		proxy:         opts.Proxy,
		results:       make(chan Result, resultBuffer),
	}

	f.client = opts.Client
	if f.client == nil {
		f.client = &http.Client{
			Transport: &http.Transport{
				Proxy:               f.proxyFor,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return f
}

// Results delivers finished downloads. Cancelled and transient completions
// never appear here.
func (f *Fetcher) Results() <-chan Result {
	return f.results
}

// Download queues url unless it is already in flight. It returns whether a
// new request was issued and the queue size afterwards.
func (f *Fetcher) Download(url string, cacheOnly bool) (bool, int) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false, 0
	}
	if _, ok := f.inflight[url]; ok {
		size := len(f.inflight)
		f.mu.Unlock()
		return false, size
	}

	req := f.newRequestLocked(url, cacheOnly)
	f.startSweepLocked()
	size := len(f.inflight)
	f.mu.Unlock()

	f.logger.Debug("Download queued", zap.String("url", url), zap.Bool("cache_only", cacheOnly), zap.Int("queue_size", size))
	f.start(req)
	return true, size
}

func (f *Fetcher) IsDownloading(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.inflight[url]
	return ok
}

func (f *Fetcher) QueueSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.inflight)
}

// AbortAll cancels every request and returns how many were in flight.
// Aborted requests produce no Result.
func (f *Fetcher) AbortAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.inflight)
	for url, req := range f.inflight {
		req.cancel()
		delete(f.inflight, url)
	}
	f.stopSweepLocked()
	metrics.DownloadsInflight.Set(0)

	if n > 0 {
		f.logger.Info("Downloads aborted", zap.Int("count", n))
	}
	return n
}

func (f *Fetcher) SetPolicy(p Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
}

func (f *Fetcher) Policy() Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy
}

func (f *Fetcher) SetStore(store cache.Cache) {
	if store == nil {
		store = cache.NewNoopCache()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store = store
}

// SetProxy applies to connections opened from now on.
func (f *Fetcher) SetProxy(proxy *url.URL) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxy = proxy
}

// Close aborts everything and waits for request goroutines to exit.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.AbortAll()
	f.cancel()
	f.wg.Wait()
}

func (f *Fetcher) proxyFor(*http.Request) (*url.URL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proxy, nil
}

func (f *Fetcher) newRequestLocked(url string, cacheOnly bool) *request {
	now := time.Now()
	ctx, cancel := context.WithCancel(f.ctx)
	req := &request{
		id:        uuid.New(),
		url:       url,
		cacheOnly: cacheOnly,
		deadline:  now.Add(f.timeout),
		started:   now,
		ctx:       ctx,
		cancel:    cancel,
	}
	f.inflight[url] = req
	metrics.DownloadsInflight.Set(float64(len(f.inflight)))
	return req
}

func (f *Fetcher) start(req *request) {
	metrics.DownloadsStarted.Inc()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer req.cancel()

		data, fromCache, err := f.retrieve(req.ctx, req)
		f.complete(req, data, fromCache, err)
	}()
}

// retrieve applies the cache policy around the actual download.
func (f *Fetcher) retrieve(ctx context.Context, req *request) ([]byte, bool, error) {
	f.mu.Lock()
	policy, store := f.policy, f.store
	f.mu.Unlock()

	key := f.keyOf(req.url)

	if !req.cacheOnly && policy.readsCacheFirst() {
		if data, ok := store.Get(key); ok {
			return data, true, nil
		}
		if policy == AlwaysCache {
			return nil, false, ErrNotCached
		}
	}

	data, err := f.get(ctx, req.url)
	if err == nil {
		if err := store.Set(key, data); err != nil {
			f.logger.Error("Failed to write tile to disk cache", zap.String("url", req.url), zap.Error(err))
		}
		return data, false, nil
	}

	if !req.cacheOnly && policy == PreferNetwork && Classify(err) == Permanent {
		if data, ok := store.Get(key); ok {
			f.logger.Debug("Serving stale disk copy", zap.String("url", req.url), zap.Error(err))
			return data, true, nil
		}
	}

	return nil, false, err
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	return data, nil
}

// complete resolves a finished request. Only the instance still registered
// for its URL may resolve it, so aborted and superseded requests vanish here.
func (f *Fetcher) complete(req *request, data []byte, fromCache bool, err error) {
	kind := Classify(err)

	f.mu.Lock()
	cur, ok := f.inflight[req.url]
	if !ok || cur.id != req.id {
		f.mu.Unlock()
		f.logger.Debug("Dropped superseded completion", zap.String("url", req.url), zap.Stringer("kind", kind))
		return
	}

	if kind == Transient {
		f.mu.Unlock()
		f.logger.Warn("Transient download failure, waiting for retry", zap.String("url", req.url), zap.Error(err))
		return
	}

	delete(f.inflight, req.url)
	emptied := len(f.inflight) == 0
	if emptied {
		f.stopSweepLocked()
	}
	metrics.DownloadsInflight.Set(float64(len(f.inflight)))
	f.mu.Unlock()

	metrics.DownloadDuration.WithLabelValues(kind.String()).Observe(time.Since(req.started).Seconds())

	if kind == Cancelled {
		return
	}

	res := Result{
		URL:          req.url,
		CacheOnly:    req.cacheOnly,
		Data:         data,
		FromCache:    fromCache,
		QueueEmptied: emptied,
	}
	switch {
	case kind == Permanent:
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Data = nil
		metrics.DownloadsFailed.Inc()
		f.logger.Error("Download failed", zap.String("url", req.url), zap.Bool("cache_only", req.cacheOnly), zap.Error(err))
	case req.cacheOnly:
		res.Outcome = OutcomeCacheOnly
	default:
		res.Outcome = OutcomeDisplay
	}

	select {
	case f.results <- res:
	case <-f.ctx.Done():
	}
}

func (f *Fetcher) startSweepLocked() {
	if f.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	f.sweepStop = stop

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.sweep(stop)
	}()
}

func (f *Fetcher) stopSweepLocked() {
	if f.sweepStop == nil {
		return
	}
	close(f.sweepStop)
	f.sweepStop = nil
}

func (f *Fetcher) sweep(stop <-chan struct{}) {
	ticker := time.NewTicker(f.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-f.ctx.Done():
			return
		case now := <-ticker.C:
			f.retryExpired(now)
		}
	}
}

// retryExpired aborts requests past their deadline and re-issues them with
// the same cache-only flag.
func (f *Fetcher) retryExpired(now time.Time) {
	var retries []*request

	f.mu.Lock()
	for url, req := range f.inflight {
		if now.Before(req.deadline) {
			continue
		}
		req.cancel()
		retries = append(retries, f.newRequestLocked(url, req.cacheOnly))
	}
	f.mu.Unlock()

	for _, req := range retries {
		metrics.DownloadsRetried.Inc()
		f.logger.Warn("Download timed out, retrying", zap.String("url", req.url), zap.Bool("cache_only", req.cacheOnly))
		f.start(req)
	}
}
