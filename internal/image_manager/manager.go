// Package image_manager resolves tile URLs to images through a memory cache,
// an optional custom provider, a disk cache and the network. GetImage never
// blocks on the network: it returns a placeholder and raises ImageUpdated once
// the real tile is in memory.
//
// A process normally shares one Manager between all layers. Construct it once
// and pass it around.
package image_manager

import (
	"errors"
	"fmt"
	"image"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mapcore/internal/cache"
	"mapcore/internal/decoder"
	"mapcore/internal/metrics"
	"mapcore/internal/network"
	"mapcore/internal/projection"
	"mapcore/internal/provider"
)

var (
	ErrOffline     = errors.New("offline mode")
	ErrNoDiskCache = errors.New("disk cache not configured")
)

type Options struct {
	TileSizePx int
	// EPSG selects the projection, part of every cache key.
	EPSG int
	// MemoryCapacity in bytes, defaults to cache.MinMemoryCapacity.
	MemoryCapacity int64
	Offline        bool
	Network        network.Options
}

type Manager struct {
	logger  *zap.Logger
	decoder decoder.Decoder
	memory  *cache.MemoryCache
	fetcher *network.Fetcher
	events  *dispatcher
	group   singleflight.Group

	mu           sync.RWMutex
	store        cache.Cache
	provider     provider.Provider
	offline      bool
	projection   projection.Projection
	loading      image.Image
	customLoader bool
	empty        image.Image
	customEmpty  bool
	// URLs waiting on the network, by why they were requested.
	display  map[string]struct{}
	prefetch map[string]struct{}
	toDisk   map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a manager that owns store. A nil store disables the disk tier,
// a nil decoder uses decoder.Std.
func New(opts Options, store cache.Cache, dec decoder.Decoder, logger *zap.Logger) (*Manager, error) {
	if opts.TileSizePx == 0 {
		opts.TileSizePx = projection.DefaultTileSizePx
	}
	if opts.EPSG == 0 {
		opts.EPSG = projection.EPSGWorldMercator
	}
	if opts.MemoryCapacity <= 0 {
		opts.MemoryCapacity = cache.MinMemoryCapacity
	}

	proj, err := projection.ForEPSG(opts.EPSG, opts.TileSizePx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = cache.NewNoopCache()
	}
	if dec == nil {
		dec = decoder.NewStd()
	}

	m := &Manager{
		logger:     logger,
		decoder:    dec,
		memory:     cache.NewMemoryCache(opts.MemoryCapacity),
		events:     newDispatcher(),
		store:      store,
		offline:    opts.Offline,
		projection: proj,
		loading:    newLoadingImage(opts.TileSizePx),
		empty:      newEmptyImage(opts.TileSizePx),
		display:    make(map[string]struct{}),
		prefetch:   make(map[string]struct{}),
		toDisk:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	m.fetcher = network.New(opts.Network, store, m.keyOf, logger)

	m.wg.Add(1)
	go m.loop()

	logger.Info("Image manager started",
		zap.Int("tile_size_px", opts.TileSizePx),
		zap.Int("epsg", opts.EPSG),
		zap.Int64("memory_capacity", opts.MemoryCapacity),
		zap.Bool("disk_cache", cache.Enabled(store)),
		zap.Bool("offline", opts.Offline),
	)
	return m, nil
}

// Close stops downloads and event delivery and closes the disk cache.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
	m.fetcher.Close()
	m.events.close()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Close()
}

// Subscribe registers fn for every event. Events are delivered in order from
// one goroutine. The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.events.subscribe(fn)
}

// GetImage returns the tile for url if it is resolvable right now, otherwise
// the loading placeholder.
func (m *Manager) GetImage(url string) image.Image {
	key := m.keyOf(url)
	if img, ok := m.memory.Get(key); ok {
		return img
	}
	return m.resolve(url, key, false)
}

// PrefetchImage warms the cache for an off-screen tile without raising
// ImageUpdated when it arrives.
func (m *Manager) PrefetchImage(url string) {
	key := m.keyOf(url)
	if m.memory.Has(key) {
		return
	}
	m.resolve(url, key, true)
}

// CacheImageToDisk downloads url into the disk cache only. It reports true
// when the disk already holds the tile, otherwise ImageCached or
// ImageDownloadFailed follows.
func (m *Manager) CacheImageToDisk(url string) (bool, error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return false, ErrOffline
	}
	if !cache.Enabled(m.store) {
		m.mu.Unlock()
		return false, ErrNoDiskCache
	}
	if m.store.Has(m.keyOfLocked(url)) {
		m.mu.Unlock()
		return true, nil
	}
	m.toDisk[url] = struct{}{}
	m.mu.Unlock()

	if queued, size := m.fetcher.Download(url, true); queued {
		m.events.publish(Event{Kind: DownloadInProgress, Count: size})
	}
	return false, nil
}

// AbortLoading cancels every download and forgets why they were requested.
func (m *Manager) AbortLoading() {
	n := m.fetcher.AbortAll()

	m.mu.Lock()
	clear(m.display)
	clear(m.prefetch)
	clear(m.toDisk)
	m.mu.Unlock()

	if n > 0 {
		m.events.publish(Event{Kind: DownloadingFinished})
	}
}

func (m *Manager) LoadQueueSize() int {
	return m.fetcher.QueueSize()
}

func (m *Manager) IsDownloading(url string) bool {
	return m.fetcher.IsDownloading(url)
}

// SetProvider installs p ahead of the disk and network tiers, nil removes it.
func (m *Manager) SetProvider(p provider.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = p
}

func (m *Manager) SetOfflineMode(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = enabled
	m.logger.Info("Offline mode changed", zap.Bool("offline", enabled))
}

func (m *Manager) OfflineMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offline
}

// SetTileSizePx changes the tile size. Tiles cached under the old size stay
// unreachable until evicted. Default placeholders are redrawn.
func (m *Manager) SetTileSizePx(tileSizePx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proj, err := projection.ForEPSG(m.projection.EPSG(), tileSizePx)
	if err != nil {
		return err
	}
	m.projection = proj
	if !m.customLoader {
		m.loading = newLoadingImage(tileSizePx)
	}
	if !m.customEmpty {
		m.empty = newEmptyImage(tileSizePx)
	}
	return nil
}

func (m *Manager) TileSizePx() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projection.TileSizePx()
}

// SetEPSG switches projection, keeping the tile size.
func (m *Manager) SetEPSG(epsg int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proj, err := projection.ForEPSG(epsg, m.projection.TileSizePx())
	if err != nil {
		return err
	}
	m.projection = proj
	return nil
}

func (m *Manager) Projection() projection.Projection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projection
}

// SetLoadingImage replaces the placeholder, nil restores the default.
func (m *Manager) SetLoadingImage(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.customLoader = img != nil
	if img == nil {
		img = newLoadingImage(m.projection.TileSizePx())
	}
	m.loading = img
}

func (m *Manager) LoadingImage() image.Image {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

// SetEmptyImage replaces the image layers draw outside the tile range, nil
// restores the transparent default.
func (m *Manager) SetEmptyImage(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.customEmpty = img != nil
	if img == nil {
		img = newEmptyImage(m.projection.TileSizePx())
	}
	m.empty = img
}

func (m *Manager) EmptyImage() image.Image {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.empty
}

// EnableDiskCache swaps in a disk cache at dir. An empty dir disables it.
func (m *Manager) EnableDiskCache(dir string, capacityMiB int) error {
	store, err := cache.NewCache(dir, capacityMiB, m.logger)
	if err != nil {
		return fmt.Errorf("failed to enable disk cache: %w", err)
	}

	m.mu.Lock()
	old := m.store
	m.store = store
	m.mu.Unlock()

	m.fetcher.SetStore(store)
	old.Close()
	return nil
}

func (m *Manager) SetMemoryCacheCapacity(capacityMiB int) {
	m.memory.SetCapacity(int64(capacityMiB) * 1024 * 1024)
}

// MemoryCacheCost is the byte cost of decoded tiles held in memory.
func (m *Manager) MemoryCacheCost() int64 {
	return m.memory.Cost()
}

// SetProxy routes downloads through proxy. Credentials go in its user info.
func (m *Manager) SetProxy(proxy *url.URL) {
	m.fetcher.SetProxy(proxy)
}

func (m *Manager) SetCachePolicy(p network.Policy) {
	m.fetcher.SetPolicy(p)
}

func (m *Manager) CachePolicy() network.Policy {
	return m.fetcher.Policy()
}

func (m *Manager) keyOf(url string) cache.TileKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyOfLocked(url)
}

func (m *Manager) keyOfLocked(url string) cache.TileKey {
	return cache.TileKey{URL: url, EPSG: m.projection.EPSG(), TileSizePx: m.projection.TileSizePx()}
}

// resolve walks provider, offline disk and network after a memory miss.
func (m *Manager) resolve(url string, key cache.TileKey, prefetch bool) image.Image {
	m.mu.RLock()
	p, store, offline, loading := m.provider, m.store, m.offline, m.loading
	m.mu.RUnlock()

	if p != nil {
		if img, ok := m.fromProvider(p, url, key); ok {
			return img
		}
	}

	if offline {
		if cache.Enabled(store) {
			if img, ok := m.fromDisk(store, url, key); ok {
				return img
			}
		}
		return loading
	}

	m.mu.Lock()
	if prefetch {
		m.prefetch[url] = struct{}{}
	} else {
		m.display[url] = struct{}{}
	}
	m.mu.Unlock()

	if queued, size := m.fetcher.Download(url, false); queued {
		m.events.publish(Event{Kind: DownloadInProgress, Count: size})
	}
	return loading
}

func (m *Manager) fromProvider(p provider.Provider, url string, key cache.TileKey) (image.Image, bool) {
	v, err, _ := m.group.Do("provider:"+key.Hash(), func() (any, error) {
		data, found, err := p.Tile(url)
		if err != nil {
			metrics.ProviderRequests.WithLabelValues("error").Inc()
			return nil, err
		}
		if !found {
			metrics.ProviderRequests.WithLabelValues("miss").Inc()
			return nil, nil
		}
		metrics.ProviderRequests.WithLabelValues("hit").Inc()
		return m.decodeAndStore(key, data)
	})
	if err != nil {
		m.logger.Warn("Tile provider failed", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	img, ok := v.(image.Image)
	return img, ok && img != nil
}

// fromDisk is the one synchronous disk read, used only in offline mode.
func (m *Manager) fromDisk(store cache.Cache, url string, key cache.TileKey) (image.Image, bool) {
	v, err, _ := m.group.Do("disk:"+key.Hash(), func() (any, error) {
		data, ok := store.Get(key)
		if !ok {
			return nil, nil
		}
		return m.decodeAndStore(key, data)
	})
	if err != nil {
		m.logger.Warn("Disk cached tile unreadable", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	img, ok := v.(image.Image)
	if !ok || img == nil {
		return nil, false
	}

	m.mu.Lock()
	delete(m.prefetch, url)
	m.mu.Unlock()
	return img, true
}

func (m *Manager) decodeAndStore(key cache.TileKey, data []byte) (image.Image, error) {
	img, err := m.decoder.Decode(data, key.TileSizePx)
	if err != nil {
		return nil, err
	}
	m.memory.Set(key, img)
	return img, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()

	for {
		select {
		case res := <-m.fetcher.Results():
			m.handleResult(res)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) handleResult(res network.Result) {
	m.mu.Lock()
	_, wanted := m.display[res.URL]
	_, prefetched := m.prefetch[res.URL]
	_, toDisk := m.toDisk[res.URL]
	delete(m.display, res.URL)
	delete(m.prefetch, res.URL)
	delete(m.toDisk, res.URL)
	key := m.keyOfLocked(res.URL)
	m.mu.Unlock()

	defer func() {
		if res.QueueEmptied && m.fetcher.QueueSize() == 0 {
			m.events.publish(Event{Kind: DownloadingFinished})
		}
	}()

	if res.Outcome == network.OutcomeFailed {
		m.events.publish(Event{Kind: ImageDownloadFailed, URL: res.URL, Err: res.Err})
		return
	}

	if toDisk || res.Outcome == network.OutcomeCacheOnly {
		m.events.publish(Event{Kind: ImageCached, URL: res.URL})
	}

	// Cache-only bytes reach memory only when someone also asked to see them.
	if res.Outcome == network.OutcomeCacheOnly && !wanted && !prefetched {
		return
	}

	if _, err := m.decodeAndStore(key, res.Data); err != nil {
		m.logger.Error("Failed to decode downloaded tile", zap.String("url", res.URL), zap.Error(err))
		m.events.publish(Event{Kind: ImageDownloadFailed, URL: res.URL, Err: err})
		return
	}

	if wanted || (res.Outcome == network.OutcomeDisplay && !prefetched) {
		m.events.publish(Event{Kind: ImageUpdated, URL: res.URL})
	}
}
