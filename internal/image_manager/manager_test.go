package image_manager

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mapcore/internal/cache"
	"mapcore/internal/provider"
	"mapcore/internal/tile_url"
)

const tileSize = 16

func pngTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, tileSize, tileSize))
	img.Set(1, 1, color.NRGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type tileServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newTileServer(t *testing.T, handler http.HandlerFunc) *tileServer {
	t.Helper()
	ts := &tileServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func servePNG(t *testing.T) http.HandlerFunc {
	data := pngTile(t)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

type recorder struct {
	events chan Event
}

func record(m *Manager) *recorder {
	r := &recorder{events: make(chan Event, 64)}
	m.Subscribe(func(e Event) { r.events <- e })
	return r
}

// next skips events of other kinds until one of kind arrives.
func (r *recorder) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func (r *recorder) none(t *testing.T, kind EventKind, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case e := <-r.events:
			if e.Kind == kind {
				t.Fatalf("unexpected %s event for %s", kind, e.URL)
			}
		case <-timeout:
			return
		}
	}
}

func newManager(t *testing.T, opts Options, store cache.Cache) *Manager {
	t.Helper()
	opts.TileSizePx = tileSize
	m, err := New(opts, store, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newFileStore(t *testing.T) *cache.FileCache {
	t.Helper()
	store, err := cache.NewFileCache(t.TempDir(), 1<<20, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func TestGetImagePlaceholderThenUpdate(t *testing.T) {
	srv := newTileServer(t, servePNG(t))
	m := newManager(t, Options{}, nil)
	rec := record(m)
	url := srv.URL + "/1/0/0.png"

	first := m.GetImage(url)
	assert.Same(t, m.LoadingImage().(*image.RGBA), first.(*image.RGBA))

	e := rec.next(t, ImageUpdated)
	assert.Equal(t, url, e.URL)
	rec.next(t, DownloadingFinished)

	img := m.GetImage(url)
	assert.NotSame(t, m.LoadingImage(), img)
	assert.Equal(t, image.Rect(0, 0, tileSize, tileSize), img.Bounds())
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestGetImageDeduplicatesDownloads(t *testing.T) {
	release := make(chan struct{})
	data := pngTile(t)
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(data)
	})
	m := newManager(t, Options{}, nil)
	rec := record(m)
	url := srv.URL + "/2/1/1.png"

	m.GetImage(url)
	m.GetImage(url)
	assert.Equal(t, 1, m.LoadQueueSize())
	assert.True(t, m.IsDownloading(url))

	e := rec.next(t, DownloadInProgress)
	assert.Equal(t, 1, e.Count)

	close(release)
	rec.next(t, ImageUpdated)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestOfflineModeIsNetworkSilent(t *testing.T) {
	srv := newTileServer(t, servePNG(t))
	m := newManager(t, Options{Offline: true}, newFileStore(t))
	rec := record(m)

	img := m.GetImage(srv.URL + "/3/2/1.png")
	assert.Same(t, m.LoadingImage().(*image.RGBA), img.(*image.RGBA))
	m.PrefetchImage(srv.URL + "/3/2/2.png")

	assert.Equal(t, 0, m.LoadQueueSize())
	rec.none(t, DownloadInProgress, 100*time.Millisecond)
	assert.Equal(t, int32(0), srv.hits.Load())

	_, err := m.CacheImageToDisk(srv.URL + "/3/2/1.png")
	assert.ErrorIs(t, err, ErrOffline)
}

func TestOfflineModeReadsDisk(t *testing.T) {
	store := newFileStore(t)
	m := newManager(t, Options{Offline: true}, store)
	url := "http://unreachable.invalid/4/3/2.png"

	require.NoError(t, store.Set(m.keyOf(url), pngTile(t)))
	m.prefetch[url] = struct{}{}

	img := m.GetImage(url)
	assert.Equal(t, image.Rect(0, 0, tileSize, tileSize), img.Bounds())
	assert.NotContains(t, m.prefetch, url)
	assert.True(t, m.memory.Has(m.keyOf(url)))
}

func TestProviderIsAskedFirst(t *testing.T) {
	srv := newTileServer(t, servePNG(t))
	template := tile_url.Template(srv.URL + "/%zoom/%x/%y.png")

	rootDir := t.TempDir()
	tilePath := filepath.Join(rootDir, "5", "6", "7.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(tilePath), 0755))
	require.NoError(t, os.WriteFile(tilePath, pngTile(t), 0644))

	p, err := provider.NewDirProvider(template, filepath.Join(rootDir, "{z}", "{x}", "{y}.png"))
	require.NoError(t, err)

	m := newManager(t, Options{}, nil)
	m.SetProvider(p)

	img := m.GetImage(template.Format(5, 6, 7))
	assert.Equal(t, image.Rect(0, 0, tileSize, tileSize), img.Bounds())
	assert.NotSame(t, m.LoadingImage(), img)
	assert.Equal(t, int32(0), srv.hits.Load())

	// Absent from the provider, so the network is used.
	m.GetImage(template.Format(5, 6, 8))
	assert.Eventually(t, func() bool { return srv.hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestPrefetchIsSilent(t *testing.T) {
	srv := newTileServer(t, servePNG(t))
	m := newManager(t, Options{}, nil)
	rec := record(m)
	url := srv.URL + "/6/1/1.png"

	m.PrefetchImage(url)
	rec.next(t, DownloadingFinished)
	rec.none(t, ImageUpdated, 50*time.Millisecond)

	assert.True(t, m.memory.Has(m.keyOf(url)))
	m.GetImage(url)
	m.PrefetchImage(url)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestCacheImageToDisk(t *testing.T) {
	srv := newTileServer(t, servePNG(t))
	store := newFileStore(t)
	m := newManager(t, Options{}, store)
	rec := record(m)
	url := srv.URL + "/7/1/1.png"

	cached, err := m.CacheImageToDisk(url)
	require.NoError(t, err)
	assert.False(t, cached)

	e := rec.next(t, ImageCached)
	assert.Equal(t, url, e.URL)

	assert.True(t, store.Has(m.keyOf(url)))
	assert.False(t, m.memory.Has(m.keyOf(url)), "cache-only tiles stay out of memory")

	cached, err = m.CacheImageToDisk(url)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestCacheImageToDiskRequiresDisk(t *testing.T) {
	m := newManager(t, Options{}, nil)

	_, err := m.CacheImageToDisk("http://example.invalid/1/1/1.png")
	assert.ErrorIs(t, err, ErrNoDiskCache)
}

func TestDownloadFailureIsReported(t *testing.T) {
	srv := newTileServer(t, http.NotFound)
	m := newManager(t, Options{}, nil)
	rec := record(m)
	url := srv.URL + "/8/1/1.png"

	m.GetImage(url)
	e := rec.next(t, ImageDownloadFailed)
	assert.Equal(t, url, e.URL)
	assert.Error(t, e.Err)

	assert.Same(t, m.LoadingImage().(*image.RGBA), m.GetImage(srv.URL+"/8/1/2.png").(*image.RGBA))
}

func TestUndecodableTileIsReported(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>captive portal</html>"))
	})
	m := newManager(t, Options{}, nil)
	rec := record(m)

	m.GetImage(srv.URL + "/9/0/0.png")
	rec.next(t, ImageDownloadFailed)
	assert.Equal(t, 0, m.memory.Len())
}

func TestAbortLoading(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	m := newManager(t, Options{}, nil)
	rec := record(m)

	m.GetImage(srv.URL + "/10/0/0.png")
	m.PrefetchImage(srv.URL + "/10/0/1.png")
	require.Equal(t, 2, m.LoadQueueSize())

	m.AbortLoading()
	assert.Equal(t, 0, m.LoadQueueSize())
	assert.Empty(t, m.display)
	assert.Empty(t, m.prefetch)

	rec.next(t, DownloadingFinished)
	rec.none(t, ImageDownloadFailed, 100*time.Millisecond)
}

func TestSetTileSizeRebuildsPlaceholder(t *testing.T) {
	m := newManager(t, Options{}, nil)
	assert.Equal(t, image.Rect(0, 0, tileSize, tileSize), m.LoadingImage().Bounds())

	require.NoError(t, m.SetTileSizePx(64))
	assert.Equal(t, 64, m.TileSizePx())
	assert.Equal(t, image.Rect(0, 0, 64, 64), m.LoadingImage().Bounds())
	assert.Equal(t, image.Rect(0, 0, 64, 64), m.EmptyImage().Bounds())
	assert.Equal(t, 64, m.keyOf("u").TileSizePx)

	custom := image.NewRGBA(image.Rect(0, 0, 8, 8))
	m.SetLoadingImage(custom)
	require.NoError(t, m.SetTileSizePx(128))
	assert.Same(t, custom, m.LoadingImage().(*image.RGBA))

	m.SetLoadingImage(nil)
	assert.Equal(t, image.Rect(0, 0, 128, 128), m.LoadingImage().Bounds())

	assert.Error(t, m.SetTileSizePx(0))
}

func TestLoadingImageHasLabel(t *testing.T) {
	img := newLoadingImage(256).(*image.RGBA)

	var dark, pattern int
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			c := img.RGBAAt(x, y)
			switch {
			case c.A == 255 && c.R < 64:
				dark++
			case c == patternColor:
				pattern++
			}
		}
	}
	assert.Greater(t, dark, 0)
	assert.Greater(t, pattern, 256*256/8)
}
