package http

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mapcore/internal/config"
	"mapcore/internal/image_manager"
	"mapcore/internal/tile_url"
)

// TileManager is the image manager surface served over HTTP.
type TileManager interface {
	GetImage(url string) image.Image
	PrefetchImage(url string)
	CacheImageToDisk(url string) (bool, error)
	LoadingImage() image.Image
	LoadQueueSize() int
	OfflineMode() bool
	SetOfflineMode(enabled bool)
	AbortLoading()
	MemoryCacheCost() int64
	TileSizePx() int
}

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	manager TileManager
	server  tile_url.Server
}

func New(config *config.Config, logger *zap.Logger, manager TileManager, server tile_url.Server) *Handlers {
	return &Handlers{
		config:  config,
		logger:  logger,
		manager: manager,
		server:  server,
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/tiles/", h.HandleTileRoutes)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/offline", h.HandleOffline)
	mux.HandleFunc("/api/abort", h.HandleAbort)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		written := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", written),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Tile-Status")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type status struct {
	QueueSize       int    `json:"queue_size"`
	Offline         bool   `json:"offline"`
	MemoryCacheCost int64  `json:"memory_cache_bytes"`
	TileSizePx      int    `json:"tile_size_px"`
	Server          string `json:"server"`
	MaxZoom         int    `json:"max_zoom"`
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, status{
		QueueSize:       h.manager.LoadQueueSize(),
		Offline:         h.manager.OfflineMode(),
		MemoryCacheCost: h.manager.MemoryCacheCost(),
		TileSizePx:      h.manager.TileSizePx(),
		Server:          h.server.Name,
		MaxZoom:         h.server.MaxZoom,
	})
}

func (h *Handlers) HandleOffline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "Invalid enabled flag", http.StatusBadRequest)
		return
	}

	h.manager.SetOfflineMode(enabled)
	h.writeJSON(w, http.StatusOK, map[string]bool{"offline": enabled})
}

func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.manager.AbortLoading()
	w.WriteHeader(http.StatusNoContent)
}

// HandleTileRoutes serves
//
//	GET  /api/tiles/{z}/{x}/{y}.png
//	POST /api/tiles/{z}/{x}/{y}/prefetch
//	POST /api/tiles/{z}/{x}/{y}/cache
func (h *Handlers) HandleTileRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tiles/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 3:
		h.handleTile(w, r, parts)
	case len(parts) == 4 && parts[3] == "prefetch":
		h.handlePrefetch(w, r, parts[:3])
	case len(parts) == 4 && parts[3] == "cache":
		h.handleCache(w, r, parts[:3])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !strings.HasSuffix(parts[2], ".png") {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	parts[2] = strings.TrimSuffix(parts[2], ".png")

	url, err := h.tileURL(parts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img := h.manager.GetImage(url)
	loading := img == h.manager.LoadingImage()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		h.logger.Error("Failed to encode tile", zap.String("url", url), zap.Error(err))
		http.Error(w, "Failed to encode tile", http.StatusInternalServerError)
		return
	}

	if loading {
		w.Header().Set("X-Tile-Status", "loading")
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("X-Tile-Status", "ready")
		w.Header().Set("ETag", `"`+h.generateETag(url)+`"`)
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", buf.Len()))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(buf.Bytes())
}

func (h *Handlers) handlePrefetch(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	url, err := h.tileURL(parts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.manager.PrefetchImage(url)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) handleCache(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	url, err := h.tileURL(parts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cached, err := h.manager.CacheImageToDisk(url)
	switch {
	case errors.Is(err, image_manager.ErrOffline):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, image_manager.ErrNoDiskCache):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if !cached {
		code = http.StatusAccepted
	}
	h.writeJSON(w, code, map[string]bool{"cached": cached})
}

func (h *Handlers) tileURL(parts []string) (string, error) {
	var zxy [3]int
	for i, name := range []string{"zoom level", "x coordinate", "y coordinate"} {
		v, err := strconv.Atoi(parts[i])
		if err != nil {
			return "", fmt.Errorf("invalid %s", name)
		}
		if v < 0 {
			return "", errors.New("coordinates must be non-negative")
		}
		zxy[i] = v
	}

	z, x, y := zxy[0], zxy[1], zxy[2]
	if z > h.server.MaxZoom {
		return "", fmt.Errorf("zoom level %d exceeds max zoom %d", z, h.server.MaxZoom)
	}
	if x >= 1<<z*2 || y >= 1<<z {
		return "", fmt.Errorf("tile %d/%d/%d out of range", z, x, y)
	}
	return h.server.Template.Format(z, x, y), nil
}

func (h *Handlers) generateETag(url string) string {
	keyStr := fmt.Sprintf("%s_%d", url, h.manager.TileSizePx())
	hash := sha256.Sum256([]byte(keyStr))
	return hex.EncodeToString(hash[:])[:16]
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
