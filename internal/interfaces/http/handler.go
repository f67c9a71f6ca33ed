package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	appmarketdata "github.com/colefreeman/cole-ws/internal/application/service/marketdata"
	domainmarketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	apiBasePath  = "/api/v1"
	defaultLimit = 100
	maxLimit     = 1000
)

var (
	errMissingSymbol = errors.New("symbol query param required")
	errInvalidLimit  = fmt.Errorf("limit must be between 1 and %d", maxLimit)
)

// MarketdataService is the read side the API serves.
type MarketdataService interface {
	GetLastTrades(ctx context.Context, symbol string, limit int) ([]domainmarketdata.EnrichedTrade, error)
	GetPressure(ctx context.Context, symbol string) (*domainmarketdata.PressureSnapshot, error)
}

// HealthFunc reports whether the process is healthy, with details for the response body.
type HealthFunc func() (bool, map[string]string)

// Options configure the optional parts of the handler.
type Options struct {
	Cache    *redis.Client
	CacheTTL time.Duration
	Health   HealthFunc
	Gatherer prometheus.Gatherer
}

type Handler struct {
	router     *gin.Engine
	marketdata MarketdataService
	cache      *redis.Client
	cacheTTL   time.Duration
	health     HealthFunc
	gatherer   prometheus.Gatherer
}

var _ http.Handler = (*Handler)(nil)

// NewHandler builds the router. md may be nil, in which case only the health
// and metrics endpoints are served.
func NewHandler(md MarketdataService, opts Options) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:     router,
		marketdata: md,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		health:     opts.Health,
		gatherer:   opts.Gatherer,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/healthz", h.healthz)
	if h.gatherer != nil {
		h.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	if h.marketdata == nil {
		return
	}

	api := h.router.Group(apiBasePath)
	if h.cache != nil {
		api.Use(h.cacheMiddleware())
	}
	{
		api.GET("/pressure/:symbol", h.getPressure)
		api.GET("/trades/last", h.getLastTrades)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ok, details := h.health()
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "details": details})
}

func (h *Handler) getPressure(c *gin.Context) {
	snapshot, err := h.marketdata.GetPressure(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) getLastTrades(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	trades, err := h.marketdata.GetLastTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	if trades == nil {
		trades = []domainmarketdata.EnrichedTrade{}
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "trades": trades})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, appmarketdata.ErrEmptySymbol), errors.Is(err, appmarketdata.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, appmarketdata.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, appmarketdata.ErrNoRepository):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// cacheMiddleware caches successful GET responses in Redis.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := h.cacheKey(c)
		ctx := c.Request.Context()

		if cached, err := h.cache.Get(ctx, key).Result(); err == nil {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = h.cache.Set(ctx, key, recorder.body.Bytes(), h.cacheTTL).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}

func (h *Handler) cacheKey(c *gin.Context) string {
	return fmt.Sprintf("cache:%s:%s:%s?%s", c.Request.Method, c.FullPath(), c.Param("symbol"), c.Request.URL.RawQuery)
}

func parseLimit(c *gin.Context) (int, error) {
	value := c.Query("limit")
	if value == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 || limit > maxLimit {
		return 0, errInvalidLimit
	}
	return limit, nil
}
