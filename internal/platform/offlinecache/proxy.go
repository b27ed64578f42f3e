package offlinecache

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/skids/eyear/internal/platform/telemetry"
)

// Proxy is the agent's read path to the remote API: cache-first for GETs,
// so roster and reference lookups keep working in a gym with no signal.
// Writes never pass through here, they go through the sync queue.
type Proxy struct {
	store   *Store
	baseURL string
	http    *http.Client
	metrics *telemetry.Metrics
	log     zerolog.Logger

	// notify fires when a network fetch succeeds after a failure streak,
	// the signal that connectivity is back.
	notify   func()
	failures atomic.Int32
}

func NewProxy(store *Store, baseURL string, timeout time.Duration, metrics *telemetry.Metrics, log zerolog.Logger) *Proxy {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Proxy{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
		log:     log,
	}
}

// SetNotify registers the connectivity-restored hook.
func (p *Proxy) SetNotify(fn func()) { p.notify = fn }

// Handler serves GET /remote/* with cache-first semantics.
func (p *Proxy) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("*")
		if q := c.QueryString(); q != "" {
			key += "?" + q
		}
		ctx := c.Request().Context()

		if entry, err := p.store.Get(ctx, key); err == nil {
			p.metrics.ObserveCache(telemetry.CacheHit)
			c.Response().Header().Set("X-Cache", "hit")
			c.Response().Header().Set("X-Cache-Fetched-At", entry.FetchedAt.UTC().Format(time.RFC3339))
			return c.Blob(entry.StatusCode, entry.ContentType, entry.Body)
		} else if !errors.Is(err, ErrMiss) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		p.metrics.ObserveCache(telemetry.CacheMiss)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+key, nil)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		resp, err := p.http.Do(req)
		if err != nil {
			p.failures.Add(1)
			p.log.Warn().Err(err).Str("path", key).Msg("remote fetch failed, nothing cached")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "offline and not cached: "+key)
		}
		defer resp.Body.Close()

		if streak := p.failures.Swap(0); streak > 0 {
			p.log.Info().Int32("failure_streak", streak).Msg("connectivity restored")
			if p.notify != nil {
				p.notify()
			}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		contentType := resp.Header.Get("Content-Type")

		if resp.StatusCode == http.StatusOK {
			if err := p.store.Put(ctx, &Entry{
				URL:         key,
				StatusCode:  resp.StatusCode,
				ContentType: contentType,
				Body:        body,
			}); err != nil {
				p.log.Error().Err(err).Str("path", key).Msg("cache write failed")
			}
		}

		c.Response().Header().Set("X-Cache", "miss")
		return c.Blob(resp.StatusCode, contentType, body)
	}
}
