// Package httpdownload implements the downloader port over net/http.
package httpdownload

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/downloader"
)

// Config controls the HTTP client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Downloader fetches resources and discards their bodies after counting them.
type Downloader struct {
	cfg    Config
	client *http.Client
}

var _ downloader.Downloader = (*Downloader)(nil)

// New builds a Downloader whose transport is traced with OpenTelemetry.
func New(cfg Config) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Downloader{
		cfg: cfg,
		client: &http.Client{
			Transport: otelhttp.NewTransport(newHTTPTransport()),
		},
	}
}

// Download performs one request. HTTP error statuses are returned as a
// Response, not as an error.
func (d *Downloader) Download(ctx context.Context, req download.Request) (downloader.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, http.NoBody)
	if err != nil {
		return downloader.Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" && d.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", d.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return downloader.Response{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully drained below

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return downloader.Response{}, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return downloader.Response{
		StatusCode: resp.StatusCode,
		Bytes:      n,
		Duration:   time.Since(start),
	}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
