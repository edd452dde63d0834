// Package downloader defines the port the agent uses to fetch a resource.
package downloader

import (
	"context"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

// Response summarizes a completed fetch. Page bodies are not retained.
type Response struct {
	StatusCode int           `json:"status_code"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
}

// Downloader performs one download attempt.
// A non-nil error means no response was obtained.
type Downloader interface {
	Download(ctx context.Context, req download.Request) (Response, error)
}
