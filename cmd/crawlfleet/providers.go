package main

// Statistics sink blank imports: each import registers a sink by name for
// the statistics.sinks setting.

import (
	_ "github.com/Strob0t/CrawlFleet/internal/adapter/logsink"
	_ "github.com/Strob0t/CrawlFleet/internal/adapter/otel"
	_ "github.com/Strob0t/CrawlFleet/internal/adapter/prometheus"
)
