// Command healthcheck probes the bot's /healthz endpoint and exits non-zero
// when it is unhealthy. It is meant for container HEALTHCHECK directives.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	os.Exit(check(context.Background(), healthURL(os.Getenv("HTTP_ADDR"))))
}

// healthURL maps a listen address such as ":8080" or "0.0.0.0:9000" to a
// loopback URL.
func healthURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost:8080/healthz"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

func check(ctx context.Context, url string) int {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("healthcheck request", slog.Any("err", err))
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("healthcheck failed", slog.String("url", url), slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("unhealthy", slog.Int("status", resp.StatusCode))
		return 1
	}
	return 0
}
