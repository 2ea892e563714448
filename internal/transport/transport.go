// Package transport provides the shared outbound HTTP plumbing used by
// C4's hub downloads (New) and C8's ApiAlias forwarding (Do and
// CopyResponse). C11's OAuth token exchange does not use it.
// Ported near verbatim from gandalf's internal/provider/proxy.go
// (NewTransport, ForwardRequest), which built one *http.Transport per
// provider client around a shared dnscache.Resolver. Bodhi has no
// multi-provider registry, so the two functions move to their own
// package rather than staying nested under a provider abstraction that
// no longer exists.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
)

// New returns a tuned *http.Transport with connection pooling and optional
// DNS caching. Set forceHTTP2 true for remote HTTPS endpoints (hub
// downloads, ApiAlias upstreams), false for the local llama-server child
// (HTTP/1.1 over loopback).
func New(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHopHeaders must never be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Do builds and sends the upstream request for ForwardRequest, without
// writing anything to a ResponseWriter. Split out so callers that need to
// inspect the upstream status before committing a response (C8's ApiAlias
// dispatch, which maps 401/403/404/429/5xx to typed errors) can do so
// without consuming the body twice.
func Do(ctx context.Context, client *http.Client, baseURL string, setAuth func(http.Header), r *http.Request, path string) (*http.Response, error) {
	targetURL := baseURL + path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		return nil, fmt.Errorf("forward request: create request: %w", err)
	}

	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		outReq.Header[key] = vals
	}
	if setAuth != nil {
		setAuth(outReq.Header)
	}

	resp, err := client.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("forward request: do request: %w", err)
	}
	return resp, nil
}

// CopyResponse writes resp to w, copying non-hop-by-hop headers and
// streaming the body with flush-on-read for SSE/NDJSON content types.
// resp.Body is closed before CopyResponse returns.
func CopyResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	if needsFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("forward request: write response: %w", writeErr)
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return fmt.Errorf("forward request: read response: %w", readErr)
			}
		}
	}

	const maxResponseBody = 32 << 20
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return fmt.Errorf("forward request: copy response: %w", err)
	}
	return nil
}

// ForwardRequest proxies a raw HTTP request to an upstream base URL plus
// path: Do followed by CopyResponse, writing a 502 if the upstream call
// itself fails.
func ForwardRequest(ctx context.Context, client *http.Client, baseURL string,
	setAuth func(http.Header), w http.ResponseWriter, r *http.Request, path string) error {

	resp, err := Do(ctx, client, baseURL, setAuth, r, path)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return err
	}
	return CopyResponse(w, resp)
}
