package recargas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// PseudoHeaderOrder is the standard HTTP/2 pseudo-header order for all requests.
var PseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// appHeaderOrder is the header order the Tigo Money app emits.
var appHeaderOrder = []string{
	"Host",
	"User-Agent",
	"Content-Type",
	"Accept",
	"Accept-Encoding",
	"x-api-key",
	"x-namespace-app",
	"x-build-app",
	"x-version-app",
	"Authorization",
	"accountnumber",
	"date",
}

// httpDoer is the narrow request-execution contract components depend on.
// tls_client.HttpClient satisfies it; tests pass scripted fakes.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// readResponseBody decompresses and reads the full response body.
// Caller should defer resp.Body.Close() before calling this.
func readResponseBody(resp *http.Response) ([]byte, error) {
	body := http.DecompressBody(resp)
	defer body.Close()
	return io.ReadAll(body)
}

// appHeaders builds the app identity header set the carrier expects,
// targeting the given base URL's host.
func appHeaders(cfg *Config, baseURL, apiKey string) http.Header {
	h := http.Header{
		"User-Agent":      {cfg.UserAgent},
		"Accept":          {"*/*"},
		"Accept-Encoding": {"gzip"},
		"Content-Type":    {"application/json; charset=utf-8"},
		"x-api-key":       {apiKey},
		"x-namespace-app": {cfg.AppNamespace},
		"x-build-app":     {cfg.AppBuild},
		"x-version-app":   {cfg.AppVersion},
		http.HeaderOrderKey:  appHeaderOrder,
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		h.Set("Host", u.Host)
	}
	return h
}

// apiResponse is the outcome of a single carrier HTTP exchange.
type apiResponse struct {
	StatusCode int
	Body       []byte
}

// doJSON executes one carrier request with bounded retries on transient
// network failures. Non-2xx responses are returned, not retried; the caller
// interprets status codes. payload may be nil for body-less requests.
func doJSON(ctx context.Context, client httpDoer, logger Logger, method, rawURL string, headers http.Header, payload any, maxAttempts int, retryDelay time.Duration) (*apiResponse, error) {
	if logger == nil {
		logger = NoopLogger{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header = headers.Clone()

		resp, err := client.Do(req)
		if err != nil {
			logger.Log("%s %s -> error (attempt %d/%d): %v", method, rawURL, attempt, maxAttempts, err)
			lastErr = err
			if !IsRetryableError(err) {
				return nil, err
			}
			continue
		}

		respBody, err := readResponseBody(resp)
		resp.Body.Close()
		if err != nil {
			logger.Log("%s %s -> read error: %v", method, rawURL, err)
			lastErr = err
			continue
		}

		logger.Log("%s %s -> %d", method, rawURL, resp.StatusCode)
		return &apiResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
	}

	return nil, lastErr
}

// decodeJSON unmarshals a carrier response body, keeping a short preview in
// the error for observability.
func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return fmt.Errorf("decode response: %w (body: %s)", err, preview)
	}
	return nil
}
