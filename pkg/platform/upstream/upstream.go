// Package upstream binds instance names to already running HTTP backends
// addressed through a URL template.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/log"
	"pgrestgw/pkg/models"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// NamePlaceholder is replaced with the instance name in URL templates.
const NamePlaceholder = "{name}"

// Config describes how names map to backends.
type Config struct {
	// URLTemplate is the base URL of an instance, e.g. http://pgrst-{name}:3000.
	URLTemplate  string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Platform opens handles onto HTTP backends.
type Platform struct {
	template string
	client   *retryablehttp.Client
}

// New validates the template and builds the shared client.
func New(cfg Config) (*Platform, error) {
	probe := strings.ReplaceAll(cfg.URLTemplate, NamePlaceholder, "probe")
	parsed, err := url.Parse(probe)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL template: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL template must start with http:// or https://, got %q", cfg.URLTemplate)
	}

	return &Platform{
		template: strings.TrimRight(cfg.URLTemplate, "/"),
		client:   CreateRetryableClient(cfg.RetryMax, cfg.RetryWaitMin, cfg.RetryWaitMax),
	}, nil
}

// Open returns the handle for name. No connection is made.
func (p *Platform) Open(name string) instance.Handle {
	return NewHandle(name, strings.ReplaceAll(p.template, NamePlaceholder, url.PathEscape(name)), p.client)
}

// NewHandle binds name to a backend listening at baseURL.
func NewHandle(name, baseURL string, client *retryablehttp.Client) *Handle {
	return &Handle{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Handle is one named upstream backend.
type Handle struct {
	name    string
	baseURL string
	client  *retryablehttp.Client
}

func (h *Handle) Name() string { return h.name }

// BaseURL returns the resolved backend address.
func (h *Handle) BaseURL() string { return h.baseURL }

// Probe issues GET / and accepts any HTTP response.
func (h *Handle) Probe(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/", nil)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	drain(h.name, resp)
	return nil
}

// Send forwards req and reads the complete response body.
func (h *Handle) Send(ctx context.Context, req *models.ProxyRequest) (*models.ProxyResponse, error) {
	var body io.Reader
	if req.HasBody() {
		body = bytes.NewReader(req.Body())
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method(), h.baseURL+req.Path(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header() {
		httpReq.Header[k] = v
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("instance", h.name).Msg("Failed to close upstream response body")
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &models.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

func drain(name string, resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := resp.Body.Close(); err != nil {
		log.Warn().Err(err).Str("instance", name).Msg("Failed to close probe response body")
	}
}

// CreateRetryableClient builds the upstream client. Only connection errors
// are retried, so backend error responses reach the caller untouched.
func CreateRetryableClient(retryMax int, retryWaitMin, retryWaitMax time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = nil
	client.CheckRetry = connectionErrorRetryPolicy
	client.ErrorHandler = lastAttemptError
	return client
}

func connectionErrorRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil {
		return false, nil
	}
	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp reports the error after the last attempt
	}
	return false, nil
}

// lastAttemptError keeps the transport error intact instead of the
// "giving up after N attempts" wrapper, so timeouts stay detectable.
func lastAttemptError(resp *http.Response, err error, _ int) (*http.Response, error) {
	if err == nil {
		err = errors.New("upstream request failed")
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	return nil, err
}
