package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/metrics"
	"github.com/JakeFAU/imagine-orchestrator/internal/normalize"
	"github.com/JakeFAU/imagine-orchestrator/internal/policy/ratelimit"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "https://api.x.ai"

// Endpoints on the upstream API.
const (
	EndpointVideoGenerations = "/v1/videos/generations"
	EndpointVideoEdits       = "/v1/videos/edits"
	EndpointImageGenerations = "/v1/images/generations"
	EndpointImageEdits       = "/v1/images/edits"
	EndpointModels           = "/v1/models"
)

// ErrMissingCredential is returned when neither a pool credential nor the
// configured fallback is available.
var ErrMissingCredential = errors.New("missing xAI API key: set upstream.api_key or add one to the pool")

// StatusError describes a failed upstream call.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return e.Message
}

// NewStatusError builds a StatusError from a failed response.
func NewStatusError(resp imagine.Response) *StatusError {
	return &StatusError{Status: resp.Status, Message: FailureMessage(resp)}
}

// FailureMessage renders the human-readable error text of a failed response:
// the payload's error message when one can be extracted, else the payload
// itself, else the HTTP status text.
func FailureMessage(resp imagine.Response) string {
	if msg, ok := normalize.ExtractErrorMessage(resp.Data); ok {
		return msg
	}
	if resp.Data == nil || resp.Data.IsNull() {
		if text := http.StatusText(resp.Status); text != "" {
			return text
		}
		return "Request failed"
	}
	return normalize.Stringify(resp.Data)
}

// Config controls the upstream client.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	// Timeout bounds each call; zero leaves the transport default.
	Timeout time.Duration
	// RPS caps calls per credential; zero is unlimited.
	RPS float64
}

// Client implements imagine.Upstream over req.
type Client struct {
	http     *req.Client
	baseURL  string
	fallback string
	limiter  *ratelimit.Limiter
	hasher   imagine.Hasher
	logger   *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := req.C()
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}
	if ua := strings.TrimSpace(cfg.UserAgent); ua != "" {
		httpClient.SetUserAgent(ua)
	}
	return &Client{
		http:     httpClient,
		baseURL:  NormalizeBaseURL(cfg.BaseURL),
		fallback: strings.TrimSpace(cfg.APIKey),
		limiter:  ratelimit.New(ratelimit.Config{RPS: cfg.RPS, Scope: "upstream"}),
		hasher:   sha256.New(),
		logger:   logger,
	}
}

// NormalizeBaseURL trims trailing slashes and a trailing "/v1" so endpoint
// paths can always start with "/v1/".
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return DefaultBaseURL
	}
	return strings.TrimSuffix(trimmed, "/v1")
}

// Submit POSTs a JSON payload to endpoint.
func (c *Client) Submit(ctx context.Context, endpoint string, payload []byte, credential string) (imagine.Response, error) {
	return c.do(ctx, http.MethodPost, endpoint, payload, credential)
}

// QueryStatus fetches the state of a deferred video request.
func (c *Client) QueryStatus(ctx context.Context, requestID string, credential string) (imagine.Response, error) {
	return c.do(ctx, http.MethodGet, "/v1/videos/"+url.PathEscape(requestID), nil, credential)
}

// ListModels lists the models visible to credential.
func (c *Client) ListModels(ctx context.Context, credential string) (imagine.Response, error) {
	return c.do(ctx, http.MethodGet, EndpointModels, nil, credential)
}

// ForgetCredential drops the pacing bucket held for credential.
func (c *Client) ForgetCredential(credential string) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return
	}
	partition, err := c.hasher.Hash([]byte(token))
	if err != nil {
		return
	}
	c.limiter.Forget(partition)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, credential string) (imagine.Response, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		token = c.fallback
	}
	if token == "" {
		return imagine.Response{}, ErrMissingCredential
	}
	// Buckets are keyed by digest so the secret is not held as a map key.
	partition, err := c.hasher.Hash([]byte(token))
	if err != nil {
		return imagine.Response{}, fmt.Errorf("fingerprint credential: %w", err)
	}
	if err := c.limiter.Wait(ctx, partition); err != nil {
		return imagine.Response{}, err
	}

	target := c.baseURL + path
	request := c.http.R().
		SetContext(ctx).
		SetBearerAuthToken(token).
		SetHeader("Accept", "application/json")
	if len(body) > 0 {
		request.SetContentType("application/json").SetBodyBytes(body)
	}

	start := time.Now()
	resp, err := request.Send(method, target)
	if err != nil {
		metrics.ObserveUpstream(path, 0, time.Since(start))
		return imagine.Response{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	metrics.ObserveUpstream(path, resp.StatusCode, time.Since(start))

	data := resp.Bytes()
	c.logger.Debug("upstream call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("dur", time.Since(start)),
	)
	return imagine.Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Data:   normalize.Decode(data),
	}, nil
}

// Download fetches a finished media object. Data URIs are decoded locally.
func (c *Client) Download(ctx context.Context, source string) ([]byte, string, error) {
	if strings.HasPrefix(strings.ToLower(source), "data:") {
		return DecodeDataURI(source)
	}
	start := time.Now()
	resp, err := c.http.R().SetContext(ctx).Get(source)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	metrics.ObserveUpstream("/media", resp.StatusCode, time.Since(start))
	if !resp.IsSuccessState() {
		return nil, "", &StatusError{Status: resp.StatusCode, Message: fmt.Sprintf("download media: status %d", resp.StatusCode)}
	}
	contentType := resp.GetContentType()
	if contentType == "" {
		contentType = http.DetectContentType(resp.Bytes())
	}
	return resp.Bytes(), contentType, nil
}
