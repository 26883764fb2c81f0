// Package registrar implements the authenticated HTTP exchange with the
// central registrar service. Every request carries platform context;
// every response uses the {status, data, message} envelope.
package registrar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"

	"acme/internal/metrics"
	"acme/pkg/logging"
)

// DefaultTimeout bounds a single registrar exchange.
const DefaultTimeout = 30 * time.Second

// CredentialProvider supplies the device identity for mutual TLS.
// Before registration no certificate exists and requests go out
// unauthenticated (the registrar only allows bootstrap calls then).
type CredentialProvider interface {
	TLSCertificate() (tls.Certificate, bool)
}

// Config describes the registrar endpoint and platform context.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Platform        string
	PlatformVersion string
}

// Client is the registrar HTTP client: retrying transport, circuit
// breaker, and envelope decoding.
type Client struct {
	cfg     Config
	creds   CredentialProvider
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registrar
}

// New builds a client. creds and m may be nil.
func New(cfg Config, creds CredentialProvider, m *metrics.Registrar) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			if creds != nil {
				if cert, ok := creds.TLSCertificate(); ok {
					return &cert, nil
				}
			}
			return &tls.Certificate{}, nil
		},
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = retryLogger{}
	// a 429 is a throttle signal, not a transient fault: it must reach
	// the caller as a deferral instead of burning retries
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		cfg:   cfg,
		creds: creds,
		http:  rc,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "registrar",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		metrics: m,
	}
}

// Post sends a JSON request to the registrar path, merges in the
// platform context, and decodes the response data into out (which may
// be nil). Throttling and UUID resets surface as typed errors.
func (c *Client) Post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return fmt.Errorf("bad registrar path %q: %w", path, err)
	}

	payload := map[string]interface{}{
		"platform":         c.cfg.Platform,
		"platform_version": c.cfg.PlatformVersion,
	}
	for k, v := range body {
		payload[k] = v
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode registrar request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.Requests.Inc()
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doPost(ctx, endpoint, encoded)
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.Failures.Inc()
			if _, throttled := err.(*ThrottledError); throttled {
				c.metrics.Throttles.Inc()
			}
		}
		return err
	}

	resp := result.(*Response)
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode registrar response data: %w", err)
		}
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, endpoint string, body []byte) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build registrar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registrar unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read registrar response: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, throttleFromResponse(raw, httpResp.Header)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registrar returned HTTP %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed registrar response: %w", err)
	}

	switch resp.Status {
	case statusOK:
		return &resp, nil
	case statusThrottled:
		until := time.Now().Add(time.Minute)
		if resp.ThrottledUntil != nil {
			until = *resp.ThrottledUntil
		}
		return nil, &ThrottledError{Until: until}
	case statusUUIDReset:
		var data struct {
			SystemUUID string `json:"system_uuid"`
		}
		if err := json.Unmarshal(resp.Data, &data); err != nil || data.SystemUUID == "" {
			return nil, fmt.Errorf("registrar UUID reset without a usable UUID: %s", resp.Message)
		}
		return nil, &UUIDResetError{NewUUID: data.SystemUUID}
	default:
		if resp.ThrottledUntil != nil {
			return nil, &ThrottledError{Until: *resp.ThrottledUntil}
		}
		return nil, &APIError{Status: resp.Status, Message: resp.Message}
	}
}

func throttleFromResponse(raw []byte, _ http.Header) error {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ThrottledUntil != nil {
		return &ThrottledError{Until: *resp.ThrottledUntil}
	}
	return &ThrottledError{Until: time.Now().Add(time.Minute)}
}

// retryLogger routes retryablehttp logging into the agent log.
type retryLogger struct{}

func (retryLogger) Printf(format string, args ...interface{}) {
	logging.Debug("Registrar", format, args...)
}
