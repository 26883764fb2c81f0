package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Credentials are the temporary sink credentials delivered by the
// configuration pull (STS token bundle).
type Credentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
}

// Valid reports whether the credentials exist and have not expired.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && time.Now().Before(c.Expiration)
}

// HTTPSink posts event batches to per-stream endpoints. Credentials are
// swapped in whenever the STS sub-module pulls a fresh set.
type HTTPSink struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	creds Credentials
}

// NewHTTPSink builds a sink for the given endpoint.
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSink{
		baseURL: baseURL,
		client:  &http.Client{Transport: cleanhttp.DefaultPooledTransport(), Timeout: timeout},
	}
}

// SetCredentials installs fresh sink credentials.
func (s *HTTPSink) SetCredentials(creds Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

// Send delivers a batch to the named stream.
func (s *HTTPSink) Send(ctx context.Context, stream string, evs []Event) error {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()
	if !creds.Valid() {
		return fmt.Errorf("no valid sink credentials")
	}

	endpoint, err := url.JoinPath(s.baseURL, "streams", stream)
	if err != nil {
		return fmt.Errorf("bad stream name %q: %w", stream, err)
	}
	body, err := json.Marshal(map[string]interface{}{"events": evs})
	if err != nil {
		return fmt.Errorf("failed to encode event batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key-Id", creds.AccessKeyID)
	req.Header.Set("X-Secret-Access-Key", creds.SecretAccessKey)
	req.Header.Set("X-Session-Token", creds.SessionToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sink returned HTTP %d for stream %s", resp.StatusCode, stream)
	}
	return nil
}
