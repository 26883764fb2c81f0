package configsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"acme/internal/events"
	"acme/internal/registrar"
	"acme/pkg/logging"
)

// STSToken pulls temporary event-sink credentials and installs them on
// the sink, then retries any offline event backlog.
type STSToken struct {
	client    *registrar.Client
	sink      *events.HTTPSink
	forwarder *events.Forwarder

	mu         sync.Mutex
	expiration time.Time
}

// NewSTSToken wires the credential puller. forwarder may be nil when no
// backlog flush is wanted.
func NewSTSToken(client *registrar.Client, sink *events.HTTPSink, forwarder *events.Forwarder) *STSToken {
	return &STSToken{client: client, sink: sink, forwarder: forwarder}
}

func (s *STSToken) Name() string { return "ststoken" }

func (s *STSToken) ShouldRunImmediately() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiration.IsZero() || !s.expiration.After(time.Now())
}

// CurrentInterval refreshes at three quarters of the credential
// lifetime so a slow pull never leaves the sink without credentials.
func (s *STSToken) CurrentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiration.IsZero() {
		return MinInterval
	}
	remaining := time.Until(s.expiration)
	return remaining * 3 / 4
}

// Run fetches fresh credentials and installs them.
func (s *STSToken) Run(ctx context.Context) error {
	var creds events.Credentials
	if err := s.client.Post(ctx, "config/ststoken", nil, &creds); err != nil {
		return err
	}
	if !creds.Valid() {
		return fmt.Errorf("registrar returned expired sink credentials (expiration %s)", creds.Expiration)
	}

	s.sink.SetCredentials(creds)
	s.mu.Lock()
	s.expiration = creds.Expiration
	s.mu.Unlock()
	logging.Debug("ConfigSync", "Installed sink credentials valid until %s", creds.Expiration.Format(time.RFC3339))

	if s.forwarder != nil && s.forwarder.Pending() > 0 {
		if _, err := s.forwarder.FlushBuffer(ctx); err != nil {
			logging.Warn("ConfigSync", "Backlog flush after credential refresh failed: %v", err)
		}
	}
	return nil
}
