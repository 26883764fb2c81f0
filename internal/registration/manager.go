// Package registration maintains the device's signed identity with the
// central registrar: initial registration, periodic renewal with
// adaptive retry, and posture-token issuance.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"acme/internal/registrar"
	"acme/internal/timer"
	"acme/pkg/logging"
)

const (
	// renewal cadence (spec: 60 min base, 15 min skew, 30 s retry, 1 h cap)
	checkFrequency    = time.Hour
	checkSkew         = 15 * time.Minute
	retryFrequency    = 30 * time.Second
	maxRetryFrequency = time.Hour
)

// Data is the persisted registration record
// (manifests/registration_data.json).
type Data struct {
	SystemUUID   string     `json:"system_uuid"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	RenewalDate  *time.Time `json:"renewal_date,omitempty"`
}

// Status is the IPC-facing registration state.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRunning      Status = "running"
	StatusRegistered   Status = "registered"
	StatusFailed       Status = "failed"
)

// Hook runs after a successful registration (SystemDidRegister).
type Hook func()

// EmitFunc forwards manager events to the sink.
type EmitFunc func(kind string, payload map[string]interface{})

// Manager drives registration and renewal against the registrar.
type Manager struct {
	client   *registrar.Client
	identity *Identity
	dataPath string
	emit     EmitFunc

	mu        sync.Mutex
	data      Data
	hooks     []Hook
	running   bool
	lastError error

	timer *timer.Recurring
}

// NewManager loads persisted registration data and wires the
// collaborators.
func NewManager(client *registrar.Client, identity *Identity, dataPath string, emit EmitFunc) (*Manager, error) {
	m := &Manager{
		client:   client,
		identity: identity,
		dataPath: dataPath,
		emit:     emit,
	}

	raw, err := os.ReadFile(dataPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &m.data); err != nil {
			return nil, fmt.Errorf("malformed registration data at %s: %w", dataPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// never registered
	default:
		return nil, fmt.Errorf("failed to read registration data: %w", err)
	}

	m.timer = timer.New(timer.Config{
		Name:              "registration",
		Frequency:         checkFrequency,
		Skew:              checkSkew,
		RetryFrequency:    retryFrequency,
		MaxRetryFrequency: maxRetryFrequency,
	}, m.handle)

	return m, nil
}

// OnRegistered registers a SystemDidRegister hook.
func (m *Manager) OnRegistered(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Start arms the renewal timer and fires an immediate check.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.timer.Start(ctx); err != nil {
		return err
	}
	m.timer.Reset(0)
	return nil
}

// Stop cancels the renewal timer.
func (m *Manager) Stop() { m.timer.Cancel() }

// handle is the recurring timer handler: register when unregistered,
// renew when due, otherwise nothing.
func (m *Manager) handle(ctx context.Context) error {
	needsRegistration, needsRenewal := m.CheckRegistration()
	switch {
	case needsRegistration:
		return m.deferOnThrottle(m.RegisterSystem(ctx, "", false))
	case needsRenewal:
		return m.deferOnThrottle(m.Renew(ctx))
	default:
		return nil
	}
}

// deferOnThrottle converts registrar throttling into a timer deferral
// so it does not count toward the backoff streak.
func (m *Manager) deferOnThrottle(err error) error {
	var throttled *registrar.ThrottledError
	if errors.As(err, &throttled) {
		return timer.Defer(time.Until(throttled.Until))
	}
	return err
}

// CheckRegistration reports whether the device needs to register or
// renew, based on registration data, identity presence and signed
// state, and the renewal date.
func (m *Manager) CheckRegistration() (needsRegistration, needsRenewal bool) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()

	if data.SystemUUID == "" || data.RegisteredAt == nil {
		return true, false
	}
	if !m.identity.IsSigned() {
		return true, false
	}
	if data.RenewalDate != nil && time.Now().After(*data.RenewalDate) {
		return false, true
	}
	return false, false
}

// IsRegistered reports a complete, signed registration.
func (m *Manager) IsRegistered() bool {
	needsRegistration, _ := m.CheckRegistration()
	return !needsRegistration
}

// SystemID returns the registered system UUID, empty when unregistered.
func (m *Manager) SystemID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SystemUUID
}

// RegisterSystem performs a full registration: UUID negotiation, fresh
// keypair, CSR submission, certificate adoption. A server-side UUID
// reset is adopted and the registration retried once with the assigned
// UUID.
func (m *Manager) RegisterSystem(ctx context.Context, token string, force bool) error {
	if m.IsRegistered() && !force {
		return nil
	}

	m.mu.Lock()
	systemUUID := m.data.SystemUUID
	m.mu.Unlock()
	if systemUUID == "" || force {
		systemUUID = uuid.NewString()
	}

	err := m.register(ctx, systemUUID, token)
	var reset *registrar.UUIDResetError
	if errors.As(err, &reset) {
		logging.Info("Registration", "Adopting registrar-assigned UUID")
		systemUUID = reset.NewUUID
		err = m.register(ctx, systemUUID, token)
	}
	if err != nil {
		return err
	}

	logging.Info("Registration", "System registered as %s", systemUUID)
	m.fireRegistered()
	return nil
}

func (m *Manager) register(ctx context.Context, systemUUID, token string) error {
	if err := m.identity.GenerateKeypair(); err != nil {
		return err
	}
	csr, err := m.identity.CSR(systemUUID)
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"system_uuid": systemUUID,
		"csr":         string(csr),
	}
	if token != "" {
		body["token"] = token
	}

	var data struct {
		Certificate string     `json:"certificate"`
		RenewalDate *time.Time `json:"renewal_date"`
	}
	if err := m.client.Post(ctx, "register", body, &data); err != nil {
		return err
	}
	if data.Certificate == "" {
		return fmt.Errorf("registrar returned no certificate")
	}
	if err := m.identity.StoreCertificate([]byte(data.Certificate)); err != nil {
		return err
	}

	now := time.Now()
	m.mu.Lock()
	m.data.SystemUUID = systemUUID
	m.data.RegisteredAt = &now
	m.data.RenewalDate = data.RenewalDate
	m.mu.Unlock()
	return m.save()
}

// Renew submits a fresh CSR using the current identity.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	systemUUID := m.data.SystemUUID
	m.mu.Unlock()
	if systemUUID == "" {
		return fmt.Errorf("cannot renew: not registered")
	}

	csr, err := m.identity.CSR(systemUUID)
	if err != nil {
		return err
	}

	var data struct {
		Certificate string     `json:"certificate"`
		RenewalDate *time.Time `json:"renewal_date"`
	}
	if err := m.client.Post(ctx, "renew", map[string]interface{}{
		"system_uuid": systemUUID,
		"csr":         string(csr),
	}, &data); err != nil {
		return err
	}
	if data.Certificate == "" {
		return fmt.Errorf("registrar returned no certificate on renewal")
	}
	if err := m.identity.StoreCertificate([]byte(data.Certificate)); err != nil {
		return err
	}

	m.mu.Lock()
	m.data.RenewalDate = data.RenewalDate
	m.mu.Unlock()
	logging.Info("Registration", "Identity renewed, next renewal %v", data.RenewalDate)
	return m.save()
}

func (m *Manager) save() error {
	m.mu.Lock()
	data := m.data
	path := m.dataPath
	m.mu.Unlock()

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registration data: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write registration data: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *Manager) fireRegistered() {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	data := m.data
	m.mu.Unlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Registration", fmt.Errorf("%v", r), "Registration hook panicked")
				}
			}()
			h()
		}()
	}
	if m.emit != nil {
		payload := map[string]interface{}{"system_uuid": data.SystemUUID}
		if data.RegisteredAt != nil {
			payload["registered_at"] = data.RegisteredAt.UTC()
		}
		m.emit("SystemRegInfo", payload)
	}
}

// RegisterAsync kicks off registration in the background for the IPC
// RegisterWithToken command. Returns false when a registration is
// already running or (without force) already complete.
func (m *Manager) RegisterAsync(token string, force bool) (started bool, already bool) {
	if m.IsRegistered() && !force {
		return false, true
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return false, false
	}
	m.running = true
	m.lastError = nil
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		err := m.RegisterSystem(ctx, token, force)

		m.mu.Lock()
		m.running = false
		m.lastError = err
		m.mu.Unlock()
		if err != nil {
			logging.Error("Registration", err, "Async registration failed")
		}
	}()
	return true, false
}

// RegistrationStatus reports the state an IPC poll sees.
func (m *Manager) RegistrationStatus() (Status, error) {
	m.mu.Lock()
	running := m.running
	lastErr := m.lastError
	m.mu.Unlock()

	switch {
	case running:
		return StatusRunning, nil
	case lastErr != nil:
		return StatusFailed, lastErr
	case m.IsRegistered():
		return StatusRegistered, nil
	default:
		return StatusUnregistered, nil
	}
}

// IssueJWT issues a posture token bound to the system identity.
func (m *Manager) IssueJWT(duration time.Duration) (string, error) {
	m.mu.Lock()
	systemUUID := m.data.SystemUUID
	m.mu.Unlock()
	if systemUUID == "" {
		return "", fmt.Errorf("cannot issue JWT: not registered")
	}
	return m.identity.SignJWT(systemUUID, duration, nil)
}
