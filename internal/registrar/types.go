package registrar

import (
	"encoding/json"
	"fmt"
	"time"
)

// Response is the registrar wire envelope. Status 0 means success;
// anything else is a failure explained by Message. Throttling arrives
// either as an HTTP 429 or a throttled_until field.
type Response struct {
	Status         int             `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	Message        string          `json:"message,omitempty"`
	ThrottledUntil *time.Time      `json:"throttled_until,omitempty"`
}

// APIError is a non-zero registrar status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registrar error %d: %s", e.Status, e.Message)
}

// ThrottledError signals the registrar asked us to back off until a
// given time. Callers convert it into a timer deferral.
type ThrottledError struct {
	Until time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("registrar throttled until %s", e.Until.Format(time.RFC3339))
}

// UUIDResetError signals the registrar assigned this device a new
// system UUID during registration; the caller must adopt and persist it.
type UUIDResetError struct {
	NewUUID string
}

func (e *UUIDResetError) Error() string {
	return fmt.Sprintf("registrar reset system UUID to %s", e.NewUUID)
}

// registrar status codes that need dedicated handling
const (
	statusOK        = 0
	statusThrottled = 429
	statusUUIDReset = 1001
)
