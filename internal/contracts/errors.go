package contracts

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy
// - Transient (FetchError.Transient, StoreError): 재시도 대상
// - Validation: 해당 관측치만 거부
// - Configuration: 해당 series/formula만 실패, 큰 소리로 로깅
// - Systemic: run 전체 중단

// ValidationError rejects a single observation (non-finite value, unparseable date)
type ValidationError struct {
	SeriesID string
	Date     string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid observation %s@%s: %s", e.SeriesID, e.Date, e.Reason)
}

// StoreError wraps an underlying persistence failure. Always retryable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// FetchError is returned by adapters
type FetchError struct {
	Source    string
	SeriesID  string
	Status    int
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s/%s", e.Source, e.SeriesID)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// InsufficientHistoryError means the z-score window is underfilled. Non-fatal.
type InsufficientHistoryError struct {
	SeriesID string
	Date     time.Time
	Have     int
	Need     int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s at %s: have %d, need %d",
		e.SeriesID, FormatDate(e.Date), e.Have, e.Need)
}

// PublicationLagUnknownError means a series has no lag metadata. Fatal for that series.
type PublicationLagUnknownError struct {
	SeriesID string
}

func (e *PublicationLagUnknownError) Error() string {
	return fmt.Sprintf("publication lag unknown for %s", e.SeriesID)
}

// ConfigError is a catalog/formula/monitor registration failure
type ConfigError struct {
	Scope   string // catalog, series, metric, formula, monitor
	Name    string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s config: %s", e.Scope, e.Message)
	}
	return fmt.Sprintf("%s %q: %s", e.Scope, e.Name, e.Message)
}

// SystemicError aborts the whole run
type SystemicError struct {
	Op  string
	Err error
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("systemic failure during %s: %v", e.Op, e.Err)
}

func (e *SystemicError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	var se *StoreError
	return errors.As(err, &se)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfig reports whether err is a ConfigError or a missing-lag error.
func IsConfig(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return true
	}
	var le *PublicationLagUnknownError
	return errors.As(err, &le)
}
