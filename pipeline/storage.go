package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// maxStorageAttempts bounds retries against transient storage errors.
// Exhaustion surfaces a terminal failure; providers redeliver webhooks, and
// the handler is idempotent on redelivery.
const maxStorageAttempts = 3

// isUniqueViolation reports whether err is a unique-constraint violation.
// The dialect translators don't catch every driver, so the well-known
// postgres/sqlite message fragments are checked as a fallback.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// isTransient reports whether err is worth retrying. Business outcomes and
// constraint arbitration are terminal by definition.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || isUniqueViolation(err) {
		return false
	}
	if errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrExternalSend) ||
		errors.Is(err, ErrAccountDisconnected) {
		return false
	}
	return true
}

// withRetry runs fn with a short linear backoff against transient storage
// errors. It never blocks indefinitely.
func withRetry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxStorageAttempts; attempt++ {
		err = fn()
		if !isTransient(err) {
			return err
		}
		if attempt < maxStorageAttempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}
