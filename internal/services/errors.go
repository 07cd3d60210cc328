package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPrecondition  = errors.New("precondition failed")
	ErrSchema        = errors.New("schema error")
	ErrNotFound      = errors.New("not found")
	ErrIO            = errors.New("io error")
	ErrTransient     = errors.New("transient failure")
	ErrAuth          = errors.New("authentication error")
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrIO
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Fatal reports whether an error must stop the run even when the conversion
// policy would otherwise skip the failed dataset. Schema and not-found
// failures are confined to one dataset; cancellation and everything else
// concern the run itself.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !errors.Is(err, ErrSchema) && !errors.Is(err, ErrNotFound)
}

// Retryable reports whether the upload controller may retry after this error.
// Authentication and precondition failures are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrPrecondition) || errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
