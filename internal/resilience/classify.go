// Package resilience provides the error classification, retry, and circuit
// breaker primitives shared by the provider clients and the FHIR sink.
package resilience

import (
	"errors"
	"fmt"
	"strings"
)

// Category buckets an error for retry and alerting decisions.
type Category string

const (
	CategoryRateLimit  Category = "rate_limit"
	CategoryAuth       Category = "auth"
	CategoryNetwork    Category = "network"
	CategoryValidation Category = "validation"
	CategoryAPI        Category = "api"
	CategoryUnknown    Category = "unknown"
)

// ClassifiedError wraps an error with its category so callers can branch on
// it without re-classifying.
type ClassifiedError struct {
	Category Category
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify buckets an error by inspecting its message. Classification rules
// are ordered; the first matching bucket wins.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "rate limit", "429", "too many requests"):
		return CategoryRateLimit
	case containsAny(msg, "401", "unauthorized", "auth", "token", "forbidden", "403"):
		return CategoryAuth
	case containsAny(msg, "timeout", "connection", "network", "dns", "502", "503", "504"):
		return CategoryNetwork
	case containsAny(msg, "validation", "invalid", "bad request", "400"):
		return CategoryValidation
	case containsAny(msg, "api", "500", "internal server error"):
		return CategoryAPI
	default:
		return CategoryUnknown
	}
}

// Wrap attaches an explicit category to err.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Category: cat, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
