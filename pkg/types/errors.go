// Copyright Peton Labs, 2026. All rights reserved.

package types

import (
	"context"
	"errors"
	"net"
)

// ErrorKind classifies an item failure for the progress ledger. The kind
// decides the retry policy: transient kinds are retried, rate-limited items
// are requeued without consuming an attempt, and the rest are terminal for
// the pass.
type ErrorKind string

const (
	KindTransientNetwork  ErrorKind = "transient-network"
	KindUnreadableDoc     ErrorKind = "unreadable-document"
	KindRateLimited       ErrorKind = "rate-limited"
	KindExtractionService ErrorKind = "extraction-service-error"
	KindSourceNotFound    ErrorKind = "source-not-found"
	KindStorageUnavail    ErrorKind = "storage-unavailable"
	KindUnknown           ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried in-run.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientNetwork || k == KindRateLimited
}

// KindError attaches an ErrorKind to an underlying error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with a kind. A nil err returns nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classify maps an error to its ErrorKind. Errors without an explicit kind
// are inspected: context deadlines and network timeouts classify as
// transient, everything else as unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransientNetwork
	}
	return KindUnknown
}
