package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every per-unit failure wraps exactly one of them.
var (
	ErrDiscoveryFailure = errors.New("discovery failure")
	ErrFetchFailure     = errors.New("fetch failure")
	ErrPublishFailure   = errors.New("publish failure")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// OperationError describes a failed step of a migration unit.
// errors.Is matches both the Kind sentinel and the wrapped cause.
type OperationError struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

func (e *OperationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Key, e.Err)
}

func (e *OperationError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// DiscoveryError wraps a failure listing repositories or packages.
func DiscoveryError(op, key string, err error) error {
	return &OperationError{Kind: ErrDiscoveryFailure, Op: op, Key: key, Err: err}
}

// FetchError wraps a failure reading an artifact from the source.
func FetchError(key VersionKey, err error) error {
	return &OperationError{Kind: ErrFetchFailure, Op: "fetch", Key: key.String(), Err: err}
}

// PublishError wraps a failure writing an artifact to the destination.
func PublishError(key VersionKey, err error) error {
	return &OperationError{Kind: ErrPublishFailure, Op: "publish", Key: key.String(), Err: err}
}

// StoreError wraps a state store failure that exhausted its retries.
func StoreError(op, key string, err error) error {
	return &OperationError{Kind: ErrStoreUnavailable, Op: op, Key: key, Err: err}
}

// KindOf returns the error kind sentinel, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range []error{ErrDiscoveryFailure, ErrFetchFailure, ErrPublishFailure, ErrStoreUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
