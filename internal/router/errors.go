// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidArgument indicates malformed caller input (blank prompt or
	// unrecognized strategy). Never retried, surfaced immediately.
	ErrInvalidArgument = errors.New("router: invalid argument")

	// ErrCacheMiss is the expected outcome of a cache-only request that
	// found nothing; no provider is contacted.
	ErrCacheMiss = errors.New("router: cache miss and strategy allows no fallback")
)

// AllProvidersFailedError aggregates the underlying failures when the smart
// strategy exhausts both the local and free-api paths.
type AllProvidersFailedError struct {
	Errors []error
}

func (e *AllProvidersFailedError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return "router: all providers failed: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the constituent failures to errors.Is/As.
func (e *AllProvidersFailedError) Unwrap() []error {
	return e.Errors
}
