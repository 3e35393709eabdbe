// Package testutil holds small helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Async assertions default to a generous timeout with tight polling:
// CI machines can stall, and the conditions under test (pub/sub
// fan-out, scheduler ticks) normally settle in milliseconds.
const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// AssertEventually wraps assert.Eventually with the standard timings.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}

// RequireEventually wraps require.Eventually with the standard timings.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}
