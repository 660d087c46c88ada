// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition every interval until it holds or timeout passes.
func WaitFor(tb testing.TB, timeout, interval time.Duration, condition func() bool) bool {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}
