package testutil

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"
)

// Minutes; replaces every test timeout, which helps when stepping through tests in a debugger.
const testContextTimeoutEnvVar = "TEST_CONTEXT_TIMEOUT"

// GetTestContext returns a context that expires at the earlier of the test deadline and the given timeout.
// A zero timeout means the test deadline alone applies.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if override, found := os.LookupEnv(testContextTimeoutEnvVar); found {
		minutes, err := strconv.ParseUint(override, 10, 16)
		if err != nil {
			t.Fatalf("%s value '%s' is invalid: %v", testContextTimeoutEnvVar, override, err)
		}
		return context.WithTimeout(context.Background(), time.Duration(minutes)*time.Minute)
	}

	deadline, hasDeadline := effectiveDeadline(t, testTimeout)
	if !hasDeadline {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func effectiveDeadline(t *testing.T, testTimeout time.Duration) (time.Time, bool) {
	testDeadline, hasTestDeadline := t.Deadline()
	if testTimeout <= 0 {
		return testDeadline, hasTestDeadline
	}

	timeoutDeadline := time.Now().Add(testTimeout)
	if hasTestDeadline && testDeadline.Before(timeoutDeadline) {
		return testDeadline, true
	}
	return timeoutDeadline, true
}

// Receive waits for a value from ch, failing the test if the context expires first.
func Receive[T any](t *testing.T, ctx context.Context, ch <-chan T) T {
	t.Helper()

	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed unexpectedly")
		}
		return v
	case <-ctx.Done():
		t.Fatalf("timed out waiting for a value: %v", ctx.Err())
		return *new(T)
	}
}

// WaitClosed waits for ch to be closed (or to deliver a value), failing the test if the context expires first.
func WaitClosed[T any](t *testing.T, ctx context.Context, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the channel to be closed: %v", ctx.Err())
	}
}
