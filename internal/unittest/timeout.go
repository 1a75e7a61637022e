package unittest

import (
	"fmt"
	"testing"
	"time"
)

// RequireCallMustReturnWithinTimeout invokes f and fails the test if the
// invocation does not return prior to the given timeout.
func RequireCallMustReturnWithinTimeout(
	t *testing.T,
	f func(),
	timeout time.Duration,
	failureMsg string) {
	done := make(chan struct{})

	go func() {
		f()

		close(done)
	}()

	ChannelMustCloseWithinTimeout(
		t,
		done,
		timeout,
		fmt.Sprintf("function did not return on time: %s", failureMsg),
	)
}

// ChannelMustCloseWithinTimeout fails the test if the channel does not close
// prior to the given timeout.
func ChannelMustCloseWithinTimeout(
	t *testing.T,
	c <-chan struct{},
	timeout time.Duration,
	failureMsg string) {
	select {
	case <-c:
	case <-time.After(timeout):
		t.Fatal(failureMsg)
	}
}
