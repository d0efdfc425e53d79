package steps_test

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
	"github.com/httptoolkit/mockproxy/proxy/internal/steps"
)

func TestDelayAbortsOnContextCancel(t *testing.T) {
	c := qt.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &steps.Delay{Duration: time.Hour}
	result, err := d.Handle(ctx, request.New(), nil)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Outcome, qt.Equals, steps.Aborted)
	c.Assert(result.Code, qt.Equals, "close")
}

func TestTimeoutNeverRespondsUntilCancelled(t *testing.T) {
	c := qt.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan steps.Result, 1)
	go func() {
		ti := &steps.Timeout{}
		result, _ := ti.Handle(ctx, request.New(), nil)
		done <- result
	}()

	select {
	case <-done:
		c.Fatal("timeout step returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case result := <-done:
		c.Assert(result.Outcome, qt.Equals, steps.Aborted)
		c.Assert(result.Code, qt.Equals, "timeout")
	case <-time.After(time.Second):
		c.Fatal("timeout step did not return after cancellation")
	}
}
