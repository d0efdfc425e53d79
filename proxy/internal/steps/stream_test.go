package steps_test

import (
	"context"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/httptoolkit/mockproxy/proxy/internal/request"
	"github.com/httptoolkit/mockproxy/proxy/internal/steps"
)

func TestStreamIsSingleShot(t *testing.T) {
	c := qt.New(t)

	req := request.New()
	s := &steps.Stream{Status: 200, Source: strings.NewReader("hello")}

	var resp *request.OngoingResponse
	result, err := s.Handle(context.Background(), req, &resp)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Outcome, qt.Equals, steps.Done)
	c.Assert(resp.StatusCode, qt.Equals, 200)

	_, err = s.Handle(context.Background(), req, &resp)
	c.Assert(err, qt.Equals, steps.ErrStreamAlreadyConsumed)
}
