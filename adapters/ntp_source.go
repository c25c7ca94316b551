package adapters

import (
	"context"
	"fmt"
	"time"

	"valve-controller/application"

	"github.com/beevik/ntp"
)

const NTPDefaultTimeout = 5 * time.Second

type NTPSourceParams struct {
	Server  string
	Timeout time.Duration

	// Query replaces ntp.QueryWithOptions, for tests.
	Query func(address string, opt ntp.QueryOptions) (*ntp.Response, error)
}

type NTPSource struct {
	params NTPSourceParams
}

func NewNTPSource(params NTPSourceParams) (*NTPSource, error) {
	if params.Server == "" {
		return nil, fmt.Errorf("ntp server is empty")
	}
	if params.Timeout == 0 {
		params.Timeout = NTPDefaultTimeout
	}
	if params.Query == nil {
		params.Query = ntp.QueryWithOptions
	}
	return &NTPSource{params: params}, nil
}

// Offset queries the server once. The query is bounded by the shorter of the
// configured timeout and the ctx deadline.
func (s *NTPSource) Offset(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	timeout := s.params.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	resp, err := s.params.Query(s.params.Server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("ntp %s: %w", s.params.Server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("ntp %s: %w", s.params.Server, err)
	}
	return resp.ClockOffset, nil
}

var _ application.TimeSource = &NTPSource{}
