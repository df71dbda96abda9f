package instrument

import (
	"context"

	"tool_broker/internal/billing"
)

type APIRequest struct {
	Method string
	Path   string
	Params map[string]string
}

type APIResponse struct {
	Status int
	Body   []byte
}

// APICaller makes a single flat-priced request
type APICaller interface {
	Call(ctx context.Context, req APIRequest) (*APIResponse, error)
}

// MeteredAPICaller meters every Call
type MeteredAPICaller struct {
	inner APICaller
	meter *Meter
}

func WrapAPICaller(caller APICaller, meter *Meter) *MeteredAPICaller {
	return &MeteredAPICaller{inner: caller, meter: meter}
}

func (c *MeteredAPICaller) Call(ctx context.Context, req APIRequest) (*APIResponse, error) {
	return Run(ctx, c.meter, KindAPICall, billing.PreFlight{APICalls: 1},
		func(ctx context.Context) (*APIResponse, error) {
			return c.inner.Call(ctx, req)
		},
		func(*APIResponse) Usage {
			return Usage{}
		},
	)
}

func (c *MeteredAPICaller) Unwrap() APICaller {
	return c.inner
}
