package instrument

import (
	"context"
	"sync"
	"time"

	"tool_broker/internal/billing"
	"tool_broker/internal/usage"
)

type PredictionRequest struct {
	Version string
	Input   map[string]any

	// Used only for the pre-flight estimate
	Prompt           string
	InputImageSizes  []string
	OutputImageSizes []string
}

type PredictionResult struct {
	Output           []string
	OutputImageSizes []string
	// PredictTimeSeconds is the runtime the provider bills for, when reported
	PredictTimeSeconds *float64
}

// Predictor starts work that completes later, billed on completion
type Predictor interface {
	Start(ctx context.Context, req PredictionRequest) (Prediction, error)
}

// Prediction is a handle to started work
type Prediction interface {
	ID() string
	Wait(ctx context.Context) (*PredictionResult, error)
}

// MeteredPredictor runs the pre-flight check on Start and meters on Wait
type MeteredPredictor struct {
	inner Predictor
	meter *Meter
}

func WrapPredictor(predictor Predictor, meter *Meter) *MeteredPredictor {
	return &MeteredPredictor{inner: predictor, meter: meter}
}

// Start fails before reaching the provider when the payer cannot afford the
// prediction. A failure to start is tracked like any failed call.
func (p *MeteredPredictor) Start(ctx context.Context, req PredictionRequest) (Prediction, error) {
	in := billing.PreFlight{
		InputText:        req.Prompt,
		InputImageSizes:  req.InputImageSizes,
		OutputImageSizes: req.OutputImageSizes,
	}
	if err := p.meter.admit(ctx, in); err != nil {
		return nil, err
	}

	started := p.meter.now()
	prediction, err := p.inner.Start(ctx, req)
	if err != nil {
		p.meter.settle(ctx, KindImage, p.meter.now().Sub(started), Usage{}, true)
		return nil, err
	}

	return &meteredPrediction{
		inner:           prediction,
		meter:           p.meter,
		started:         started,
		inputImageSizes: req.InputImageSizes,
	}, nil
}

func (p *MeteredPredictor) Unwrap() Predictor {
	return p.inner
}

type predictionState int

const (
	statePending predictionState = iota
	stateSettled
)

// meteredPrediction meters on the first Wait and replays its outcome after.
type meteredPrediction struct {
	inner           Prediction
	meter           *Meter
	started         time.Time
	inputImageSizes []string

	mu     sync.Mutex
	state  predictionState
	result *PredictionResult
	err    error
}

func (p *meteredPrediction) ID() string {
	return p.inner.ID()
}

// Wait holds the lock through the first completion, so concurrent callers
// block until it settles and then share its result.
func (p *meteredPrediction) Wait(ctx context.Context) (*PredictionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateSettled {
		return p.result, p.err
	}

	result, err := p.inner.Wait(ctx)
	p.result, p.err = complete(ctx, p.meter, KindImage, p.started, result, err, p.measure)
	p.state = stateSettled
	return p.result, p.err
}

func (p *meteredPrediction) measure(result *PredictionResult) Usage {
	if result == nil {
		return Usage{Image: usage.ImageUsage{InputImageSizes: p.inputImageSizes}}
	}
	return Usage{
		Image: usage.ImageUsage{
			InputImageSizes:  p.inputImageSizes,
			OutputImageSizes: result.OutputImageSizes,
		},
		RemoteRuntimeSeconds: result.PredictTimeSeconds,
	}
}
