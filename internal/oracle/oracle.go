// Package oracle defines the forecasting interface the trade pipeline
// consults, and an HTTP adapter for a hosted forecasting service. The
// oracle's reasoning is opaque to the bot: it may search the web or run
// code; all the pipeline sees is a probability and a rationale.
package oracle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Request carries the market context the oracle forecasts from.
type Request struct {
	Question        string    `json:"question"`
	Description     string    `json:"description"`
	CreatorUsername string    `json:"creatorUsername"`
	Comments        []string  `json:"comments,omitempty"`
	AsOf            time.Time `json:"asOf"`
}

// Prediction is the oracle's answer.
type Prediction struct {
	Probability float64 `json:"probability"`
	Rationale   string  `json:"rationale"`
}

// Predictor produces a probability estimate for a market.
type Predictor interface {
	Predict(ctx context.Context, req Request) (Prediction, error)
}

// HTTPPredictor queries a forecasting service over HTTP.
type HTTPPredictor struct {
	http *resty.Client
}

// NewHTTPPredictor creates a predictor posting to the given endpoint.
// timeout bounds one Predict call end to end; forecasting services that
// search and reason routinely take tens of seconds.
func NewHTTPPredictor(url string, timeout time.Duration) *HTTPPredictor {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPPredictor{http: client}
}

// Predict posts the market context and decodes the estimate.
func (p *HTTPPredictor) Predict(ctx context.Context, req Request) (Prediction, error) {
	var result Prediction
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("")
	if err != nil {
		return Prediction{}, fmt.Errorf("predict: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Prediction{}, fmt.Errorf("predict: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Probability < 0 || result.Probability > 1 {
		return Prediction{}, fmt.Errorf("predict: probability %v out of range", result.Probability)
	}
	return result, nil
}
