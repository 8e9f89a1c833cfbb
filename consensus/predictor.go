package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/types"
)

// Caller asks one predictor to score a candidate. Implementations must
// honor ctx cancellation; the validator enforces both the per-call timeout
// and the overall round deadline through it.
type Caller interface {
	Predict(ctx context.Context, predictor types.Predictor, candidate types.IncidentCandidate) (float64, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, predictor types.Predictor, candidate types.IncidentCandidate) (float64, error)

// Predict calls f.
func (f CallerFunc) Predict(ctx context.Context, predictor types.Predictor, candidate types.IncidentCandidate) (float64, error) {
	return f(ctx, predictor, candidate)
}

// predictionResponse is the body a predictor service returns.
type predictionResponse struct {
	Confidence float64 `json:"confidence"`
}

// HTTPCaller scores candidates by POSTing them to predictor services.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller creates a caller backed by the given client, or a default
// client when nil. Timeouts are driven entirely by the request context.
func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCaller{client: client}
}

// Predict POSTs the candidate as JSON and decodes {"confidence": x}.
func (h *HTTPCaller) Predict(ctx context.Context, predictor types.Predictor, candidate types.IncidentCandidate) (float64, error) {
	body, err := json.Marshal(candidate)
	if err != nil {
		return 0, errors.WrapInvalid(err, "consensus", "Predict", "encode candidate")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, predictor.URL, bytes.NewReader(body))
	if err != nil {
		return 0, errors.WrapInvalid(err, "consensus", "Predict", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errors.WrapTransient(err, "consensus", "Predict", predictor.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.WrapTransient(errors.ErrNoConnection, "consensus", "Predict",
			fmt.Sprintf("%s returned status %d", predictor.Name, resp.StatusCode))
	}

	var pr predictionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&pr); err != nil {
		return 0, errors.WrapInvalid(err, "consensus", "Predict",
			fmt.Sprintf("decode response from %s", predictor.Name))
	}
	if pr.Confidence < 0 || pr.Confidence > 1 {
		return 0, errors.WrapInvalid(errors.ErrMalformedReading, "consensus", "Predict",
			fmt.Sprintf("%s confidence %g outside [0,1]", predictor.Name, pr.Confidence))
	}
	return pr.Confidence, nil
}
