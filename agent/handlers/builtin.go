package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/types"
)

// echoHandler returns req.Parameters unchanged — useful for exercising the
// dispatch path and for integration tests that need a deterministic result.
func echoHandler(ctx context.Context, req types.JobRequest, report ProgressFunc) ([]byte, error) {
	report(100, "echo", "returning parameters unchanged")
	return req.Parameters, nil
}

type sleepParams struct {
	DurationMS int `json:"durationMs"`
	Steps      int `json:"steps"`
}

// sleepHandler sleeps for the requested duration, reporting evenly-spaced
// progress — a minimal stand-in for a long-running job that exercises
// reportProgress and honors context cancellation.
func sleepHandler(ctx context.Context, req types.JobRequest, report ProgressFunc) ([]byte, error) {
	var p sleepParams
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &p); err != nil {
			return nil, err
		}
	}
	if p.DurationMS <= 0 {
		p.DurationMS = 1000
	}
	if p.Steps <= 0 {
		p.Steps = 10
	}

	stepDuration := time.Duration(p.DurationMS/p.Steps) * time.Millisecond
	for i := 1; i <= p.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stepDuration):
		}
		report(float64(i)/float64(p.Steps)*100, "sleeping", "")
	}
	return []byte("done"), nil
}
