package api_test

import (
	"context"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/agentregistry"
	"github.com/orbitmesh/orbitmesh/internal/deadletter"
	"github.com/orbitmesh/orbitmesh/internal/idempotency"
	"github.com/orbitmesh/orbitmesh/internal/jobstore"
	"github.com/orbitmesh/orbitmesh/internal/orchestrator"
	"github.com/orbitmesh/orbitmesh/internal/progress"
	"github.com/orbitmesh/orbitmesh/internal/resilience"
	"github.com/orbitmesh/orbitmesh/internal/router"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// noopSelector never finds an eligible agent, leaving submitted jobs
// pending — sufficient for exercising the query/cancel endpoints without
// standing up a real agent fleet.
type noopSelector struct{}

func (noopSelector) Select(router.RoutingRequest) (types.Agent, bool) { return types.Agent{}, false }

// noopDispatcher is never invoked given noopSelector never selects, but
// must still satisfy orchestrator.JobDispatcher.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, string, types.JobRequest) error { return nil }
func (noopDispatcher) SendCancelToAgent(context.Context, string, string) error  { return nil }

func fastResilience() *resilience.Service {
	return resilience.New(resilience.Config{
		MaxRetryAttempts:   1,
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		Timeout:            50 * time.Millisecond,
		BreakerFailureRatio: 0.9,
		BreakerMinRequests: 100,
		BreakerOpenDuration: time.Millisecond,
	})
}

func testOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(
		jobstore.New(),
		idempotency.New(idempotency.DefaultConfig()),
		noopSelector{},
		noopDispatcher{},
		deadletter.New(),
		progress.New(),
		fastResilience(),
		nil,
		zap.NewNop(),
	)
}

func testRegistry() *agentregistry.Registry {
	return agentregistry.New(agentregistry.DefaultConfig(), zap.NewNop())
}

func testDeadLetter() *deadletter.Queue {
	return deadletter.New()
}

func recorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
