package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

type fakeTransport struct {
	mu          sync.Mutex
	executeErrs []error
	callCount   int
	cancelErr   error
	cancelled   []string
}

func (f *fakeTransport) ExecuteJob(ctx context.Context, agentID string, req types.JobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.callCount < len(f.executeErrs) {
		err = f.executeErrs[f.callCount]
	}
	f.callCount++
	return err
}

func (f *fakeTransport) CancelJob(ctx context.Context, agentID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelErr
}

func fastConfig() dispatcher.Config {
	return dispatcher.Config{InlineRetryDelay: time.Millisecond}
}

func TestDispatch_SucceedsFirstTry(t *testing.T) {
	transport := &fakeTransport{}
	d := dispatcher.New(fastConfig(), transport, zap.NewNop())

	err := d.Dispatch(context.Background(), "agent-1", types.JobRequest{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, transport.callCount)
}

func TestDispatch_RetriesOnceInlineThenSucceeds(t *testing.T) {
	transport := &fakeTransport{executeErrs: []error{errors.New("blip")}}
	d := dispatcher.New(fastConfig(), transport, zap.NewNop())

	err := d.Dispatch(context.Background(), "agent-1", types.JobRequest{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.callCount)
}

func TestDispatch_FailsAfterInlineRetryExhausted(t *testing.T) {
	transport := &fakeTransport{executeErrs: []error{errors.New("down"), errors.New("still down")}}
	d := dispatcher.New(fastConfig(), transport, zap.NewNop())

	err := d.Dispatch(context.Background(), "agent-1", types.JobRequest{ID: "job-1"})
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindTransportFailure, kind)
	assert.Equal(t, 2, transport.callCount)
}

func TestSendCancelToAgent(t *testing.T) {
	transport := &fakeTransport{}
	d := dispatcher.New(fastConfig(), transport, zap.NewNop())

	err := d.SendCancelToAgent(context.Background(), "job-1", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, transport.cancelled, "job-1")
}

func TestSendCancelToAgent_TransportFailure(t *testing.T) {
	transport := &fakeTransport{cancelErr: errors.New("unreachable")}
	d := dispatcher.New(fastConfig(), transport, zap.NewNop())

	err := d.SendCancelToAgent(context.Background(), "job-1", "agent-1")
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindTransportFailure, kind)
}
